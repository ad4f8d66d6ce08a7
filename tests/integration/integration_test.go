//go:build integration

// Package integration runs conduit against a real agent process: the mock
// ACP server in tests/mocks/acp-server.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/inercia/conduit/tests/mocks/testutil"
)

var (
	conduitBinary string
	mockAgent     string
	buildErr      error
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "conduit-integration-")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// Keep test runs away from the user's registry cache and history.
	os.Setenv("CONDUIT_DIR", dir)

	ctx := context.Background()
	if mockAgent, buildErr = testutil.BuildBinary(ctx, dir, "tests/mocks/acp-server"); buildErr == nil {
		conduitBinary, buildErr = testutil.BuildBinary(ctx, dir, "cmd/conduit")
	}

	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

// getMockAgent returns the mock agent command line for scenario.
func getMockAgent(t *testing.T, scenario string) string {
	t.Helper()
	if buildErr != nil {
		t.Skipf("binaries not built: %v", buildErr)
	}
	return fmt.Sprintf("%q -scenario %s", mockAgent, scenario)
}

func getConduitBinary(t *testing.T) string {
	t.Helper()
	if buildErr != nil {
		t.Skipf("binaries not built: %v", buildErr)
	}
	return conduitBinary
}

func getTestWorkspace(t *testing.T) string {
	t.Helper()
	ws, err := testutil.Workspace("project-alpha")
	if err != nil {
		t.Fatal(err)
	}
	return ws
}
