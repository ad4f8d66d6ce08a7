// Package testutil provides shared helpers for the conduit integration
// tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"
)

// FindProjectRoot finds the project root by looking for go.mod
func FindProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			if _, err := os.Stat(filepath.Join(dir, "cmd", "conduit")); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find project root (go.mod)")
		}
		dir = parent
	}
}

// BuildBinary compiles the package pkg, relative to the project root, into
// dir and returns the binary's path.
func BuildBinary(ctx context.Context, dir, pkg string) (string, error) {
	root, err := FindProjectRoot()
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	out := filepath.Join(dir, filepath.Base(pkg))
	if runtime.GOOS == "windows" {
		out += ".exe"
	}
	cmd := exec.CommandContext(ctx, "go", "build", "-o", out, "./"+pkg)
	cmd.Dir = root
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("go build %s: %w\n%s", pkg, err, output)
	}
	return out, nil
}

// Workspace returns the path to a fixture workspace.
func Workspace(name string) (string, error) {
	root, err := FindProjectRoot()
	if err != nil {
		return "", err
	}
	workspace := filepath.Join(root, "tests", "fixtures", "workspaces", name)
	if _, err := os.Stat(workspace); os.IsNotExist(err) {
		return "", fmt.Errorf("test workspace not found at %s", workspace)
	}
	return workspace, nil
}
