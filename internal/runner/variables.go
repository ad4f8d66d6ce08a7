package runner

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/inercia/conduit/internal/appdir"
	"github.com/inercia/conduit/internal/config"
)

// VariableResolver substitutes variables in restriction paths:
// $WORKSPACE, $HOME, $CONDUIT_DIR, $USER and $TMPDIR (also in ${VAR} form),
// plus a leading ~.
type VariableResolver struct {
	replacer *strings.Replacer
	home     string
	user     string
}

// NewVariableResolver creates a resolver for the given workspace directory.
func NewVariableResolver(workspace string) (*VariableResolver, error) {
	home, _ := os.UserHomeDir()
	dataDir, _ := appdir.Dir()
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME")
	}

	vars := map[string]string{
		"WORKSPACE":   workspace,
		"HOME":        home,
		"CONDUIT_DIR": dataDir,
		"USER":        user,
		"TMPDIR":      os.TempDir(),
	}
	// Braced forms go first; the unbraced names are listed longest first so
	// that a shorter name never matches a prefix of a longer one.
	var pairs []string
	for _, name := range []string{"CONDUIT_DIR", "WORKSPACE", "TMPDIR", "HOME", "USER"} {
		pairs = append(pairs, "${"+name+"}", vars[name])
	}
	for _, name := range []string{"CONDUIT_DIR", "WORKSPACE", "TMPDIR", "HOME", "USER"} {
		pairs = append(pairs, "$"+name, vars[name])
	}

	return &VariableResolver{
		replacer: strings.NewReplacer(pairs...),
		home:     home,
		user:     user,
	}, nil
}

// Resolve replaces variables in a path.
func (vr *VariableResolver) Resolve(path string) string {
	path = vr.replacer.Replace(path)
	if strings.HasPrefix(path, "~/") {
		path = filepath.Join(vr.home, path[2:])
	}
	return path
}

// ResolvePaths resolves variables in a list of paths. Empty input gives nil.
func (vr *VariableResolver) ResolvePaths(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	resolved := make([]string, len(paths))
	for i, path := range paths {
		resolved[i] = vr.Resolve(path)
	}
	return resolved
}

func resolveVariables(restrictions *config.RunnerRestrictions, resolver *VariableResolver) *config.RunnerRestrictions {
	if restrictions == nil {
		return nil
	}
	return &config.RunnerRestrictions{
		AllowNetworking:   restrictions.AllowNetworking,
		AllowReadFolders:  resolver.ResolvePaths(restrictions.AllowReadFolders),
		AllowWriteFolders: resolver.ResolvePaths(restrictions.AllowWriteFolders),
		DenyFolders:       resolver.ResolvePaths(restrictions.DenyFolders),
		Docker:            restrictions.Docker,
	}
}
