package runner

import (
	grrunner "github.com/inercia/go-restricted-runner/pkg/runner"

	"github.com/inercia/conduit/internal/config"
)

// Layers holds the runner configuration at each level, lowest priority
// first. Any of them may be nil.
type Layers struct {
	Global    *config.RunnerConfig
	Agent     *config.RunnerConfig
	Workspace *config.RunnerConfig
}

// Resolve merges the layers. A layer's Type, when set, replaces the
// type chosen so far; its restrictions are merged according to its
// MergeStrategy. With no layers the result is "exec" without restrictions.
func Resolve(layers Layers) *ResolvedConfig {
	runnerType := "exec"
	var restrictions *config.RunnerRestrictions

	for _, layer := range []*config.RunnerConfig{layers.Global, layers.Agent, layers.Workspace} {
		if layer == nil {
			continue
		}
		if layer.Type != "" {
			runnerType = layer.Type
		}
		strategy := layer.MergeStrategy
		if strategy == "" {
			strategy = "extend"
		}
		restrictions = MergeRestrictions(restrictions, layer.Restrictions, strategy)
	}

	return &ResolvedConfig{
		Type:         runnerType,
		Restrictions: restrictions,
	}
}

// MergeRestrictions merges restrictions with the specified strategy.
//
// Strategy "replace": override completely replaces base.
// Strategy "extend" (default): folder lists are unioned, scalar fields set
// in override win.
func MergeRestrictions(base, override *config.RunnerRestrictions, strategy string) *config.RunnerRestrictions {
	if override == nil {
		return base
	}
	if strategy == "replace" || base == nil {
		cp := *override
		return &cp
	}

	merged := *base
	if override.AllowNetworking != nil {
		merged.AllowNetworking = override.AllowNetworking
	}
	merged.AllowReadFolders = mergeFolderLists(base.AllowReadFolders, override.AllowReadFolders)
	merged.AllowWriteFolders = mergeFolderLists(base.AllowWriteFolders, override.AllowWriteFolders)
	merged.DenyFolders = mergeFolderLists(base.DenyFolders, override.DenyFolders)
	if override.Docker != nil {
		merged.Docker = override.Docker
	}
	return &merged
}

// mergeFolderLists appends override to base, dropping duplicates.
func mergeFolderLists(base, override []string) []string {
	if len(override) == 0 {
		return base
	}

	seen := make(map[string]bool, len(base)+len(override))
	result := make([]string, 0, len(base)+len(override))
	for _, list := range [][]string{base, override} {
		for _, path := range list {
			if !seen[path] {
				result = append(result, path)
				seen[path] = true
			}
		}
	}
	return result
}

// toRunnerOptions converts restrictions to go-restricted-runner options.
func toRunnerOptions(restrictions *config.RunnerRestrictions) grrunner.Options {
	options := grrunner.Options{}
	if restrictions == nil {
		return options
	}

	if restrictions.AllowNetworking != nil {
		options["allow_networking"] = *restrictions.AllowNetworking
	}
	if len(restrictions.AllowReadFolders) > 0 {
		options["allow_read_folders"] = restrictions.AllowReadFolders
	}
	if len(restrictions.AllowWriteFolders) > 0 {
		options["allow_write_folders"] = restrictions.AllowWriteFolders
	}
	if len(restrictions.DenyFolders) > 0 {
		options["deny_folders"] = restrictions.DenyFolders
	}
	if d := restrictions.Docker; d != nil {
		if d.Image != "" {
			options["image"] = d.Image
		}
		if d.MemoryLimit != "" {
			options["memory_limit"] = d.MemoryLimit
		}
		if d.CPULimit != "" {
			options["cpu_limit"] = d.CPULimit
		}
	}
	return options
}

func toRunnerType(typeStr string) grrunner.Type {
	switch typeStr {
	case "sandbox-exec":
		return grrunner.TypeSandboxExec
	case "firejail":
		return grrunner.TypeFirejail
	case "docker":
		return grrunner.TypeDocker
	default:
		return grrunner.TypeExec
	}
}
