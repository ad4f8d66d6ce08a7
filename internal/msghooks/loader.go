package msghooks

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads every *.yaml and *.yml file under dir, sorted by priority.
// Directories named "disabled" are skipped, and files that fail to parse
// are logged and skipped. A missing directory has no hooks.
func Load(dir string, logger *slog.Logger) ([]*Hook, error) {
	if dir == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat hooks directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("hooks path is not a directory: %s", dir)
	}

	var hooks []*Hook
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warn("Cannot read hook path", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			if d.Name() == "disabled" {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
		default:
			return nil
		}
		h, err := loadFile(path)
		if err != nil {
			logger.Warn("Skipping hook file", "path", path, "error", err)
			return nil
		}
		hooks = append(hooks, h)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk hooks directory: %w", err)
	}

	slices.SortStableFunc(hooks, func(a, b *Hook) int { return a.priority() - b.priority() })
	if len(hooks) > 0 {
		logger.Info("Prompt hooks loaded", "dir", dir, "count", len(hooks))
	}
	return hooks, nil
}

func loadFile(path string) (*Hook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var h Hook
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if h.Name == "" {
		return nil, errors.New("hook name is required")
	}
	if h.Command == "" {
		return nil, errors.New("hook command is required")
	}
	switch h.When {
	case WhenFirst, WhenAll, WhenAllExceptFirst:
	default:
		return nil, fmt.Errorf("invalid when %q (want first, all or all-except-first)", h.When)
	}
	switch h.output() {
	case OutputTransform, OutputPrepend, OutputAppend, OutputDiscard:
	default:
		return nil, fmt.Errorf("invalid output %q", h.Output)
	}
	h.FilePath = path
	return &h, nil
}
