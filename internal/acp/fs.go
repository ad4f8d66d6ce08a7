package acp

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSystem serves the agent's fs/read_text_file and fs/write_text_file
// requests.
type FileSystem interface {
	// ReadTextFile returns the file content. line (1-based) and limit select
	// a range of lines when set.
	ReadTextFile(path string, line, limit *int) (string, error)

	// WriteTextFile writes content, creating parent directories as needed.
	WriteTextFile(path, content string) error
}

// OSFileSystem implements FileSystem on the local disk.
//
// When Roots is non-empty every path must resolve inside one of them.
// ReadOnly rejects all writes.
type OSFileSystem struct {
	Roots    []string
	ReadOnly bool
}

var _ FileSystem = (*OSFileSystem)(nil)

func (fs *OSFileSystem) check(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path must be absolute: %s", path)
	}
	clean := filepath.Clean(path)
	if len(fs.Roots) == 0 {
		return clean, nil
	}
	for _, root := range fs.Roots {
		rel, err := filepath.Rel(filepath.Clean(root), clean)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return clean, nil
		}
	}
	return "", fmt.Errorf("path outside allowed roots: %s", path)
}

// ReadTextFile reads a text file from disk.
func (fs *OSFileSystem) ReadTextFile(path string, line, limit *int) (string, error) {
	path, err := fs.check(path)
	if err != nil {
		return "", err
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	content := string(b)

	if line != nil || limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if line != nil && *line > 0 {
			start = min(*line-1, len(lines))
		}
		end := len(lines)
		if limit != nil && *limit > 0 && start+*limit < end {
			end = start + *limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return content, nil
}

// WriteTextFile writes content to a text file.
func (fs *OSFileSystem) WriteTextFile(path, content string) error {
	if fs.ReadOnly {
		return fmt.Errorf("write %s: file system is read-only", path)
	}
	path, err := fs.check(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
