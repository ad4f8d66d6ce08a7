// Package appdir locates the conduit data directory, which holds the agent
// registry cache, the CLI history, prompt hooks and rotated log files.
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// DirEnv overrides the data directory.
	DirEnv = "CONDUIT_DIR"

	// CacheDirName is the cache subdirectory (registry snapshots).
	CacheDirName = "cache"

	// HistoryFileName is the interactive CLI history file.
	HistoryFileName = "history"

	// LogFileName is the default log file.
	LogFileName = "conduit.log"

	// HooksDirName holds the prompt hook definitions.
	HooksDirName = "hooks"
)

var (
	cachedDir string
	mu        sync.RWMutex
)

// Dir returns the conduit data directory:
//  1. $CONDUIT_DIR if set
//  2. macOS: ~/Library/Application Support/Conduit
//  3. Linux: $XDG_DATA_HOME/conduit or ~/.local/share/conduit
//  4. Windows: %APPDATA%\Conduit
//
// The directory is not created; see EnsureDir.
func Dir() (string, error) {
	mu.RLock()
	if cachedDir != "" {
		dir := cachedDir
		mu.RUnlock()
		return dir, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if cachedDir != "" {
		return cachedDir, nil
	}

	dir, err := resolveDir()
	if err != nil {
		return "", err
	}
	cachedDir = dir
	return dir, nil
}

func resolveDir() (string, error) {
	if envDir := os.Getenv(DirEnv); envDir != "" {
		return envDir, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", "Conduit"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		return filepath.Join(appData, "Conduit"), nil
	default:
		dataDir := os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			dataDir = filepath.Join(homeDir, ".local", "share")
		}
		return filepath.Join(dataDir, "conduit"), nil
	}
}

// EnsureDir creates the data directory and its cache subdirectory.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	cacheDir := filepath.Join(dir, CacheDirName)
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return fmt.Errorf("failed to create conduit directory %s: %w", cacheDir, err)
	}
	return nil
}

func join(name string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// CacheDir returns the cache subdirectory.
func CacheDir() (string, error) { return join(CacheDirName) }

// HistoryPath returns the CLI history file.
func HistoryPath() (string, error) { return join(HistoryFileName) }

// LogPath returns the default log file.
func LogPath() (string, error) { return join(LogFileName) }

// HooksDir returns the prompt hooks directory.
func HooksDir() (string, error) { return join(HooksDirName) }

// ResetCache forgets the resolved directory. Tests use it after changing
// $CONDUIT_DIR.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	cachedDir = ""
}
