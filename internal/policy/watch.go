package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is how long Watch waits after the last change to the rules
// file before reloading it.
const DebounceDelay = 100 * time.Millisecond

// WithDebounce overrides DebounceDelay.
func WithDebounce(d time.Duration) Option {
	return func(p *Policy) { p.debounce = d }
}

// Watch reloads the rules file whenever it changes, until ctx is done. The
// parent directory is watched so editors that replace the file by renaming
// a temporary one are picked up too. A file that fails to parse or compile
// leaves the previous rules in place.
func (p *Policy) Watch(ctx context.Context) error {
	if p.path == "" {
		return fmt.Errorf("policy has no rules file")
	}
	target, err := filepath.Abs(p.path)
	if err != nil {
		return fmt.Errorf("failed to resolve rules file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}
	p.logger.Debug("Watching permission rules", "path", target)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			p.logger.Debug("Permission rules changed", "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(p.debounce)
			} else {
				timer.Reset(p.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := p.Reload(); err != nil {
				p.logger.Warn("Failed to reload permission rules, keeping previous rules",
					"error", err,
				)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("Rules watcher error", "error", err)
		}
	}
}
