package settings

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce batches the burst of events editors produce when they
// save (truncate, write, chmod, or write-temp-then-rename) into one reload.
const reloadDebounce = 200 * time.Millisecond

// Watch reloads the settings whenever the file changes. It blocks until
// the context is cancelled. The parent directory is watched rather than
// the file itself so that atomic replace-by-rename saves are seen.
// onChange, if non-nil, is called after every successful reload.
func (p *Provider) Watch(ctx context.Context, onChange func(Settings)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating settings watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, settingsDirPerm); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching settings directory: %w", err)
	}

	p.logger.Info("settings watcher started", slog.String("path", p.path))

	// A nil channel blocks forever, so the debounce case is idle until
	// an event arms the timer.
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != filepath.Clean(p.path) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				debounce = time.After(reloadDebounce)
			}

		case <-debounce:
			debounce = nil

			if err := p.Reload(); err != nil {
				p.logger.Warn("settings reload failed, keeping previous settings",
					slog.String("path", p.path),
					slog.String("error", err.Error()),
				)

				continue
			}

			current := p.Current()
			p.logger.Info("settings reloaded",
				slog.String("provider", string(current.Sync.Provider)),
				slog.Int("frequency", current.Sync.Frequency),
			)

			if onChange != nil {
				onChange(current)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			p.logger.Warn("settings watcher error", slog.String("error", err.Error()))
		}
	}
}
