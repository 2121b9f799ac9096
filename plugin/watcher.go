package plugin

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the watcher waits for a burst of file events
// to settle before reloading.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a Registry whenever manifests in its directory change.
type Watcher struct {
	registry *Registry
	dir      string
	debounce time.Duration
	logger   *zap.Logger
	fsw      *fsnotify.Watcher

	// onReload, if set, observes the result of every reload.
	onReload func(error)
}

// NewWatcher watches dir for manifest changes. A zero debounce uses
// DefaultDebounce.
func NewWatcher(registry *Registry, dir string, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	return &Watcher{
		registry: registry,
		dir:      dir,
		debounce: debounce,
		logger:   logger,
		fsw:      fsw,
	}, nil
}

// Run processes file events until ctx is cancelled, then closes the
// underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.fsw.Close() }()

	w.logger.Info("Plugin watcher started",
		zap.String("dir", w.dir),
		zap.Duration("debounce", w.debounce))

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			w.logger.Debug("Plugin file changed",
				zap.String("path", event.Name),
				zap.String("op", event.Op.String()))
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Plugin watcher error", zap.Error(err))

		case <-timer.C:
			err := w.registry.Reload(w.dir)
			if w.onReload != nil {
				w.onReload(err)
			}
		}
	}
}

// relevant reports whether event touches a manifest. Chmod-only events and
// hidden temp files are ignored.
func relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := filepath.Ext(base)
	return ext == ".yaml" || ext == ".yml"
}
