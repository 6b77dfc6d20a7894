package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/settle/pkg/observability"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads the catalog file whenever it changes on disk
type Watcher struct {
	path     string
	store    Store
	logger   *observability.Logger
	debounce time.Duration

	// OnReload, if set, is called after every reload attempt
	OnReload func(SyncResult, error)
}

// NewWatcher creates a watcher for the catalog at path
func NewWatcher(path string, store Store, logger *observability.Logger) *Watcher {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		store:    store,
		logger:   logger.WithField("catalog", path),
		debounce: defaultDebounce,
	}
}

// Run watches until ctx is done. The parent directory is watched rather
// than the file so editors that replace the file by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("watching plan catalog")

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// editors write in bursts; coalesce into one reload
			timer.Reset(w.debounce)
		case <-timer.C:
			w.reload(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("catalog watcher error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	result, err := LoadAndSync(ctx, w.path, w.store)
	if err != nil {
		w.logger.WithError(err).Error("catalog reload rejected")
	} else {
		w.logger.WithFields(map[string]interface{}{
			"created":   result.Created,
			"unchanged": len(result.Unchanged),
		}).Info("catalog reloaded")
	}
	if w.OnReload != nil {
		w.OnReload(result, err)
	}
}

// LoadAndSync loads the catalog once and syncs it into store
func LoadAndSync(ctx context.Context, path string, store Store) (SyncResult, error) {
	plans, err := Load(path)
	if err != nil {
		return SyncResult{}, err
	}
	return Sync(ctx, store, plans)
}
