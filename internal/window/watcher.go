package window

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
)

// Reloader reloads every open window.
type Reloader interface {
	ReloadAll()
}

// WatcherConfig holds UI watcher configuration.
type WatcherConfig struct {
	// Debounce coalesces a burst of file events into one reload.
	Debounce time.Duration
}

// DefaultWatcherConfig returns default watcher configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Debounce: 100 * time.Millisecond,
	}
}

// Watcher reloads the windows when the UI tree changes on disk.
type Watcher struct {
	config   WatcherConfig
	root     string
	reloader Reloader
	logger   *zap.Logger

	fsw          *fsnotify.Watcher
	fingerprints map[string][32]byte
}

// NewWatcher creates a watcher for the UI tree at root.
func NewWatcher(config WatcherConfig, root string, reloader Reloader, logger *zap.Logger) *Watcher {
	return &Watcher{
		config:       config,
		root:         root,
		reloader:     reloader,
		logger:       logger,
		fingerprints: make(map[string][32]byte),
	}
}

// Run watches until ctx is canceled. A watcher failure is returned as a Watcher error.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return domain.NewError(domain.KindWatcher, "create watcher", err)
	}
	defer fsw.Close()
	w.fsw = fsw

	if err := w.addTree(w.root); err != nil {
		return domain.NewError(domain.KindWatcher, "watch "+w.root, err)
	}
	w.logger.Info("watching UI for changes", zap.String("root", w.root))

	timer := time.NewTimer(w.config.Debounce)
	timer.Stop()
	defer timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return domain.NewError(domain.KindWatcher, "watch", errors.New("event stream closed"))
			}
			if w.handle(ev) {
				pending = true
				timer.Reset(w.config.Debounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return domain.NewError(domain.KindWatcher, "watch", errors.New("error stream closed"))
			}
			return domain.NewError(domain.KindWatcher, "watch", err)

		case <-timer.C:
			if pending {
				pending = false
				w.logger.Debug("UI changed, reloading windows")
				w.reloader.ReloadAll()
			}
		}
	}
}

// handle updates the watch set and fingerprints for ev and reports whether the
// UI really changed.
func (w *Watcher) handle(ev fsnotify.Event) bool {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory", zap.String("dir", ev.Name), zap.Error(err))
			}
			return true
		}
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		_, known := w.fingerprints[ev.Name]
		delete(w.fingerprints, ev.Name)
		return known
	}

	if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
		return w.refresh(ev.Name)
	}
	return false
}

// refresh re-fingerprints path and reports whether its content changed.
func (w *Watcher) refresh(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		_, known := w.fingerprints[path]
		delete(w.fingerprints, path)
		return known
	}
	sum := blake3.Sum256(data)
	if old, ok := w.fingerprints[path]; ok && old == sum {
		return false
	}
	w.fingerprints[path] = sum
	return true
}

// addTree watches dir and every directory below it, fingerprinting the files found.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		if d.Type().IsRegular() {
			if data, err := os.ReadFile(path); err == nil {
				w.fingerprints[path] = blake3.Sum256(data)
			}
		}
		return nil
	})
}
