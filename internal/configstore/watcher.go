package configstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/proxyvisor/internal/events"
)

const DefaultWatchDebounce = 500 * time.Millisecond

// Watcher reports edits made to the configuration file by other programs.
// It watches the parent directory because every store write swaps the inode.
// Changes whose content matches what the store itself last wrote are ignored.
type Watcher struct {
	store    *Store
	sink     events.Sink
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a watcher for s. A zero debounce uses DefaultWatchDebounce.
func NewWatcher(s *Store, sink events.Sink, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{store: s, sink: sink, debounce: debounce, logger: logger}
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	dir := filepath.Dir(w.store.Path())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	if err := fw.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(w.store.Path())
	w.logger.Info("config watcher started", "path", w.store.Path(), "debounce", w.debounce)

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerC = timer.C
		case <-timerC:
			timerC = nil
			w.check(ctx)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) check(ctx context.Context) {
	data, err := os.ReadFile(w.store.Path())
	if err != nil {
		w.logger.Debug("config changed but unreadable", "error", err)
		return
	}
	if w.store.ownsContent(data) {
		return
	}
	w.logger.Info("config modified externally", "path", w.store.Path())
	events.Emit(ctx, w.sink, w.logger, events.ConfigChanged(w.store.Path(), "external", time.Now()))
}
