package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce is how long the watcher waits for a burst of writes
// (editors often truncate, write and rename) to settle.
const DefaultReloadDebounce = 150 * time.Millisecond

// ReloadEvent names a watched file that changed. Op accumulates every
// operation seen during the debounce window.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

func (e ReloadEvent) IsConfig() bool { return filepath.Base(e.Path) == configFileName }

func (e ReloadEvent) IsAuth() bool { return filepath.Base(e.Path) == authFileName }

// Watcher reports changes to config.yaml and auth.json. It watches the home
// directory, not the files, so rename-over writes are still seen.
type Watcher struct {
	homeDir  string
	debounce time.Duration
	logger   *slog.Logger
	events   chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		debounce: DefaultReloadDebounce,
		logger:   logger,
		events:   make(chan ReloadEvent, 16),
	}
}

// SetDebounce changes the settle window; it must be called before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent { return w.events }

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.events)
	defer fsw.Close()

	pending := map[string]fsnotify.Op{}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !isWatchedFile(ev.Name) || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			pending[ev.Name] |= ev.Op
			timer.Reset(w.debounce)
		case <-timer.C:
			w.flush(pending)
			clear(pending)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) flush(pending map[string]fsnotify.Op) {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		select {
		case w.events <- ReloadEvent{Path: p, Op: pending[p]}:
			w.logger.Info("config file changed", "path", p, "op", pending[p].String())
		default:
			w.logger.Warn("reload event dropped; consumer is behind", "path", p)
		}
	}
}

func isWatchedFile(path string) bool {
	switch filepath.Base(path) {
	case configFileName, authFileName:
		return true
	}
	return false
}
