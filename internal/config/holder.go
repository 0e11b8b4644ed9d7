package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors produce on save.
const reloadDebounce = 100 * time.Millisecond

// Holder publishes the active Snapshot. Readers call Current once per call
// and keep the returned value; Reload builds a complete replacement and swaps
// it in with a single atomic store.
type Holder struct {
	current atomic.Pointer[Snapshot]
	path    string

	mu        sync.Mutex // serialises reloads and listener registration
	listeners []func(Snapshot)

	// load builds a snapshot; swapped in tests.
	load func(path string) (Snapshot, error)
}

// NewHolder publishes initial and remembers path for later reloads.
func NewHolder(initial Snapshot, path string) *Holder {
	h := &Holder{path: path, load: LoadSnapshot}
	h.current.Store(&initial)
	return h
}

// Current returns a copy of the active snapshot.
func (h *Holder) Current() Snapshot {
	return *h.current.Load()
}

// OnReload registers fn to be called with each newly published snapshot.
// Listeners run synchronously inside Reload, after the swap.
func (h *Holder) OnReload(fn func(Snapshot)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Reload rebuilds the snapshot from the config source. On any error the
// previous snapshot stays active and the error is returned.
func (h *Holder) Reload() (Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	next, err := h.load(h.path)
	if err != nil {
		return h.Current(), fmt.Errorf("config: reload rejected, keeping version %d: %w", h.Current().Version, err)
	}
	next.Version = h.Current().Version + 1
	h.current.Store(&next)

	for _, fn := range h.listeners {
		fn(next)
	}
	return next, nil
}

// Watch reloads whenever the config file is written or recreated, until ctx
// is done. It returns immediately when the holder has no backing file.
func (h *Holder) Watch(ctx context.Context, log *slog.Logger) error {
	if h.path == "" {
		return nil
	}
	abs, err := filepath.Abs(h.path)
	if err != nil {
		return fmt.Errorf("config: resolve %s: %w", h.path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create file watcher: %w", err)
	}
	// Watch the directory: editors often replace the file rather than write it.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(abs), err)
	}

	go h.watchLoop(ctx, watcher, filepath.Base(abs), log)
	log.Info("config: watching for changes", slog.String("path", abs))
	return nil
}

func (h *Holder) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, name string, log *slog.Logger) {
	defer watcher.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				h.ReloadAndLog(log, "file change")
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Error("config: file watcher error", slog.Any("error", err))
		}
	}
}

// ReloadAndLog reloads and logs the outcome under trigger (e.g. "SIGHUP").
func (h *Holder) ReloadAndLog(log *slog.Logger, trigger string) {
	snap, err := h.Reload()
	if err != nil {
		log.Warn("config: reload failed", slog.String("trigger", trigger), slog.Any("error", err))
		return
	}
	log.Info("config: snapshot reloaded",
		slog.String("trigger", trigger),
		slog.Uint64("version", snap.Version),
		slog.String("index", snap.Retrieval.Index),
		slog.Bool("cache_enabled", snap.Cache.Enabled),
	)
}
