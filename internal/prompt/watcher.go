package prompt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"scrapeqa/internal/logging"
)

// DefaultDebounce is how long a template file must stay quiet before the
// library is reloaded. Editors often write a file several times per save.
const DefaultDebounce = 500 * time.Millisecond

// WatcherStats tracks watcher activity.
type WatcherStats struct {
	Events        int
	Reloads       int
	Errors        int
	LastReload    time.Time
	LastEventPath string
}

// Watcher reloads a Library when files in its override directory change.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	library     *Library
	dir         string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	closeOnce   sync.Once
	stats       WatcherStats

	// OnReload, if set, is called after every reload attempt.
	OnReload func(err error)
}

// NewWatcher creates a watcher for lib's override directory. A debounce of
// zero uses DefaultDebounce.
func NewWatcher(lib *Library, debounce time.Duration) (*Watcher, error) {
	if lib == nil || lib.OverrideDir() == "" {
		return nil, fmt.Errorf("prompt watcher needs a library with an override directory")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		watcher:     fw,
		library:     lib,
		dir:         lib.OverrideDir(),
		debounceMap: make(map[string]time.Time),
		debounceDur: debounce,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. It is non-blocking; the event loop ends when ctx is
// cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create override dir %s: %w", w.dir, err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	logging.Prompt("Watching template overrides in %s", w.dir)

	go w.run(ctx)
	return nil
}

// Close stops the event loop, waits for it to exit, and releases the
// underlying watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()

	var err error
	w.closeOnce.Do(func() {
		close(w.stopCh)
		if wasRunning {
			<-w.doneCh
		}
		err = w.watcher.Close()
	})
	return err
}

// Stats returns a snapshot of watcher activity.
func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.PromptError("Template watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-ticker.C:
			w.processDebounced()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Ext(event.Name) != TemplateExt {
		return
	}
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}
	logging.PromptDebug("Template %s: %s", event.Op, event.Name)

	w.mu.Lock()
	w.stats.Events++
	w.stats.LastEventPath = event.Name
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

// processDebounced reloads once if any recorded path has settled.
func (w *Watcher) processDebounced() {
	w.mu.Lock()
	now := time.Now()
	settled := 0
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			delete(w.debounceMap, path)
			settled++
		}
	}
	w.mu.Unlock()

	if settled == 0 {
		return
	}

	err := w.library.Reload()
	w.mu.Lock()
	if err != nil {
		w.stats.Errors++
	} else {
		w.stats.Reloads++
		w.stats.LastReload = now
	}
	w.mu.Unlock()

	if err != nil {
		logging.PromptWarn("Template reload failed, keeping previous set: %v", err)
	} else {
		logging.Prompt("Reloaded templates from %s", w.dir)
	}
	if w.OnReload != nil {
		w.OnReload(err)
	}
}
