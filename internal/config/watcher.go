package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file on change and hands the new
// configuration to a callback. Rapid successive writes (editors often
// write twice) are debounced.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *log.Logger

	watcher  *fsnotify.Watcher
	debounce time.Duration

	pendingMu sync.Mutex
	pendingAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a config file watcher. onChange runs on the
// watcher goroutine with each successfully reloaded configuration;
// reload failures are logged and skipped, keeping the last good
// config in effect.
func NewWatcher(path string, onChange func(*Config), logger *log.Logger) (*Watcher, error) {
	if path == "" {
		path = DefaultPath()
	}
	if onChange == nil {
		return nil, fmt.Errorf("onChange callback cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[config] ", log.LstdFlags)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logger,
		watcher:  fsw,
		debounce: 200 * time.Millisecond,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins watching. The parent directory is watched rather than
// the file itself so atomic-rename saves are seen.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() error {
	w.cancel()
	if err := w.watcher.Close(); err != nil {
		w.logger.Printf("Error closing watcher: %v", err)
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.pendingMu.Lock()
			w.pendingAt = time.Now()
			w.pendingMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watcher error: %v", err)

		case <-ticker.C:
			w.maybeReload()
		}
	}
}

// maybeReload reloads once a pending change has settled past the
// debounce window.
func (w *Watcher) maybeReload() {
	w.pendingMu.Lock()
	at := w.pendingAt
	if at.IsZero() || time.Since(at) < w.debounce {
		w.pendingMu.Unlock()
		return
	}
	w.pendingAt = time.Time{}
	w.pendingMu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Printf("Config reload failed, keeping previous settings: %v", err)
		return
	}

	w.logger.Printf("Config reloaded from %s", w.path)
	w.onChange(cfg)
}
