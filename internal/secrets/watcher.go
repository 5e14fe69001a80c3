package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce collapses bursts of writes into a single reload.
const DefaultDebounce = 500 * time.Millisecond

// Watcher watches the secret file and triggers a debounced reload on
// change. It watches the containing directory rather than the file
// itself because most editors and provisioning tools replace the file by
// rename, which would drop a direct watch.
type Watcher struct {
	store    *Store
	path     string
	debounce time.Duration
	logger   *logrus.Logger
	onError  func(error)

	fw      *fsnotify.Watcher
	timerMu sync.Mutex
	timer   *time.Timer

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides the debounce interval.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithErrorHandler registers a callback for reload errors. Errors never
// stop the watch.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher creates a watcher for the store's backing file.
func NewWatcher(store *Store, logger *logrus.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		store:    store,
		path:     store.path,
		debounce: DefaultDebounce,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. It is an error to start twice.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("secret watcher already started")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch secrets directory: %w", err)
	}
	w.fw = fw
	w.started = true

	w.wg.Add(1)
	go w.loop()

	w.logger.Infof("Watching secrets file %s", w.path)
	return nil
}

// Stop terminates the watch and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	close(w.stopCh)
	w.fw.Close()
	w.wg.Wait()
	w.started = false

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	target := filepath.Clean(w.path)

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.resetTimer()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warnf("Secret watcher error: %v", err)
		}
	}
}

// resetTimer restarts the debounce window; each raw change pushes the
// reload back so write bursts collapse into one.
func (w *Watcher) resetTimer() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	if _, err := os.Stat(w.path); err != nil {
		// A transient delete must not cause an outage; keep the
		// last-good secrets in memory.
		w.logger.Warnf("Secrets file %s no longer exists, keeping current secrets", w.path)
		return
	}
	if err := w.store.Reload(); err != nil {
		w.logger.Errorf("Secret reload failed: %v", err)
		if w.onError != nil {
			w.onError(err)
		}
	}
}
