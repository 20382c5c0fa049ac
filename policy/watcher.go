package policy

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/certifier/errors"
)

// DefaultDebounce coalesces bursts of writes to the policy file.
const DefaultDebounce = 500 * time.Millisecond

// ReloadCallback is called after the pool has been replaced.
type ReloadCallback func(pool *Pool) error

// Watcher reloads a Pool when its policy file changes. The containing
// directory is watched so atomic replacement (rename over the file) is seen.
type Watcher struct {
	path           string
	pool           *Pool
	watcher        *fsnotify.Watcher
	logger         *zap.SugaredLogger
	debouncePeriod time.Duration

	mu            sync.Mutex
	callbacks     []ReloadCallback
	debounceTimer *time.Timer
	done          chan struct{}
}

// NewWatcher watches path and reloads pool from it.
func NewWatcher(path string, pool *Pool, logger *zap.SugaredLogger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, errors.Wrap(err, "failed to resolve policy path")
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "failed to watch policy directory for %s", abs)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Watcher{
		path:           abs,
		pool:           pool,
		watcher:        w,
		logger:         logger,
		debouncePeriod: DefaultDebounce,
		done:           make(chan struct{}),
	}, nil
}

// SetDebounce changes the debounce period. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debouncePeriod = d
}

// OnReload registers a callback run after each successful reload.
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start() {
	go w.watchLoop()
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debugw("Policy file changed", "file", event.Name, "op", event.Op.String())
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("Policy watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debouncePeriod, func() {
		if err := w.Reload(); err != nil {
			// Keep serving the previous policy
			w.logger.Errorw("Policy reload failed", "file", w.path, "error", err)
		}
	})
}

// Reload reads the policy file and replaces the pool contents.
func (w *Watcher) Reload() error {
	statements, err := Load(w.path)
	if err != nil {
		return err
	}
	if err := w.pool.Replace(statements); err != nil {
		return err
	}
	w.logger.Infow("Policy reloaded", "file", w.path, "count", len(statements))

	w.mu.Lock()
	callbacks := append([]ReloadCallback(nil), w.callbacks...)
	w.mu.Unlock()
	for _, cb := range callbacks {
		if err := cb(w.pool); err != nil {
			w.logger.Warnw("Policy reload callback error", "error", err)
		}
	}
	return nil
}

// Stop ends watching. Pending reloads are cancelled.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
