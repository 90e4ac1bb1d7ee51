package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// Config configures a DescriptorWatcher.
type Config struct {
	// RateLimit is the window merging raw events into one change.
	RateLimit time.Duration

	// Logger receives backend errors and change notices.
	Logger logr.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		RateLimit: DefaultRateLimit,
		Logger:    logr.Discard(),
	}
}

// WatcherOption configures a DescriptorWatcher.
type WatcherOption func(*Config)

// WithRateLimit sets the rate limit window.
func WithRateLimit(d time.Duration) WatcherOption {
	return func(c *Config) {
		c.RateLimit = d
	}
}

// WithLogger sets the logger.
func WithLogger(log logr.Logger) WatcherOption {
	return func(c *Config) {
		c.Logger = log
	}
}

// DescriptorWatcher reports logical changes of a single file.
//
// DescriptorWatcher is safe for concurrent use.
type DescriptorWatcher struct {
	path string
	base string
	dir  string

	config   Config
	log      logr.Logger
	watcher  *fsnotify.Watcher
	limiter  *RateLimiter
	onChange func(Event)

	mu      sync.Mutex
	pending Event

	rawEvents atomic.Int64
	changes   atomic.Int64
	errCount  atomic.Int64
	lastError atomic.Pointer[error]

	closeCh   chan struct{}
	closedWg  sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewDescriptorWatcher starts watching path. onChange is called once per
// rate limit window in which the file changed, on a timer goroutine.
//
// The file must exist when the watcher is created; it may later be
// removed and recreated.
func NewDescriptorWatcher(path string, onChange func(Event), opts ...WatcherOption) (*DescriptorWatcher, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrPathNotExist, absPath)
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotAFile, absPath)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &DescriptorWatcher{
		path:     absPath,
		base:     filepath.Base(absPath),
		dir:      filepath.Dir(absPath),
		config:   config,
		log:      config.Logger,
		watcher:  fsw,
		onChange: onChange,
		closeCh:  make(chan struct{}),
	}
	w.limiter = NewRateLimiter(config.RateLimit, w.emit)

	// The parent directory is watched so that replace-by-rename saves are seen.
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", w.dir, err)
	}

	w.closedWg.Add(1)
	go w.processLoop()

	w.log.V(1).Info("watching descriptor", "path", absPath, "rateLimit", w.limiter.Window())
	return w, nil
}

// Path returns the absolute path of the watched file.
func (w *DescriptorWatcher) Path() string {
	return w.path
}

// Stats returns watcher statistics.
func (w *DescriptorWatcher) Stats() Stats {
	s := Stats{
		RawEvents: w.rawEvents.Load(),
		Changes:   w.changes.Load(),
		Errors:    w.errCount.Load(),
	}
	if p := w.lastError.Load(); p != nil {
		s.LastError = *p
	}
	return s
}

// Close stops the watcher and cancels a pending change. It is safe to call
// more than once.
func (w *DescriptorWatcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.closeCh)
		w.limiter.Stop()
		w.closeErr = w.watcher.Close()
		w.closedWg.Wait()
	})
	return w.closeErr
}

// processLoop handles incoming fsnotify events.
func (w *DescriptorWatcher) processLoop() {
	defer w.closedWg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case fsEvent, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(fsEvent)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.errCount.Add(1)
			w.lastError.Store(&err)
			w.log.Error(err, "descriptor watch error", "path", w.path)
		}
	}
}

func (w *DescriptorWatcher) handleFSEvent(fsEvent fsnotify.Event) {
	if filepath.Base(fsEvent.Name) != w.base {
		return
	}
	op := convertOp(fsEvent.Op)
	if op == 0 || op == OpChmod {
		return
	}

	w.rawEvents.Add(1)

	w.mu.Lock()
	if w.pending.Raw == 0 {
		w.pending = Event{Path: w.path, Timestamp: time.Now()}
	}
	w.pending.Op |= op
	w.pending.Raw++
	w.mu.Unlock()

	if w.limiter.Trigger() {
		w.log.V(1).Info("descriptor changed, waiting for more changes", "path", w.path, "op", op.String())
	}
}

// emit runs when a rate limit window closes.
func (w *DescriptorWatcher) emit() {
	w.mu.Lock()
	ev := w.pending
	w.pending = Event{}
	w.mu.Unlock()

	if ev.Raw == 0 {
		return
	}

	w.changes.Add(1)
	w.log.Info("descriptor changed", "path", ev.Path, "op", ev.Op.String(), "events", ev.Raw)
	if w.onChange != nil {
		w.onChange(ev)
	}
}
