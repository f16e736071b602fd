package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultWatchInterval = 5 * time.Second

// Watcher keeps the configuration file in sync with the running process. It
// polls the file's modification time and, when the content hash changes to
// another valid config, hands the old and new config to the change callback.
// An invalid edit is logged once and the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	// mu serialises reloads and guards the fields below.
	mu      sync.Mutex
	current *Config
	seen    fileState

	done     chan struct{}
	stopOnce sync.Once
}

// fileState identifies one version of the file on disk.
type fileState struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger for reload messages. Default: slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads the file at path and starts polling it in a background
// goroutine. The initial load must succeed. onChange may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.seen = cfg, st

	go w.loop()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload reads the file immediately, ignoring its modification time. It
// returns the load or validation error, in which case the current config is
// kept. Use it to act on SIGHUP.
func (w *Watcher) Reload() error {
	return w.reload(true)
}

// Stop stops polling. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) loop() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			if err := w.reload(false); err != nil {
				w.log.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// reload loads the file when forced or when its mtime moved. A file whose
// content is unchanged, or whose mtime was already seen, is a no-op.
func (w *Watcher) reload(force bool) error {
	w.mu.Lock()
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			w.mu.Unlock()
			return err
		}
		if info.ModTime().Equal(w.seen.mtime) {
			w.mu.Unlock()
			return nil
		}
	}

	cfg, st, err := w.read()
	if err != nil {
		// Remember the broken version so the next poll does not report it
		// again; a later edit moves the mtime.
		if !st.mtime.IsZero() {
			w.seen.mtime = st.mtime
		}
		w.mu.Unlock()
		return err
	}
	if st.sum == w.seen.sum {
		w.seen = st
		w.mu.Unlock()
		return nil
	}
	old := w.current
	w.current, w.seen = cfg, st
	w.mu.Unlock()

	w.log.Info("config watcher: configuration reloaded", "path", w.path)

	// Outside the lock so the callback may call Current.
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return nil
}

// read loads and validates the file. On a validation failure the returned
// fileState still carries the file's mtime.
func (w *Watcher) read() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	st := fileState{mtime: info.ModTime(), sum: sha256.Sum256(data)}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, st, err
	}
	return cfg, st, nil
}
