package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors a config file for changes using fsnotify and calls a
// callback with the computed [ConfigDiff] whenever the reload produces a
// valid config.
type Watcher struct {
	path string
	fsw  *fsnotify.Watcher

	onChange func(old, new *Config, diff ConfigDiff)

	mu      sync.Mutex
	current *Config
	hash    [sha256.Size]byte

	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a config file watcher. It loads and validates the
// initial config immediately and starts watching in a background goroutine.
func NewWatcher(path string, onChange func(old, new *Config, diff ConfigDiff)) (*Watcher, error) {
	cfg, hash, err := loadAndHash(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: create fsnotify watcher: %w", err)
	}
	// Watch the containing directory rather than the file itself: editors
	// commonly replace the file (write-rename) rather than writing in place,
	// which drops the original inode's watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watcher: watch dir: %w", err)
	}

	w := &Watcher{
		path:     path,
		fsw:      fsw,
		onChange: onChange,
		current:  cfg,
		hash:     hash,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the file watcher and releases the underlying fsnotify handle.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fsw.Close()
	})
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher: fsnotify error", "err", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, hash, err := loadAndHash(w.path)
	if err != nil {
		slog.Warn("config watcher: failed to load config, keeping previous", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if hash == w.hash {
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.hash = hash
	w.mu.Unlock()

	diff := Diff(old, cfg)
	slog.Info("config watcher: configuration reloaded", "path", w.path, "restart_required", diff.RestartRequired)

	if w.onChange != nil {
		w.onChange(old, cfg, diff)
	}
}

// loadAndHash reads, parses, and validates the config file, returning its
// SHA-256 hash alongside the decoded config so callers can detect
// no-op reloads (a file touched without content changes).
func loadAndHash(path string) (*Config, [sha256.Size]byte, error) {
	var zeroHash [sha256.Size]byte

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, zeroHash, err
	}
	hash := sha256.Sum256(data)

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zeroHash, err
	}
	return cfg, hash, nil
}
