// Package loader reads the symbol watchlist and keeps it current while the
// service runs.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"coinflux/internal/logger"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Entry is one tracked symbol and the history window its klines should
// cover.
type Entry struct {
	Symbol     string `yaml:"symbol"`
	WindowDays int    `yaml:"window_days"`
}

type watchlistFile struct {
	Symbols []Entry `yaml:"symbols"`
}

// Watchlist is a hot-reloadable view of the watchlist file. Readers get an
// immutable snapshot; a file write swaps the snapshot in place.
type Watchlist struct {
	path string

	mu      sync.RWMutex
	entries []Entry

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// LoadWatchlist parses the file once and starts watching it for changes.
// A missing or unparsable file at startup is an error; a bad rewrite later
// keeps the previous snapshot.
func LoadWatchlist(path string) (*Watchlist, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("watchlist path cannot be empty")
	}
	w := &Watchlist{path: path, done: make(chan struct{})}
	entries, err := readWatchlistFile(path)
	if err != nil {
		return nil, err
	}
	w.entries = entries

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watchlist watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watchlist watcher: %w", err)
	}
	w.watcher = watcher
	go w.watchLoop()
	return w, nil
}

// Snapshot returns the current entries. The slice is a copy; callers may
// keep it across a reload.
func (w *Watchlist) Snapshot() []Entry {
	if w == nil {
		return nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Entry, len(w.entries))
	copy(out, w.entries)
	return out
}

// Close stops the file watcher.
func (w *Watchlist) Close() error {
	if w == nil || w.watcher == nil {
		return nil
	}
	close(w.done)
	return w.watcher.Close()
}

func (w *Watchlist) watchLoop() {
	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			entries, err := readWatchlistFile(w.path)
			if err != nil {
				logger.Warnf("watchlist: reload failed, keeping previous snapshot: %v", err)
				continue
			}
			w.mu.Lock()
			w.entries = entries
			w.mu.Unlock()
			logger.Infof("watchlist: reloaded %d symbols from %s", len(entries), w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("watchlist: watcher error: %v", err)
		}
	}
}

func readWatchlistFile(path string) ([]Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading watchlist: %w", err)
	}
	var file watchlistFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing watchlist: %w", err)
	}
	entries := make([]Entry, 0, len(file.Symbols))
	seen := make(map[string]bool, len(file.Symbols))
	for _, e := range file.Symbols {
		sym := strings.ToUpper(strings.TrimSpace(e.Symbol))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		if e.WindowDays <= 0 {
			e.WindowDays = 30
		}
		entries = append(entries, Entry{Symbol: sym, WindowDays: e.WindowDays})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("watchlist %s has no symbols", path)
	}
	return entries, nil
}
