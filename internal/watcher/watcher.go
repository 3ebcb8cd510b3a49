// Package watcher signals changes to the stream store made by other processes.
package watcher

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/enrich/internal/log"
)

// DefaultDebounce coalesces the burst of writes a single commit produces.
const DefaultDebounce = time.Second

// ErrNoPath is returned when the watcher is configured without a store path.
var ErrNoPath = errors.New("watcher: store path is required")

// Config holds watcher configuration.
type Config struct {
	// DBPath is the store database. Its directory is watched so the file
	// need not exist yet.
	DBPath string
	// Debounce is the quiet period before a change is signalled.
	// Zero uses DefaultDebounce.
	Debounce time.Duration
}

// DefaultConfig returns the defaults for dbPath.
func DefaultConfig(dbPath string) Config {
	return Config{DBPath: dbPath, Debounce: DefaultDebounce}
}

// Watcher turns writes to the store files into debounced change signals.
// Writes from another session committing or `enrich streams put` surface as
// one signal, which the session turns into a definition refresh.
type Watcher struct {
	fsw      *fsnotify.Watcher
	cfg      Config
	files    map[string]bool
	changes  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a watcher for the store at cfg.DBPath. Call Start to begin.
func New(cfg Config) (*Watcher, error) {
	if cfg.DBPath == "" {
		return nil, ErrNoPath
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Watcher{
		fsw:     fsw,
		cfg:     cfg,
		files:   storeFiles(cfg.DBPath),
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

// storeFiles lists the base names SQLite writes for the database at path.
func storeFiles(path string) map[string]bool {
	base := filepath.Base(path)
	return map[string]bool{
		base:              true,
		base + "-wal":     true,
		base + "-journal": true,
	}
}

// Start watches the store directory. The returned channel carries at most one
// pending signal and is closed once the watcher stops.
func (w *Watcher) Start() (<-chan struct{}, error) {
	dir := filepath.Dir(w.cfg.DBPath)
	if err := w.fsw.Add(dir); err != nil {
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}
	log.Debug(log.CatWatcher, "watching store", "dir", dir, "debounce", w.cfg.Debounce)
	go w.run()
	return w.changes, nil
}

// Stop ends the watch. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.changes)

	timer := time.NewTimer(w.cfg.Debounce)
	timer.Stop()
	defer timer.Stop()

	// fire is nil while no change is pending.
	var fire <-chan time.Time
	coalesced := 0

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			coalesced++
			timer.Reset(w.cfg.Debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			select {
			case w.changes <- struct{}{}:
				log.Debug(log.CatWatcher, "store changed", "path", w.cfg.DBPath, "events", coalesced)
			default:
			}
			coalesced = 0

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatWatcher, "watch error", err, "path", w.cfg.DBPath)

		case <-w.done:
			return
		}
	}
}

// relevant reports whether ev is a write to one of the store files. The WAL
// file may be created fresh, so creates count too.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	return w.files[filepath.Base(ev.Name)]
}
