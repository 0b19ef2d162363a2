// Package watcher feeds local working-copy edits of the issue journal into
// the sync actor. It watches the journal file's directory with fsnotify,
// debounces rapid writes, and imports the file contents on each settled
// change.
package watcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/stitchwork/stitch/internal/actor"
	"github.com/stitchwork/stitch/internal/journal"
)

// Config holds watcher tuning knobs.
type Config struct {
	// DebounceInterval is how long a changed file must sit quiet before it
	// is imported. Editors and git checkouts produce bursts of events.
	DebounceInterval time.Duration

	// Logger for watcher activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[watcher] ", log.LstdFlags),
	}
}

// Watcher monitors one repository working copy's journal file and imports
// it through the repository's actor whenever it changes on disk.
type Watcher struct {
	actor       *actor.Actor
	journalPath string
	config      *Config

	fsw     *fsnotify.Watcher
	pending time.Time
	mu      sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher over the journal file at journalPath. The path does
// not need to exist yet; its parent directory must.
func New(a *actor.Actor, journalPath string, config *Config) (*Watcher, error) {
	if a == nil {
		return nil, fmt.Errorf("actor cannot be nil")
	}
	if journalPath == "" {
		return nil, fmt.Errorf("journalPath cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		actor:       a,
		journalPath: journalPath,
		config:      config,
		fsw:         fsw,
	}, nil
}

// Start imports the journal once, then blocks watching for changes until
// ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	// Watch the directory, not the file: editors and git write via rename,
	// which replaces the watched inode.
	dir := filepath.Dir(w.journalPath)
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.config.Logger.Printf("Watching %s", w.journalPath)

	if err := w.importJournal(ctx); err != nil {
		w.config.Logger.Printf("Initial import failed: %v", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(2)
	go w.watchFileEvents(ctx)
	go w.processPending(ctx)

	<-ctx.Done()
	return w.Stop()
}

// Stop shuts the watcher down and waits for its goroutines.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	if err := w.fsw.Close(); err != nil {
		w.config.Logger.Printf("Error closing watcher: %v", err)
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) watchFileEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Base(event.Name) != filepath.Base(w.journalPath) {
				continue
			}
			w.config.Logger.Printf("File event: %s %s", event.Op, event.Name)
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// processPending polls the pending timestamp and imports once writes settle.
func (w *Watcher) processPending(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			w.mu.Lock()
			due := !w.pending.IsZero() && time.Since(w.pending) >= w.config.DebounceInterval
			if due {
				w.pending = time.Time{}
			}
			w.mu.Unlock()

			if due {
				if err := w.importJournal(ctx); err != nil {
					w.config.Logger.Printf("Import failed: %v", err)
				}
			}
		}
	}
}

func (w *Watcher) importJournal(ctx context.Context) error {
	records, bad, err := journal.ReadFile(w.journalPath)
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	journal.LogParseErrors(w.config.Logger, w.journalPath, bad)

	if records == nil {
		return nil
	}
	if err := w.actor.Import(ctx, records); err != nil {
		return fmt.Errorf("failed to import journal: %w", err)
	}
	w.config.Logger.Printf("Imported %d records from %s", len(records), w.journalPath)
	return nil
}
