// Package watcher provides file system watching for transcript files,
// turning fsnotify callbacks into a channel of change events consumed by
// the sync pipeline.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ChangeEvent reports that a transcript file was created or modified.
type ChangeEvent struct {
	Path string
	At   time.Time
}

// Watcher monitors a transcript root directory (and its per-project
// subdirectories) for .jsonl writes. Events for the same path arriving
// within the debounce window collapse into one ChangeEvent.
type Watcher struct {
	root     string
	watcher  *fsnotify.Watcher
	events   chan ChangeEvent
	ctx      context.Context
	cancel   context.CancelFunc
	debounce time.Duration

	mu      sync.Mutex
	running bool
	pending map[string]*time.Timer
}

// New creates a Watcher rooted at the given transcript directory.
func New(root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		root:     root,
		watcher:  fsw,
		events:   make(chan ChangeEvent, 64),
		ctx:      ctx,
		cancel:   cancel,
		debounce: 250 * time.Millisecond,
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Events returns the channel of debounced transcript change events.
func (w *Watcher) Events() <-chan ChangeEvent {
	return w.events
}

// Start begins watching the root and its existing subdirectories.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addTree(w.root); err != nil {
		log.Warn().Err(err).Str("path", w.root).Msg("Failed to add initial watch")
		// Continue anyway - the root may appear later
	}

	go w.watchLoop()
	return nil
}

// Stop stops the watcher and closes the event channel.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	w.cancel()

	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	return w.watcher.Close()
}

// addTree watches dir and each of its immediate subdirectories. Transcript
// layouts nest one level (projects/<project>/<session>.jsonl).
func (w *Watcher) addTree(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(dir, e.Name())
		if err := w.watcher.Add(sub); err != nil {
			log.Warn().Err(err).Str("path", sub).Msg("Failed to watch project directory")
		}
	}
	return nil
}

// watchLoop is the main event loop.
func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.ctx.Done():
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
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)

	// New project directory: extend the watch.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Failed to watch new directory")
			}
			return
		}
	}

	if !strings.HasSuffix(path, ".jsonl") {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	w.scheduleEvent(path)
}

// scheduleEvent debounces rapid successive writes to one file.
func (w *Watcher) scheduleEvent(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		running := w.running
		w.mu.Unlock()
		if !running {
			return
		}

		select {
		case w.events <- ChangeEvent{Path: path, At: time.Now()}:
		case <-w.ctx.Done():
		}
	})
}
