// Package watcher bridges the OS filesystem-notification source into a
// debounced channel of WatchEvent values. The OS delivers events
// synchronously through fsnotify; a dedicated goroutine receives them and
// forwards debounced, op-coalesced events to the Processor.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// defaultDebounceWindow is how long the Watcher waits after the most recent
// op on any watched path before emitting one coalesced WatchEvent per
// pending path.
const defaultDebounceWindow = 150 * time.Millisecond

// noiseSuffixes are path suffixes never forwarded to the Processor: editor
// swap files and OS-generated housekeeping entries.
var noiseSuffixes = []string{".swp", ".swx", "~", ".DS_Store"}

// WatchEvent is one debounced, op-coalesced filesystem change.
type WatchEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher recursively watches one or more root directory trees and emits debounced
// WatchEvent values. Resources (the underlying fsnotify.Watcher and its OS
// watches) are owned by the returned handle; Stop releases them.
type Watcher struct {
	logger         *log.Logger
	debounceWindow time.Duration

	fsw *fsnotify.Watcher

	events chan WatchEvent
	errors chan error

	mu      sync.Mutex
	pending map[string]fsnotify.Op
	timer   *time.Timer

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher constructs a Watcher rooted at the given paths, registering a
// watch on each and every existing subdirectory beneath it. A path that
// does not exist is warned and skipped, not fatal; a blank path (or no
// paths at all) is rejected. It does not start delivering events until
// Start is called.
func NewWatcher(paths ...string) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, errors.New("watcher: at least one root path is required")
	}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			return nil, errors.New("watcher: root path must not be empty")
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	w := &Watcher{
		logger:         log.Default(),
		debounceWindow: defaultDebounceWindow,
		fsw:            fsw,
		events:         make(chan WatchEvent, 100),
		errors:         make(chan error, 16),
		pending:        make(map[string]fsnotify.Op),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}

	for _, p := range paths {
		if err := w.addRecursive(p); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watching %s: %w", p, err)
		}
	}

	return w, nil
}

// addRecursive walks dir and registers an fsnotify watch on it and every
// directory beneath it. A dir that does not exist is warned and skipped,
// matching the non-fatal "path does not exist" rule of scan_on_startup.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if w.logger != nil {
				w.logger.Warn("watcher: skipping path", "path", path, "error", err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("adding watch for %s: %w", path, err)
		}
		return nil
	})
}

// Start launches the bridge goroutine that reads fsnotify's synchronous
// event stream and feeds the debounced Events/Errors channels. ctx
// cancellation stops the bridge and closes both channels.
func (w *Watcher) Start(ctx context.Context) error {
	if w == nil {
		return errors.New("watcher: Start called on nil Watcher")
	}

	go w.run(ctx)
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	defer close(w.events)
	defer close(w.errors)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.isRelevant(ev.Name) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				w.maybeWatchNewDir(ev.Name)
			}
			w.record(ev.Name, ev.Op)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.sendError(err)
		}
	}
}

func (w *Watcher) maybeWatchNewDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.addRecursive(path); err != nil && w.logger != nil {
		w.logger.Warn("watcher: failed to watch new directory", "path", path, "error", err)
	}
}

// record registers op against path and (re)starts the debounce timer.
func (w *Watcher) record(path string, op fsnotify.Op) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] |= op

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounceWindow, w.flush)
}

// flush emits one coalesced WatchEvent per pending path and clears state.
func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.timer = nil
	w.mu.Unlock()

	for path, op := range pending {
		select {
		case w.events <- WatchEvent{Path: path, Op: op}:
		default:
			if w.logger != nil {
				w.logger.Warn("watcher: events channel full, dropping event", "path", path)
			}
		}
	}
}

// sendError forwards a non-nil error to Errors(), dropping it if the
// channel is full rather than blocking the bridge goroutine.
func (w *Watcher) sendError(err error) {
	if err == nil {
		return
	}
	select {
	case w.errors <- err:
	default:
	}
}

// isRelevant reports whether path is worth forwarding to the Processor:
// everything except editor/OS housekeeping noise and any path with a
// segment starting with '.' (a dotfile or anything under a hidden
// directory).
func (w *Watcher) isRelevant(path string) bool {
	base := filepath.Base(path)
	for _, suffix := range noiseSuffixes {
		if strings.HasSuffix(base, suffix) {
			return false
		}
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return false
		}
	}
	return true
}

// Events returns the channel of debounced filesystem events. A nil
// receiver returns an already-closed channel, so callers can range over
// the result of Events() even when construction failed upstream.
func (w *Watcher) Events() <-chan WatchEvent {
	if w == nil {
		ch := make(chan WatchEvent)
		close(ch)
		return ch
	}
	return w.events
}

// Errors returns the channel of non-fatal watch errors.
func (w *Watcher) Errors() <-chan error {
	if w == nil {
		ch := make(chan error)
		close(ch)
		return ch
	}
	return w.errors
}

// Stop releases the underlying OS watches and stops the bridge goroutine.
// Safe to call on a nil Watcher.
func (w *Watcher) Stop() error {
	if w == nil {
		return nil
	}
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	return w.fsw.Close()
}
