package sync

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	goSync "sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Ignorer filters root-relative paths the watcher must not propagate.
type Ignorer interface {
	Match(relativePath string) bool
}

// Watcher observes the synchronized root for local filesystem events and
// fans them out to friends through the Sender, consulting the echo guard
// first so a change that was just received is never bounced back out.
type Watcher struct {
	sender   *Sender
	guard    *EchoGuard
	fsmgr    FilesystemManager
	logger   Logger
	debounce time.Duration
	ignore   Ignorer // optional

	mu      goSync.Mutex
	running bool
	watcher *fsnotify.Watcher
	timers  map[string]*time.Timer
	wg      goSync.WaitGroup
}

// DefaultDebounce coalesces editor write bursts into one send per path.
const DefaultDebounce = 500 * time.Millisecond

// NewWatcher creates a watcher over the sender's synchronized root.
// debounce <= 0 selects DefaultDebounce.
func NewWatcher(sender *Sender, guard *EchoGuard, fsmgr FilesystemManager, logger Logger, debounce time.Duration, ignore Ignorer) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		sender:   sender,
		guard:    guard,
		fsmgr:    fsmgr,
		logger:   logger,
		debounce: debounce,
		ignore:   ignore,
		timers:   map[string]*time.Timer{},
	}
}

// Start registers the OS-level observer on the root and every subdirectory
// (fsnotify does not watch recursively) and launches the event loop.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	root := w.fsmgr.Root()
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return watcher.Add(path)
	})
	if err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", root, err)
	}

	w.watcher = watcher
	w.running = true
	w.wg.Add(1)
	go w.loop(watcher)

	w.logger.Info("watcher started", "root", root, "debounce", w.debounce.String())
	return nil
}

// Stop deregisters the observer and joins the event loop. No further sends
// fire after Stop returns; pending debounce timers are cancelled.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	watcher := w.watcher
	w.watcher = nil
	for path, t := range w.timers {
		// A timer cancelled before firing never reaches its callback, so its
		// WaitGroup slot must be released here or Wait blocks forever.
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, path)
	}
	w.mu.Unlock()

	watcher.Close()
	w.wg.Wait()
	w.logger.Info("watcher stopped")
}

// IsRunning reports whether the event loop is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) loop(watcher *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	path := event.Name
	if w.ignored(path) {
		return
	}

	// New subdirectories must be added to the observer or changes inside
	// them go unseen.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := watcher.Add(path); err != nil {
				w.logger.Warn("watching new directory failed", "path", path, "error", err)
			}
			return
		}
	}

	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		w.debounced(path, func() { w.propagateDeletion(path) })
	case event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create):
		w.debounced(path, func() { w.propagateChange(path) })
	}
}

// debounced schedules fn after the debounce window, resetting the timer on
// every new event for the same path.
func (w *Watcher) debounced(path string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if t, ok := w.timers[path]; ok {
		if t.Stop() {
			w.wg.Done()
		}
	}
	w.wg.Add(1)
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		delete(w.timers, path)
		active := w.running
		w.mu.Unlock()
		if active {
			fn()
		}
	})
}

func (w *Watcher) propagateChange(path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	// Did the receiver just write this? If so the event is an echo of an
	// incoming sync, not a local edit.
	recent, err := w.guard.IsRecentSync(path, DirectionIncoming, OperationSync)
	if err != nil {
		w.logger.Warn("echo check failed", "path", path, "error", err)
		return
	}
	if recent {
		w.logger.Debug("suppressed echo", "path", path)
		return
	}

	results, err := w.sender.SendToFriends(path)
	if err != nil {
		w.logger.Error("propagating change failed", "path", path, "error", err)
		return
	}
	w.logger.Debug("change propagated", "path", path, "peers", len(results))
}

func (w *Watcher) propagateDeletion(path string) {
	if _, err := os.Stat(path); err == nil {
		// The path came back (rename landed elsewhere, or delete+recreate);
		// a write event will follow.
		return
	}

	recent, err := w.guard.IsRecentSync(path, DirectionIncoming, OperationDelete)
	if err != nil {
		w.logger.Warn("echo check failed", "path", path, "error", err)
		return
	}
	if recent {
		w.logger.Debug("suppressed deletion echo", "path", path)
		return
	}

	results, err := w.sender.SendDeletionToPeers(path)
	if err != nil {
		w.logger.Error("propagating deletion failed", "path", path, "error", err)
		return
	}
	w.logger.Debug("deletion propagated", "path", path, "peers", len(results))
}

// ignored filters temp files from loop-safe writes, hidden files, and any
// configured ignore pattern.
func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, TempFilePrefix) || strings.HasPrefix(base, ".") {
		return true
	}
	rel, err := w.fsmgr.Rel(path)
	if err != nil {
		return true // outside the root
	}
	if rel == "." {
		return true
	}
	return w.ignore != nil && w.ignore.Match(rel)
}
