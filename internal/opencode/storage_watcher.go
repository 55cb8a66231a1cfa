package opencode

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tchow-twistedxcom/opencode-bridge/internal/completion"
	"github.com/tchow-twistedxcom/opencode-bridge/internal/logging"
)

var storageLog = logging.ForComponent(logging.CompStorage)

// EventStorageWrite is reported for message files written under OpenCode's
// storage directory. The monitor treats it as a generic activity event.
const EventStorageWrite = "storage.message.written"

const (
	storageDebounce = 100 * time.Millisecond
	// Session directories untouched for longer than this are not watched at
	// startup; new activity creates files and re-adds them.
	storageRecentDirs = 24 * time.Hour
)

// StorageWatcher watches <storage>/message/<sessionID>/*.json with fsnotify
// and reports writes per session. It complements the event stream when the
// server's SSE endpoint is unreachable or lagging.
type StorageWatcher struct {
	messageDir string
	watcher    *fsnotify.Watcher
	handle     func(completion.Event)
	ctx        context.Context
	cancel     context.CancelFunc

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer
	watched map[string]bool
}

// NewStorageWatcher creates a watcher rooted at storageDir. Call Start in a
// goroutine.
func NewStorageWatcher(storageDir string, handle func(completion.Event)) (*StorageWatcher, error) {
	messageDir := filepath.Join(storageDir, "message")
	info, err := os.Stat(messageDir)
	if err != nil {
		return nil, fmt.Errorf("stat message dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", messageDir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &StorageWatcher{
		messageDir: messageDir,
		watcher:    watcher,
		handle:     handle,
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[string]bool),
		watched:    make(map[string]bool),
	}, nil
}

// Start blocks until Stop is called.
func (w *StorageWatcher) Start() {
	if err := w.watcher.Add(w.messageDir); err != nil {
		storageLog.Warn("storage_watch_add_failed",
			slog.String("dir", w.messageDir),
			slog.String("error", err.Error()),
		)
		return
	}
	w.addRecentSessionDirs()
	storageLog.Info("storage_watcher_started",
		slog.String("dir", w.messageDir),
		slog.Int("session_dirs", w.WatchedCount()),
	)

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			storageLog.Warn("storage_watcher_error", slog.String("error", err.Error()))
		}
	}
}

// Stop shuts down the watcher. Pending debounced events are dropped.
func (w *StorageWatcher) Stop() {
	w.cancel()
	_ = w.watcher.Close()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

// WatchedCount returns how many session directories are watched.
func (w *StorageWatcher) WatchedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}

func (w *StorageWatcher) addRecentSessionDirs() {
	entries, err := os.ReadDir(w.messageDir)
	if err != nil {
		storageLog.Warn("storage_list_failed", slog.String("error", err.Error()))
		return
	}
	cutoff := time.Now().Add(-storageRecentDirs)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().Before(cutoff) {
			continue
		}
		w.addSessionDir(filepath.Join(w.messageDir, e.Name()))
	}
}

func (w *StorageWatcher) addSessionDir(dir string) {
	w.mu.Lock()
	if w.watched[dir] {
		w.mu.Unlock()
		return
	}
	w.watched[dir] = true
	w.mu.Unlock()

	if err := w.watcher.Add(dir); err != nil {
		w.mu.Lock()
		delete(w.watched, dir)
		w.mu.Unlock()
		storageLog.Debug("storage_watch_add_failed",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
	}
}

func (w *StorageWatcher) handleFSEvent(event fsnotify.Event) {
	parent := filepath.Dir(event.Name)

	// New session directory.
	if parent == w.messageDir {
		if event.Op&fsnotify.Create != 0 {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				w.addSessionDir(event.Name)
			}
		}
		return
	}

	if filepath.Dir(parent) != w.messageDir {
		return
	}
	if filepath.Ext(event.Name) != ".json" {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	sessionID := filepath.Base(parent)
	if !strings.HasPrefix(sessionID, "ses") {
		return
	}
	w.queue(sessionID)
}

// queue coalesces bursts of writes into one event per session.
func (w *StorageWatcher) queue(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[sessionID] = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(storageDebounce, w.flush)
}

func (w *StorageWatcher) flush() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.pending))
	for id := range w.pending {
		ids = append(ids, id)
	}
	w.pending = make(map[string]bool)
	w.mu.Unlock()

	if w.ctx.Err() != nil {
		return
	}
	sort.Strings(ids)
	for _, id := range ids {
		storageLog.Debug("storage_write", slog.String("session_id", id))
		w.handle(completion.Event{Type: EventStorageWrite, SessionID: id})
	}
}
