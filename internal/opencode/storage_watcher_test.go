package opencode

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tchow-twistedxcom/opencode-bridge/internal/completion"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []completion.Event
}

func (r *eventRecorder) handle(ev completion.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) sessions() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for _, ev := range r.events {
		out[ev.SessionID]++
	}
	return out
}

func TestNewStorageWatcherRequiresMessageDir(t *testing.T) {
	_, err := NewStorageWatcher(t.TempDir(), func(completion.Event) {})
	assert.Error(t, err)
}

func TestStorageWatcherReportsSessionWrites(t *testing.T) {
	storage := t.TempDir()
	existing := filepath.Join(storage, "message", "ses_old")
	require.NoError(t, os.MkdirAll(existing, 0o755))

	rec := &eventRecorder{}
	w, err := NewStorageWatcher(storage, rec.handle)
	require.NoError(t, err)
	go w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool { return w.WatchedCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Burst of writes in one session collapses to one event.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(existing, "msg_1.json"), []byte(`{}`), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(existing, "msg_1.tmp"), []byte(`{}`), 0o644))

	require.Eventually(t, func() bool { return rec.sessions()["ses_old"] >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(3 * storageDebounce)
	assert.Equal(t, 1, rec.sessions()["ses_old"])

	// A session directory created after start is picked up.
	fresh := filepath.Join(storage, "message", "ses_new")
	require.NoError(t, os.Mkdir(fresh, 0o755))
	require.Eventually(t, func() bool { return w.WatchedCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(fresh, "msg_2.json"), []byte(`{}`), 0o644))
	require.Eventually(t, func() bool { return rec.sessions()["ses_new"] == 1 }, 2*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, ev := range rec.events {
		assert.Equal(t, EventStorageWrite, ev.Type)
	}
}
