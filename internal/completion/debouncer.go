package completion

import (
	"log/slog"
	"sync"
	"time"
)

// Debouncer runs fire(sessionID) once per session after delay. Scheduling
// again before the timer fires restarts the clock. fire never runs under the
// debouncer's lock, so callers may Schedule and Cancel while holding their own.
type Debouncer struct {
	delay time.Duration
	fire  func(sessionID string)

	mu      sync.Mutex
	pending map[string]pendingTask
	seq     uint64
	stopped bool
}

type pendingTask struct {
	token uint64
	timer *time.Timer
}

func NewDebouncer(delay time.Duration, fire func(sessionID string)) *Debouncer {
	return &Debouncer{
		delay:   delay,
		fire:    fire,
		pending: make(map[string]pendingTask),
	}
}

// Schedule cancels any pending task for the session and starts a new one.
func (d *Debouncer) Schedule(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if task, ok := d.pending[sessionID]; ok {
		task.timer.Stop()
	}
	d.seq++
	token := d.seq
	d.pending[sessionID] = pendingTask{
		token: token,
		timer: time.AfterFunc(d.delay, func() { d.expire(sessionID, token) }),
	}
}

func (d *Debouncer) expire(sessionID string, token uint64) {
	d.mu.Lock()
	task, ok := d.pending[sessionID]
	if !ok || task.token != token {
		// Replaced or cancelled after the timer already fired.
		d.mu.Unlock()
		return
	}
	delete(d.pending, sessionID)
	d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			completionLog.Error("verify_panic",
				slog.String("session_id", sessionID),
				slog.Any("panic", r))
		}
	}()
	d.fire(sessionID)
}

// Cancel drops the pending task for the session. Reports whether one existed.
func (d *Debouncer) Cancel(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	task, ok := d.pending[sessionID]
	if !ok {
		return false
	}
	task.timer.Stop()
	delete(d.pending, sessionID)
	return true
}

// Pending reports whether a task is scheduled for the session.
func (d *Debouncer) Pending(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[sessionID]
	return ok
}

// Stop cancels every pending task. Later Schedule calls are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for id, task := range d.pending {
		task.timer.Stop()
		delete(d.pending, id)
	}
}
