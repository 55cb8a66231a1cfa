package completion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu       sync.Mutex
	info     SessionInfo
	infoErr  error
	msgs     []Message
	msgsErr  error
	todos    []Todo
	todosErr error
}

func (f *fakeSource) GetSession(_ context.Context, id string) (SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoErr != nil {
		return SessionInfo{}, f.infoErr
	}
	info := f.info
	info.ID = id
	return info, nil
}

func (f *fakeSource) ListMessages(context.Context, string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msgsErr != nil {
		return nil, f.msgsErr
	}
	return append([]Message(nil), f.msgs...), nil
}

func (f *fakeSource) ListTodos(context.Context, string) ([]Todo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.todosErr != nil {
		return nil, f.todosErr
	}
	return append([]Todo(nil), f.todos...), nil
}

func (f *fakeSource) update(fn func(f *fakeSource)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func (n *fakeNotifier) setErr(err error) {
	n.mu.Lock()
	n.err = err
	n.mu.Unlock()
}

type fakeJournal struct {
	mu   sync.Mutex
	recs []OutcomeRecord
}

func (j *fakeJournal) RecordOutcome(_ context.Context, rec OutcomeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recs = append(j.recs, rec)
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	m        *Monitor
	src      *fakeSource
	notifier *fakeNotifier
	journal  *fakeJournal
	clock    *fakeClock
	// duringRecheck runs between snapshot A and snapshot B.
	duringRecheck func()
}

func finishedTurn() []Message {
	return []Message{
		{ID: "msg_u1", Role: RoleUser, CreatedAt: t0, TextParts: []string{"fix the tests"}},
		{ID: "msg_a1", Role: RoleAssistant, CreatedAt: t0.Add(40 * time.Second), TextParts: []string{"All tests pass now."}},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		src: &fakeSource{
			info: SessionInfo{Title: "Fix flaky tests", Directory: "/work/billing"},
			msgs: finishedTurn(),
			todos: []Todo{
				{Content: "reproduce", Status: TodoCompleted},
				{Content: "fix", Status: TodoCompleted},
			},
		},
		notifier: &fakeNotifier{},
		journal:  &fakeJournal{},
		clock:    &fakeClock{now: t0.Add(2 * time.Minute)},
	}
	h.m = NewMonitor(h.src, h.notifier, Options{
		// Long enough that re-armed timers never fire during a test.
		StabilityDelay: time.Hour,
		Journal:        h.journal,
		ProjectName:    "fallback",
		Now:            h.clock.Now,
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.clock.Advance(d)
			if h.duringRecheck != nil {
				h.duringRecheck()
			}
			return ctx.Err()
		},
	})
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) view(t *testing.T, id string) StateView {
	t.Helper()
	v, ok := h.m.View(id)
	require.True(t, ok, "session %s should be tracked", id)
	return v
}

func TestVerifySendsOnStableSnapshot(t *testing.T) {
	h := newHarness(t)

	out := h.m.Verify(context.Background(), "ses_1")
	require.Equal(t, OutcomeSent, out)
	require.Equal(t, 1, h.notifier.count())

	n := h.notifier.sent[0]
	assert.Equal(t, "ses_1", n.SessionID)
	assert.Equal(t, "Fix flaky tests", n.Title)
	assert.Contains(t, n.Text, "📁 Project: `billing`")
	assert.Contains(t, n.Text, "📝 Progress: 2/2 tasks")
	assert.Contains(t, n.Text, "All tests pass now.")
	assert.Contains(t, n.Text, "Session ID: `ses_1`")
	assert.Equal(t, 2*time.Minute+3*time.Second, n.Summary.Duration)

	v := h.view(t, "ses_1")
	assert.Equal(t, Fingerprint(finishedTurn(), h.src.todos), v.LastNotifiedFingerprint)
	assert.Equal(t, 0, v.EmptyRetryCount)
	assert.False(t, v.InFlight)
}

func TestVerifyIsIdempotentForUnchangedSnapshot(t *testing.T) {
	h := newHarness(t)

	require.Equal(t, OutcomeSent, h.m.Verify(context.Background(), "ses_1"))
	assert.Equal(t, OutcomeDuplicate, h.m.Verify(context.Background(), "ses_1"))
	assert.Equal(t, OutcomeDuplicate, h.m.Verify(context.Background(), "ses_1"))
	assert.Equal(t, 1, h.notifier.count())
}

func TestVerifyAbortsWhenSnapshotChanges(t *testing.T) {
	h := newHarness(t)
	h.duringRecheck = func() {
		h.src.update(func(f *fakeSource) {
			f.msgs = append(f.msgs, Message{ID: "msg_a2", Role: RoleAssistant, CreatedAt: t0.Add(time.Minute)})
		})
	}

	assert.Equal(t, OutcomeChanged, h.m.Verify(context.Background(), "ses_1"))
	assert.Equal(t, 0, h.notifier.count())
	v := h.view(t, "ses_1")
	assert.Empty(t, v.LastNotifiedFingerprint)
	assert.False(t, v.TimerPending, "a changed snapshot waits for the next idle event")
}

func TestVerifyAbortsOnTodoChurn(t *testing.T) {
	h := newHarness(t)
	h.duringRecheck = func() {
		h.src.update(func(f *fakeSource) {
			f.todos = append(f.todos, Todo{Content: "follow-up", Status: TodoPending})
		})
	}
	assert.Equal(t, OutcomeChanged, h.m.Verify(context.Background(), "ses_1"))
	assert.Equal(t, 0, h.notifier.count())
}

func TestVerifySkipsChildSession(t *testing.T) {
	h := newHarness(t)
	h.src.update(func(f *fakeSource) { f.info.ParentID = "ses_parent" })

	assert.Equal(t, OutcomeSkippedSubagent, h.m.Verify(context.Background(), "ses_child"))
	assert.Equal(t, 0, h.notifier.count())
	v := h.view(t, "ses_child")
	assert.Equal(t, SubagentSkipped, v.LastNotifiedFingerprint)
	assert.Equal(t, 0, v.EmptyRetryCount)
}

func TestVerifySkipsSubagentTitle(t *testing.T) {
	h := newHarness(t)
	h.src.update(func(f *fakeSource) { f.info.Title = "Search docs (@general subagent)" })

	assert.Equal(t, OutcomeSkippedSubagent, h.m.Verify(context.Background(), "ses_sub"))
	assert.Equal(t, 0, h.notifier.count())
}

func TestSkippedSubagentResetsRetryCount(t *testing.T) {
	h := newHarness(t)
	h.src.update(func(f *fakeSource) { f.msgs = f.msgs[:1] })

	require.Equal(t, OutcomeDeferred, h.m.Verify(context.Background(), "ses_1"))
	require.Equal(t, 1, h.view(t, "ses_1").EmptyRetryCount)

	h.src.update(func(f *fakeSource) { f.info.ParentID = "ses_parent" })
	require.Equal(t, OutcomeSkippedSubagent, h.m.Verify(context.Background(), "ses_1"))
	assert.Equal(t, 0, h.view(t, "ses_1").EmptyRetryCount)
}

func TestVerifyRearmsWithinBusyWindowWithoutCountingRetry(t *testing.T) {
	h := newHarness(t)
	h.src.update(func(f *fakeSource) { f.msgs = f.msgs[:1] })

	require.Equal(t, OutcomeDeferred, h.m.Verify(context.Background(), "ses_1"))
	require.Equal(t, OutcomeDeferred, h.m.Verify(context.Background(), "ses_1"))
	require.Equal(t, 2, h.view(t, "ses_1").EmptyRetryCount)

	h.m.RecordEvent("ses_1", false)
	assert.Equal(t, OutcomeBusyRearmed, h.m.Verify(context.Background(), "ses_1"))

	v := h.view(t, "ses_1")
	assert.True(t, v.TimerPending, "busy session is re-armed")
	assert.Equal(t, 2, v.EmptyRetryCount, "busy re-arm does not count toward the retry bound")
	assert.Equal(t, 0, h.notifier.count())

	h.clock.Advance(6 * time.Second)
	assert.Equal(t, OutcomeDeferred, h.m.Verify(context.Background(), "ses_1"))
	assert.Equal(t, 3, h.view(t, "ses_1").EmptyRetryCount)
}

func TestVerifyDefersThenFailsOpen(t *testing.T) {
	h := newHarness(t)
	h.src.update(func(f *fakeSource) { f.msgs = f.msgs[:1] })

	for i := 1; i <= 4; i++ {
		require.Equal(t, OutcomeDeferred, h.m.Verify(context.Background(), "ses_1"), "pass %d", i)
		v := h.view(t, "ses_1")
		assert.Equal(t, i, v.EmptyRetryCount)
		assert.True(t, v.TimerPending)
	}
	assert.Equal(t, 0, h.notifier.count())

	require.Equal(t, OutcomeSent, h.m.Verify(context.Background(), "ses_1"))
	assert.Equal(t, 1, h.notifier.count())
	assert.Equal(t, 0, h.view(t, "ses_1").EmptyRetryCount)

	last := h.journal.recs[len(h.journal.recs)-1]
	assert.Equal(t, OutcomeSent, last.Outcome)
	assert.Equal(t, "fail_open", last.Detail)
}

func TestVerifyDefersOnStaleReply(t *testing.T) {
	h := newHarness(t)
	h.src.update(func(f *fakeSource) {
		f.msgs = append(f.msgs, Message{ID: "msg_u2", Role: RoleUser, CreatedAt: t0.Add(90 * time.Second)})
	})
	assert.Equal(t, OutcomeDeferred, h.m.Verify(context.Background(), "ses_1"))
}

func TestVerifyDeliveryFailureLeavesStateForRetry(t *testing.T) {
	h := newHarness(t)
	h.notifier.setErr(errors.New("telegram: 502"))

	require.Equal(t, OutcomeFailed, h.m.Verify(context.Background(), "ses_1"))
	v := h.view(t, "ses_1")
	assert.Empty(t, v.LastNotifiedFingerprint)
	assert.False(t, v.InFlight)

	h.notifier.setErr(nil)
	assert.Equal(t, OutcomeSent, h.m.Verify(context.Background(), "ses_1"))
	assert.Equal(t, 1, h.notifier.count())
}

func TestVerifySuppressesSameReplyUnderNewFingerprint(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, OutcomeSent, h.m.Verify(context.Background(), "ses_1"))

	h.src.update(func(f *fakeSource) {
		f.todos = append(f.todos, Todo{Content: "cleanup", Status: TodoCancelled})
	})
	assert.Equal(t, OutcomeDuplicateReply, h.m.Verify(context.Background(), "ses_1"))
	assert.Equal(t, 1, h.notifier.count())

	v := h.view(t, "ses_1")
	h.src.mu.Lock()
	want := Fingerprint(h.src.msgs, h.src.todos)
	h.src.mu.Unlock()
	assert.Equal(t, want, v.LastNotifiedFingerprint)
	assert.Equal(t, OutcomeDuplicate, h.m.Verify(context.Background(), "ses_1"))
}

func TestVerifyNotifiesNewReply(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, OutcomeSent, h.m.Verify(context.Background(), "ses_1"))

	h.src.update(func(f *fakeSource) {
		f.msgs = append(f.msgs,
			Message{ID: "msg_u2", Role: RoleUser, CreatedAt: t0.Add(50 * time.Second)},
			Message{ID: "msg_a2", Role: RoleAssistant, CreatedAt: t0.Add(70 * time.Second), TextParts: []string{"Also fixed lint."}},
		)
	})
	assert.Equal(t, OutcomeSent, h.m.Verify(context.Background(), "ses_1"))
	require.Equal(t, 2, h.notifier.count())
	assert.Contains(t, h.notifier.sent[1].Text, "Also fixed lint.")
}

func TestVerifyIsNotReentrant(t *testing.T) {
	h := newHarness(t)
	var nested Outcome
	h.duringRecheck = func() {
		nested = h.m.Verify(context.Background(), "ses_1")
	}

	assert.Equal(t, OutcomeSent, h.m.Verify(context.Background(), "ses_1"))
	assert.Equal(t, OutcomeInFlight, nested)
	assert.Equal(t, 1, h.notifier.count())
}

func TestVerifyTreatsSourceErrorsAsEmpty(t *testing.T) {
	h := newHarness(t)
	h.src.update(func(f *fakeSource) {
		f.infoErr = errors.New("connection refused")
		f.todosErr = errors.New("connection refused")
	})

	require.Equal(t, OutcomeSent, h.m.Verify(context.Background(), "ses_1"))
	n := h.notifier.sent[0]
	assert.Equal(t, "fallback", n.Summary.ProjectName)
	assert.Zero(t, n.Summary.Total)

	h2 := newHarness(t)
	h2.src.update(func(f *fakeSource) { f.msgsErr = errors.New("timeout") })
	assert.Equal(t, OutcomeDeferred, h2.m.Verify(context.Background(), "ses_1"))
}

func TestVerifyCancelledDuringRecheck(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.duringRecheck = cancel

	assert.Equal(t, OutcomeCancelled, h.m.Verify(ctx, "ses_1"))
	assert.Equal(t, 0, h.notifier.count())
	assert.False(t, h.view(t, "ses_1").InFlight)
}

func TestEvidenceTimestampsNeverMoveBackward(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, OutcomeSent, h.m.Verify(context.Background(), "ses_1"))
	before := h.view(t, "ses_1")
	require.Equal(t, t0, before.LastUserMessageAt)
	require.Equal(t, t0.Add(40*time.Second), before.LastAssistantContentAt)

	// A later read returns a truncated list with older timestamps.
	h.src.update(func(f *fakeSource) {
		f.msgs = []Message{{ID: "msg_old", Role: RoleUser, CreatedAt: t0.Add(-time.Hour)}}
	})
	h.m.Verify(context.Background(), "ses_1")

	after := h.view(t, "ses_1")
	assert.Equal(t, before.LastUserMessageAt, after.LastUserMessageAt)
	assert.Equal(t, before.LastAssistantContentAt, after.LastAssistantContentAt)
}

func TestSessionStateObserveIsMonotonic(t *testing.T) {
	st := &sessionState{}
	st.observe(Evidence{LastUserAt: t0.Add(time.Minute), AssistantAt: t0.Add(2 * time.Minute), AssistantText: "x"})
	st.observe(Evidence{LastUserAt: t0, AssistantAt: t0, AssistantText: "older"})
	st.observe(Evidence{AssistantAt: t0.Add(time.Hour)})

	assert.Equal(t, t0.Add(time.Minute), st.lastUserMessageAt)
	assert.Equal(t, t0.Add(2*time.Minute), st.lastAssistantContentAt, "empty content does not advance")
}

func TestJournalReceivesEveryPass(t *testing.T) {
	h := newHarness(t)
	h.m.Verify(context.Background(), "ses_1")
	h.m.Verify(context.Background(), "ses_1")

	h.journal.mu.Lock()
	defer h.journal.mu.Unlock()
	require.Len(t, h.journal.recs, 2)
	assert.Equal(t, OutcomeSent, h.journal.recs[0].Outcome)
	assert.Equal(t, "msg_a1", h.journal.recs[0].AssistantKey)
	assert.Equal(t, "Fix flaky tests", h.journal.recs[0].Title)
	assert.Equal(t, OutcomeDuplicate, h.journal.recs[1].Outcome)
	assert.Equal(t, "ses_1", h.journal.recs[1].SessionID)
}

func TestHandleEventRouting(t *testing.T) {
	h := newHarness(t)

	h.m.HandleEvent(Event{Type: EventSessionIdle, SessionID: "ses_1"})
	assert.Equal(t, "ses_1", h.m.CurrentSession())
	v := h.view(t, "ses_1")
	assert.True(t, v.Idle)
	assert.True(t, v.TimerPending)

	h.m.HandleEvent(Event{Type: "message.part.updated", SessionID: "ses_1"})
	v = h.view(t, "ses_1")
	assert.False(t, v.Idle)
	assert.False(t, v.TimerPending, "busy event cancels the pending timer")
	assert.Equal(t, h.clock.Now().Add(5*time.Second), v.BusyUntil)

	h.m.HandleEvent(Event{Type: "message.updated", SessionID: "ses_2"})
	assert.Equal(t, "ses_1", h.m.CurrentSession(), "generic events do not move the current session")

	h.m.HandleEvent(Event{Type: EventSessionActive, SessionID: "ses_2"})
	assert.Equal(t, "ses_2", h.m.CurrentSession())

	h.m.HandleEvent(Event{Type: EventSessionIdle})
	assert.Len(t, h.m.Views(), 2, "events without a session id are ignored")
}

func TestMarkDispatched(t *testing.T) {
	h := newHarness(t)
	h.m.HandleEvent(Event{Type: EventSessionIdle, SessionID: "ses_1"})
	h.m.MarkDispatched("ses_9")

	assert.Equal(t, "ses_9", h.m.CurrentSession())
	v := h.view(t, "ses_9")
	assert.False(t, v.Idle)
	assert.True(t, h.clock.Now().Before(v.BusyUntil))
}

func TestViewsOrderedByActivity(t *testing.T) {
	h := newHarness(t)
	h.m.RecordEvent("old", true)
	h.clock.Advance(time.Second)
	h.m.RecordEvent("new", false)

	views := h.m.Views()
	require.Len(t, views, 2)
	assert.Equal(t, "new", views[0].SessionID)
	assert.Equal(t, "old", views[1].SessionID)
	assert.True(t, views[1].TimerPending)
}

func TestDebouncedIdleNotifiesOnce(t *testing.T) {
	src := &fakeSource{msgs: finishedTurn(), info: SessionInfo{Title: "Ship it"}}
	notifier := &fakeNotifier{}
	m := NewMonitor(src, notifier, Options{
		StabilityDelay:  40 * time.Millisecond,
		RecheckInterval: 5 * time.Millisecond,
		QuietWindow:     time.Millisecond,
	})
	t.Cleanup(m.Close)

	m.HandleEvent(Event{Type: EventSessionIdle, SessionID: "ses_1"})
	time.Sleep(20 * time.Millisecond)
	m.HandleEvent(Event{Type: EventSessionIdle, SessionID: "ses_1"})

	require.Eventually(t, func() bool { return notifier.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, notifier.count())

	// A new idle for the unchanged session is a duplicate.
	m.HandleEvent(Event{Type: EventSessionIdle, SessionID: "ses_1"})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, notifier.count())
}

func TestCloseStopsPendingTimers(t *testing.T) {
	src := &fakeSource{msgs: finishedTurn()}
	notifier := &fakeNotifier{}
	m := NewMonitor(src, notifier, Options{StabilityDelay: 20 * time.Millisecond})

	m.HandleEvent(Event{Type: EventSessionIdle, SessionID: "ses_1"})
	m.Close()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, notifier.count())
}

func TestVerifyWithoutNotifierFails(t *testing.T) {
	src := &fakeSource{msgs: finishedTurn()}
	m := NewMonitor(src, nil, Options{Sleep: func(context.Context, time.Duration) error { return nil }})
	t.Cleanup(m.Close)
	assert.Equal(t, OutcomeFailed, m.Verify(context.Background(), "ses_1"))
}

func TestVerifyWithEmptyFanoutKeepsTracking(t *testing.T) {
	src := &fakeSource{msgs: finishedTurn()}
	m := NewMonitor(src, NewFanout(), Options{Sleep: func(context.Context, time.Duration) error { return nil }})
	t.Cleanup(m.Close)

	m.RecordEvent("ses_1", true)
	assert.Equal(t, OutcomeFailed, m.Verify(context.Background(), "ses_1"))

	view, ok := m.View("ses_1")
	require.True(t, ok)
	assert.Empty(t, view.LastNotifiedFingerprint)

	report, err := m.Evaluate(context.Background(), "ses_1")
	require.NoError(t, err)
	assert.NotEqual(t, StatusCompleted, report.Status)
}

type journalFunc func(context.Context, OutcomeRecord) error

func (f journalFunc) RecordOutcome(ctx context.Context, rec OutcomeRecord) error { return f(ctx, rec) }

func TestCloseWaitsForRunningPass(t *testing.T) {
	entered := make(chan struct{})
	var (
		mu      sync.Mutex
		recs    []OutcomeRecord
		ctxErrs []error
	)
	m := NewMonitor(&fakeSource{msgs: finishedTurn()}, &fakeNotifier{}, Options{
		StabilityDelay: time.Millisecond,
		QuietWindow:    time.Millisecond,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			close(entered)
			<-ctx.Done()
			time.Sleep(30 * time.Millisecond)
			return ctx.Err()
		},
		Journal: journalFunc(func(ctx context.Context, rec OutcomeRecord) error {
			mu.Lock()
			defer mu.Unlock()
			recs = append(recs, rec)
			ctxErrs = append(ctxErrs, ctx.Err())
			return nil
		}),
	})

	m.RecordEvent("ses_1", true)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("verification pass never started")
	}
	m.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, recs, 1)
	assert.Equal(t, OutcomeCancelled, recs[0].Outcome)
	assert.NoError(t, ctxErrs[0])
}

func TestRecordEventKeepsArrivalOrderUnderConcurrency(t *testing.T) {
	m := NewMonitor(&fakeSource{msgs: finishedTurn()}, &fakeNotifier{}, Options{StabilityDelay: time.Hour})
	t.Cleanup(m.Close)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); m.RecordEvent("ses_1", true) }()
		go func() { defer wg.Done(); m.MarkDispatched("ses_1") }()
	}
	wg.Wait()

	// Whatever order the events landed in, the last one decides both the idle
	// flag and the timer.
	view, ok := m.View("ses_1")
	require.True(t, ok)
	assert.Equal(t, view.Idle, view.TimerPending)
}
