package completion

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tchow-twistedxcom/opencode-bridge/internal/logging"
)

var (
	completionLog = logging.ForComponent(logging.CompCompletion)
	trackerLog    = logging.ForComponent(logging.CompTracker)
)

// Options tunes a Monitor. Zero values take the defaults below.
type Options struct {
	StabilityDelay       time.Duration // default 12s
	RecheckInterval      time.Duration // default 3s
	QuietWindow          time.Duration // default 5s
	RecentActivityWindow time.Duration // default 30s
	MaxEmptyRetries      int           // default 4
	SubagentMarkers      []string
	ProjectName          string
	Journal              Journal

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultSubagentMarkers are matched against session titles when Options
// does not name any.
var DefaultSubagentMarkers = []string{"subagent", "sub-agent", "@general", "@explore", "@task", "(task)"}

func (o Options) withDefaults() Options {
	if o.StabilityDelay <= 0 {
		o.StabilityDelay = 12 * time.Second
	}
	if o.RecheckInterval <= 0 {
		o.RecheckInterval = 3 * time.Second
	}
	if o.QuietWindow <= 0 {
		o.QuietWindow = 5 * time.Second
	}
	if o.RecentActivityWindow <= 0 {
		o.RecentActivityWindow = 30 * time.Second
	}
	if o.MaxEmptyRetries <= 0 {
		o.MaxEmptyRetries = 4
	}
	if len(o.SubagentMarkers) == 0 {
		o.SubagentMarkers = DefaultSubagentMarkers
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type sessionState struct {
	lastActivityAt           time.Time
	idle                     bool
	busyUntil                time.Time
	inFlight                 bool
	lastNotifiedFingerprint  string
	lastNotifiedAssistantKey string
	emptyRetryCount          int
	lastUserMessageAt        time.Time
	lastAssistantContentAt   time.Time
	title                    string
}

// observe advances the evidence timestamps. They never move backward.
func (st *sessionState) observe(ev Evidence) {
	if ev.LastUserAt.After(st.lastUserMessageAt) {
		st.lastUserMessageAt = ev.LastUserAt
	}
	if ev.AssistantText != "" && ev.AssistantAt.After(st.lastAssistantContentAt) {
		st.lastAssistantContentAt = ev.AssistantAt
	}
}

// Monitor owns the per-session completion state. One Monitor exists per
// process; every mutation goes through its mutex, and data-source and
// notifier I/O happen outside it.
type Monitor struct {
	src      DataSource
	notifier Notifier
	opts     Options
	debounce *Debouncer

	ctx    context.Context
	cancel context.CancelFunc
	passes sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*sessionState
	current  string
	closed   bool
}

func NewMonitor(src DataSource, notifier Notifier, opts Options) *Monitor {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		src:      src,
		notifier: notifier,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*sessionState),
	}
	m.debounce = NewDebouncer(opts.StabilityDelay, m.runPass)
	return m
}

// runPass is the debounce callback. Passes started after Close are dropped.
func (m *Monitor) runPass(id string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.passes.Add(1)
	m.mu.Unlock()
	defer m.passes.Done()

	m.Verify(m.ctx, id)
}

// Close stops pending timers, cancels running verification passes and waits
// for them to finish, journal writes included.
func (m *Monitor) Close() {
	m.debounce.Stop()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.passes.Wait()
}

func (m *Monitor) stateLocked(id string) *sessionState {
	st, ok := m.sessions[id]
	if !ok {
		st = &sessionState{}
		m.sessions[id] = st
	}
	return st
}

// HandleEvent routes a lifecycle event. session.idle schedules verification,
// every other event marks the session busy. Idle and active events also make
// the session the current command target.
func (m *Monitor) HandleEvent(ev Event) {
	if ev.SessionID == "" {
		return
	}
	logging.Aggregate(logging.CompTracker, "event", slog.String("type", ev.Type))

	switch ev.Type {
	case EventSessionIdle:
		m.SetCurrentSession(ev.SessionID)
		m.RecordEvent(ev.SessionID, true)
	case EventSessionActive:
		m.SetCurrentSession(ev.SessionID)
		m.RecordEvent(ev.SessionID, false)
	default:
		m.RecordEvent(ev.SessionID, false)
	}
}

// RecordEvent updates activity for a session. An idle transition (re)starts
// the debounce timer; anything else marks the session busy for the quiet
// window and cancels a pending timer.
func (m *Monitor) RecordEvent(sessionID string, idle bool) {
	// The timer change happens under m.mu so events for one session take
	// effect in arrival order.
	m.mu.Lock()
	st := m.stateLocked(sessionID)
	now := m.opts.Now()
	st.lastActivityAt = now
	cancelled := false
	if idle {
		st.idle = true
		m.debounce.Schedule(sessionID)
	} else {
		st.idle = false
		st.busyUntil = now.Add(m.opts.QuietWindow)
		cancelled = m.debounce.Cancel(sessionID)
	}
	m.mu.Unlock()

	switch {
	case idle:
		trackerLog.Debug("session_idle", slog.String("session_id", sessionID))
	case cancelled:
		trackerLog.Debug("session_busy_cancelled_timer", slog.String("session_id", sessionID))
	}
}

// MarkDispatched records that a command was sent into the session.
func (m *Monitor) MarkDispatched(sessionID string) {
	m.SetCurrentSession(sessionID)
	m.RecordEvent(sessionID, false)
}

func (m *Monitor) SetCurrentSession(sessionID string) {
	m.mu.Lock()
	m.current = sessionID
	m.mu.Unlock()
}

// CurrentSession returns the session that most recently went idle or active.
func (m *Monitor) CurrentSession() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Verify runs one stability pass for the session.
func (m *Monitor) Verify(ctx context.Context, sessionID string) Outcome {
	m.mu.Lock()
	st := m.stateLocked(sessionID)
	if st.inFlight {
		m.mu.Unlock()
		completionLog.Debug("verify_skipped_in_flight", slog.String("session_id", sessionID))
		return OutcomeInFlight
	}
	st.inFlight = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		st.inFlight = false
		m.mu.Unlock()
	}()

	rec := m.verify(ctx, sessionID, st)
	rec.SessionID = sessionID
	rec.At = m.opts.Now()

	attrs := []any{
		slog.String("session_id", sessionID),
		slog.String("outcome", string(rec.Outcome)),
		slog.Int("retry_count", rec.RetryCount),
	}
	if rec.Detail != "" {
		attrs = append(attrs, slog.String("detail", rec.Detail))
	}
	switch rec.Outcome {
	case OutcomeSent:
		completionLog.Info("completion_notified", attrs...)
	case OutcomeFailed:
		completionLog.Warn("completion_delivery_failed", attrs...)
	default:
		completionLog.Debug("completion_verify_done", attrs...)
	}

	if m.opts.Journal != nil {
		// A cancelled pass is still recorded.
		if err := m.opts.Journal.RecordOutcome(context.WithoutCancel(ctx), rec); err != nil {
			completionLog.Warn("journal_write_failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
	}
	return rec.Outcome
}

func (m *Monitor) verify(ctx context.Context, id string, st *sessionState) OutcomeRecord {
	snapA := m.snapshot(ctx, id, true)
	fpA := Fingerprint(snapA.Messages, snapA.Todos)

	m.mu.Lock()
	if snapA.Session.HasTitle() {
		st.title = snapA.Session.Title
	}
	m.mu.Unlock()
	rec := OutcomeRecord{Title: snapA.Session.Title, Fingerprint: fpA}

	if skip, reason := IsSubagent(snapA.Session, m.opts.SubagentMarkers); skip {
		m.mu.Lock()
		st.lastNotifiedFingerprint = SubagentSkipped
		st.emptyRetryCount = 0
		m.mu.Unlock()
		rec.Outcome = OutcomeSkippedSubagent
		rec.Detail = reason
		return rec
	}

	m.mu.Lock()
	rec.RetryCount = st.emptyRetryCount
	if m.opts.Now().Before(st.busyUntil) {
		// Not counted against the empty-reply bound.
		m.debounce.Schedule(id)
		m.mu.Unlock()
		rec.Outcome = OutcomeBusyRearmed
		return rec
	}
	m.mu.Unlock()

	if err := m.opts.Sleep(ctx, m.opts.RecheckInterval); err != nil {
		rec.Outcome = OutcomeCancelled
		rec.Detail = err.Error()
		return rec
	}

	snapB := m.snapshot(ctx, id, false)
	snapB.Session = snapA.Session
	fpB := Fingerprint(snapB.Messages, snapB.Todos)
	rec.Fingerprint = fpB

	if fpA != fpB {
		rec.Outcome = OutcomeChanged
		return rec
	}

	m.mu.Lock()
	if !ShouldFinalize(fpA, fpB, st.lastNotifiedFingerprint) {
		m.mu.Unlock()
		rec.Outcome = OutcomeDuplicate
		return rec
	}

	st.observe(ExtractEvidence(snapA.Messages))
	latest := ExtractEvidence(snapB.Messages)
	st.observe(latest)
	ev := Evidence{
		LastUserAt:    st.lastUserMessageAt,
		AssistantAt:   latest.AssistantAt,
		AssistantText: latest.AssistantText,
		AssistantKey:  latest.AssistantKey,
	}
	rec.AssistantKey = ev.AssistantKey

	if ev.Fresh() && ev.AssistantKey != "" && ev.AssistantKey == st.lastNotifiedAssistantKey {
		// Same reply already reported; only the todo list or tail moved.
		st.lastNotifiedFingerprint = fpB
		m.mu.Unlock()
		rec.Outcome = OutcomeDuplicateReply
		return rec
	}

	if ShouldDefer(ev, st.emptyRetryCount, m.opts.MaxEmptyRetries) {
		st.emptyRetryCount++
		rec.RetryCount = st.emptyRetryCount
		m.debounce.Schedule(id)
		m.mu.Unlock()
		rec.Outcome = OutcomeDeferred
		return rec
	}
	if !ev.Fresh() {
		rec.Detail = "fail_open"
	}
	rec.RetryCount = st.emptyRetryCount
	m.mu.Unlock()

	now := m.opts.Now()
	summary := BuildSummary(m.opts.ProjectName, snapB, ev, now)
	n := Notification{
		SessionID: id,
		Title:     snapA.Session.Title,
		Text:      summary.Markdown(),
		Summary:   summary,
		At:        now,
	}
	if m.notifier == nil {
		rec.Outcome = OutcomeFailed
		rec.Detail = ErrNoNotifier.Error()
		return rec
	}
	if err := m.notifier.Notify(ctx, n); err != nil {
		rec.Outcome = OutcomeFailed
		rec.Detail = err.Error()
		return rec
	}

	m.mu.Lock()
	st.lastNotifiedFingerprint = fpB
	if ev.AssistantKey != "" {
		st.lastNotifiedAssistantKey = ev.AssistantKey
	}
	st.emptyRetryCount = 0
	m.mu.Unlock()
	rec.Outcome = OutcomeSent
	return rec
}

// snapshot reads the session. Failed reads are logged and treated as empty.
func (m *Monitor) snapshot(ctx context.Context, id string, withSession bool) Snapshot {
	snap := Snapshot{Session: SessionInfo{ID: id}}
	if withSession {
		info, err := m.src.GetSession(ctx, id)
		if err != nil {
			m.logSourceError("get_session", id, err)
		} else {
			snap.Session = info
			if snap.Session.ID == "" {
				snap.Session.ID = id
			}
		}
	}

	msgs, err := m.src.ListMessages(ctx, id)
	if err != nil {
		m.logSourceError("list_messages", id, err)
	}
	todos, err := m.src.ListTodos(ctx, id)
	if err != nil {
		m.logSourceError("list_todos", id, err)
	}
	snap.Messages = msgs
	snap.Todos = todos
	snap.TakenAt = m.opts.Now()
	return snap
}

func (m *Monitor) logSourceError(op, id string, err error) {
	logging.Aggregate(logging.CompCompletion, "data_source_error", slog.String("op", op))
	completionLog.Debug("data_source_error",
		slog.String("op", op),
		slog.String("session_id", id),
		slog.String("error", err.Error()))
}

// View returns a copy of the session's state. ok is false for sessions never seen.
func (m *Monitor) View(sessionID string) (StateView, bool) {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	var view StateView
	if ok {
		view = viewOf(sessionID, st)
	}
	m.mu.Unlock()
	if !ok {
		return StateView{SessionID: sessionID}, false
	}
	view.TimerPending = m.debounce.Pending(sessionID)
	return view, true
}

// Views returns every known session, most recently active first.
func (m *Monitor) Views() []StateView {
	m.mu.Lock()
	views := make([]StateView, 0, len(m.sessions))
	for id, st := range m.sessions {
		views = append(views, viewOf(id, st))
	}
	m.mu.Unlock()

	for i := range views {
		views[i].TimerPending = m.debounce.Pending(views[i].SessionID)
	}
	sort.Slice(views, func(i, j int) bool {
		if !views[i].LastActivityAt.Equal(views[j].LastActivityAt) {
			return views[i].LastActivityAt.After(views[j].LastActivityAt)
		}
		return views[i].SessionID < views[j].SessionID
	})
	return views
}

func viewOf(id string, st *sessionState) StateView {
	return StateView{
		SessionID:               id,
		Known:                   true,
		Title:                   st.title,
		Idle:                    st.idle,
		InFlight:                st.inFlight,
		LastActivityAt:          st.lastActivityAt,
		BusyUntil:               st.busyUntil,
		LastNotifiedFingerprint: st.lastNotifiedFingerprint,
		EmptyRetryCount:         st.emptyRetryCount,
		LastUserMessageAt:       st.lastUserMessageAt,
		LastAssistantContentAt:  st.lastAssistantContentAt,
	}
}

// Evaluate reads the session and classifies it without touching state.
func (m *Monitor) Evaluate(ctx context.Context, sessionID string) (StatusReport, error) {
	if sessionID == "" {
		return StatusReport{}, fmt.Errorf("completion: evaluate: empty session id")
	}
	info, err := m.src.GetSession(ctx, sessionID)
	view, known := m.View(sessionID)
	if err != nil && !known {
		return StatusReport{}, fmt.Errorf("completion: evaluate %s: %w", sessionID, err)
	}
	snap := Snapshot{Session: SessionInfo{ID: sessionID, Title: view.Title}}
	if err == nil {
		snap.Session = info
		if snap.Session.ID == "" {
			snap.Session.ID = sessionID
		}
	}
	if msgs, err := m.src.ListMessages(ctx, sessionID); err == nil {
		snap.Messages = msgs
	} else {
		m.logSourceError("list_messages", sessionID, err)
	}
	if todos, err := m.src.ListTodos(ctx, sessionID); err == nil {
		snap.Todos = todos
	} else {
		m.logSourceError("list_todos", sessionID, err)
	}
	now := m.opts.Now()
	snap.TakenAt = now
	return Classify(view, snap, now, m.opts.RecentActivityWindow), nil
}
