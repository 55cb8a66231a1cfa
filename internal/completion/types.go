// Package completion decides when an OpenCode session has really finished a
// turn. Idle events are debounced per session, the session is snapshotted
// twice across a recheck interval, and a notification is sent only when both
// snapshots agree and the state was not reported before.
package completion

import (
	"context"
	"strings"
	"time"
)

// Lifecycle event types consumed from the OpenCode event stream.
const (
	EventSessionIdle   = "session.idle"
	EventSessionActive = "session.active"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Todo statuses.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
	TodoCancelled  = "cancelled"
)

// Event is a lifecycle event reduced to what the tracker needs.
type Event struct {
	Type      string
	SessionID string
}

// IsIdle reports whether the event is an idle transition.
func (e Event) IsIdle() bool {
	return e.Type == EventSessionIdle
}

type Message struct {
	ID        string
	Role      string
	CreatedAt time.Time
	TextParts []string
}

// Text joins the non-empty text parts of the message.
func (m Message) Text() string {
	parts := make([]string, 0, len(m.TextParts))
	for _, p := range m.TextParts {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n")
}

type Todo struct {
	Content string
	Status  string
}

// Open reports whether the todo still has work left.
func (t Todo) Open() bool {
	return t.Status == TodoPending || t.Status == TodoInProgress
}

// SessionInfo is session metadata. Empty strings mean "absent".
type SessionInfo struct {
	ID        string
	Title     string
	ParentID  string
	Directory string
}

func (s SessionInfo) HasParent() bool {
	return strings.TrimSpace(s.ParentID) != ""
}

func (s SessionInfo) HasTitle() bool {
	return strings.TrimSpace(s.Title) != ""
}

// Snapshot is one read of a session. It is never mutated after capture.
type Snapshot struct {
	Session  SessionInfo
	Messages []Message
	Todos    []Todo
	TakenAt  time.Time
}

// DataSource supplies session data. Errors are logged by the caller and the
// result is treated as empty.
type DataSource interface {
	GetSession(ctx context.Context, sessionID string) (SessionInfo, error)
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	ListTodos(ctx context.Context, sessionID string) ([]Todo, error)
}

// Notification is what the verifier hands to notifiers on a completion.
type Notification struct {
	SessionID string
	Title     string
	Text      string
	Summary   Summary
	At        time.Time
}

// Notifier delivers a completion. A non-nil error means nothing was delivered.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Outcome names how a verification pass ended.
type Outcome string

const (
	OutcomeInFlight        Outcome = "in_flight"
	OutcomeSkippedSubagent Outcome = "skipped_subagent"
	OutcomeBusyRearmed     Outcome = "busy_rearmed"
	OutcomeChanged         Outcome = "changed"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeDuplicateReply  Outcome = "duplicate_reply"
	OutcomeDeferred        Outcome = "deferred"
	OutcomeSent            Outcome = "sent"
	OutcomeFailed          Outcome = "failed"
	OutcomeCancelled       Outcome = "cancelled"
)

// OutcomeRecord is one finished verification pass, as written to a Journal.
type OutcomeRecord struct {
	SessionID    string
	Title        string
	Outcome      Outcome
	Fingerprint  string
	AssistantKey string
	RetryCount   int
	Detail       string
	At           time.Time
}

// Journal receives every finished verification pass. It is write-only: the
// monitor never reads it back.
type Journal interface {
	RecordOutcome(ctx context.Context, rec OutcomeRecord) error
}
