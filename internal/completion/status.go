package completion

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusFinalizing  Status = "FINALIZING"
	StatusStabilizing Status = "STABILIZING"
	StatusBusy        Status = "BUSY"
	StatusCompleted   Status = "COMPLETED (notified)"
	StatusIdle        Status = "IDLE (quiet)"
	StatusQuiet       Status = "QUIET (unconfirmed)"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// StateView is a read-only copy of one session's state.
type StateView struct {
	SessionID               string    `json:"session_id"`
	Known                   bool      `json:"known"`
	Title                   string    `json:"title,omitempty"`
	Idle                    bool      `json:"idle"`
	InFlight                bool      `json:"in_flight"`
	TimerPending            bool      `json:"timer_pending"`
	LastActivityAt          time.Time `json:"last_activity_at"`
	BusyUntil               time.Time `json:"busy_until"`
	LastNotifiedFingerprint string    `json:"last_notified_fingerprint,omitempty"`
	EmptyRetryCount         int       `json:"empty_retry_count"`
	LastUserMessageAt       time.Time `json:"last_user_message_at"`
	LastAssistantContentAt  time.Time `json:"last_assistant_content_at"`
}

// StatusReport is the answer to a status query.
type StatusReport struct {
	SessionID      string     `json:"session_id"`
	Title          string     `json:"title,omitempty"`
	Status         Status     `json:"status"`
	Confidence     Confidence `json:"confidence"`
	Reasons        []string   `json:"reasons,omitempty"`
	Fingerprint    string     `json:"fingerprint"`
	Messages       int        `json:"messages"`
	TodosOpen      int        `json:"todos_open"`
	TodosTotal     int        `json:"todos_total"`
	RetryCount     int        `json:"retry_count"`
	LastActivityAt time.Time  `json:"last_activity_at,omitempty"`
	CheckedAt      time.Time  `json:"checked_at"`
}

// Classify projects state and a fresh snapshot onto a status label. It only
// reads its arguments.
func Classify(view StateView, snap Snapshot, now time.Time, recentWindow time.Duration) StatusReport {
	fp := Fingerprint(snap.Messages, snap.Todos)
	r := StatusReport{
		SessionID:      view.SessionID,
		Title:          strings.TrimSpace(snap.Session.Title),
		Fingerprint:    fp,
		Messages:       len(snap.Messages),
		TodosTotal:     len(snap.Todos),
		RetryCount:     view.EmptyRetryCount,
		LastActivityAt: view.LastActivityAt,
		CheckedAt:      now,
	}
	if r.SessionID == "" {
		r.SessionID = snap.Session.ID
	}
	if r.Title == "" {
		r.Title = view.Title
	}
	for _, t := range snap.Todos {
		if t.Open() {
			r.TodosOpen++
		}
	}

	recent := !view.LastActivityAt.IsZero() && now.Sub(view.LastActivityAt) <= recentWindow

	ev := ExtractEvidence(snap.Messages)
	if view.LastUserMessageAt.After(ev.LastUserAt) {
		ev.LastUserAt = view.LastUserMessageAt
	}

	var busy []string
	if r.TodosOpen > 0 {
		busy = append(busy, fmt.Sprintf("%d open todos", r.TodosOpen))
	}
	if now.Before(view.BusyUntil) {
		busy = append(busy, "within busy window")
	}
	if view.Known && !view.Idle && recent {
		busy = append(busy, "recent activity without idle")
	}
	if !ev.LastUserAt.IsZero() && !ev.Fresh() {
		busy = append(busy, "no assistant reply after last user message")
	}

	switch {
	case view.InFlight:
		r.Status = StatusFinalizing
		r.Reasons = []string{"verification in flight"}
	case view.TimerPending:
		r.Status = StatusStabilizing
		r.Reasons = []string{"waiting for stability delay"}
	case len(busy) > 0:
		r.Status = StatusBusy
		r.Reasons = busy
	case view.LastNotifiedFingerprint != "" && view.LastNotifiedFingerprint == fp:
		r.Status = StatusCompleted
		r.Reasons = []string{"current state already notified"}
	case view.Idle:
		r.Status = StatusIdle
		r.Reasons = []string{"idle, not yet notified"}
	default:
		r.Status = StatusQuiet
		if view.Known {
			// Not idle, but nothing recent either: the idle event may have been missed.
			r.Reasons = []string{"no idle event and no recent activity"}
		} else {
			r.Reasons = []string{"no events observed"}
		}
	}

	switch {
	case r.Status == StatusFinalizing || r.Status == StatusCompleted:
		r.Confidence = ConfidenceHigh
	case recent:
		r.Confidence = ConfidenceMedium
	default:
		r.Confidence = ConfidenceLow
	}
	return r
}

// Text renders the report for chat replies.
func (r StatusReport) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 *Session Status*\n\n")
	if r.Title != "" {
		fmt.Fprintf(&b, "📋 Title: `%s`\n", codeSafe(r.Title))
	}
	fmt.Fprintf(&b, "🔎 Status: *%s* (confidence: %s)\n", r.Status, r.Confidence)
	for _, reason := range r.Reasons {
		fmt.Fprintf(&b, "  • %s\n", reason)
	}
	fmt.Fprintf(&b, "💬 Messages: %d\n", r.Messages)
	if r.TodosTotal > 0 {
		fmt.Fprintf(&b, "📝 Todos: %d open / %d total\n", r.TodosOpen, r.TodosTotal)
	}
	if !r.LastActivityAt.IsZero() {
		fmt.Fprintf(&b, "⏱️ Last activity: %s ago\n", FormatDuration(r.CheckedAt.Sub(r.LastActivityAt)))
	}
	fmt.Fprintf(&b, "Session ID: `%s`", r.SessionID)
	return b.String()
}
