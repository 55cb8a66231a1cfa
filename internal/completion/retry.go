package completion

import (
	"strings"
	"time"
)

// Evidence is what a snapshot says about the last exchange.
type Evidence struct {
	LastUserAt    time.Time
	AssistantAt   time.Time
	AssistantText string
	AssistantKey  string
}

// Fresh reports whether a non-empty assistant reply follows the last user message.
func (e Evidence) Fresh() bool {
	return strings.TrimSpace(e.AssistantText) != "" && e.AssistantAt.After(e.LastUserAt)
}

// ExtractEvidence scans messages for the latest user message and the latest
// assistant message with text.
func ExtractEvidence(msgs []Message) Evidence {
	var ev Evidence
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			if m.CreatedAt.After(ev.LastUserAt) {
				ev.LastUserAt = m.CreatedAt
			}
		case RoleAssistant:
			text := m.Text()
			if text == "" {
				continue
			}
			if ev.AssistantKey == "" || !m.CreatedAt.Before(ev.AssistantAt) {
				ev.AssistantAt = m.CreatedAt
				ev.AssistantText = text
				ev.AssistantKey = m.ID
			}
		}
	}
	return ev
}

// ShouldDefer reports whether the decision waits for a reply. Fresh evidence
// never defers; otherwise it defers until retryCount reaches maxRetries, then
// fails open.
func ShouldDefer(ev Evidence, retryCount, maxRetries int) bool {
	if ev.Fresh() {
		return false
	}
	return retryCount < maxRetries
}
