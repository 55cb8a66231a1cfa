package web

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/tchow-twistedxcom/opencode-bridge/internal/completion"
	"github.com/tchow-twistedxcom/opencode-bridge/internal/logging"
)

// ErrNoListeners is returned by Hub.Notify when no client is connected.
var ErrNoListeners = errors.New("no live notification listeners")

const hubClientBuffer = 16

// NotificationEvent is the JSON frame pushed to WebSocket and SSE clients.
type NotificationEvent struct {
	Type      string             `json:"type"`
	SessionID string             `json:"session_id"`
	Title     string             `json:"title,omitempty"`
	Text      string             `json:"text"`
	Summary   completion.Summary `json:"summary"`
	Time      time.Time          `json:"time"`
}

func notificationEvent(n completion.Notification) NotificationEvent {
	at := n.At
	if at.IsZero() {
		at = time.Now()
	}
	return NotificationEvent{
		Type:      "notification",
		SessionID: n.SessionID,
		Title:     n.Title,
		Text:      notificationBody(n.Summary, 0),
		Summary:   n.Summary,
		Time:      at.UTC(),
	}
}

// notificationBody is the assistant's final reply collapsed to one line, or
// the one-line summary when the turn produced no text. width > 0 truncates to
// that many display cells.
func notificationBody(s completion.Summary, width int) string {
	text := strings.Join(strings.Fields(s.AssistantText), " ")
	if text == "" {
		return s.Plain()
	}
	if width > 0 {
		text = runewidth.Truncate(text, width, "…")
	}
	return text
}

// Hub fans completion notifications out to live browser connections. It
// implements completion.Notifier.
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan NotificationEvent]struct{}
}

var _ completion.Notifier = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan NotificationEvent]struct{})}
}

func (h *Hub) subscribe() chan NotificationEvent {
	ch := make(chan NotificationEvent, hubClientBuffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan NotificationEvent) {
	if ch == nil {
		return
	}
	h.mu.Lock()
	if _, ok := h.subscribers[ch]; ok {
		delete(h.subscribers, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected listeners.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Notify queues n for every listener. Slow listeners miss the frame rather
// than blocking delivery.
func (h *Hub) Notify(_ context.Context, n completion.Notification) error {
	ev := notificationEvent(n)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subscribers) == 0 {
		return ErrNoListeners
	}
	for ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			logging.Aggregate(logging.CompWeb, "listener_slow",
				slog.String("session_id", n.SessionID))
		}
	}
	return nil
}
