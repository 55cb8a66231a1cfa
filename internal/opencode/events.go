package opencode

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tchow-twistedxcom/opencode-bridge/internal/completion"
	"github.com/tchow-twistedxcom/opencode-bridge/internal/logging"
)

const (
	eventServerConnected = "server.connected"
	eventServerHeartbeat = "server.heartbeat"

	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	maxEventLine      = 4 << 20
)

type rawEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

type eventProperties struct {
	SessionID string `json:"sessionID"`
	Info      struct {
		ID        string `json:"id"`
		SessionID string `json:"sessionID"`
	} `json:"info"`
	Part struct {
		SessionID string `json:"sessionID"`
	} `json:"part"`
}

// ParseEvent decodes one SSE data payload. ok is false for payloads that are
// not JSON objects with a type.
func ParseEvent(data []byte) (completion.Event, bool) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil || raw.Type == "" {
		return completion.Event{}, false
	}
	ev := completion.Event{Type: raw.Type}
	if len(raw.Properties) == 0 {
		return ev, true
	}
	var props eventProperties
	if err := json.Unmarshal(raw.Properties, &props); err != nil {
		return ev, true
	}
	switch {
	case props.SessionID != "":
		ev.SessionID = props.SessionID
	case props.Info.SessionID != "":
		ev.SessionID = props.Info.SessionID
	case props.Part.SessionID != "":
		ev.SessionID = props.Part.SessionID
	case strings.HasPrefix(raw.Type, "session.") && props.Info.ID != "":
		// session.updated carries the session itself as info.
		ev.SessionID = props.Info.ID
	}
	return ev, true
}

// EventStream follows GET /event and hands every session event to a
// handler, reconnecting with capped exponential backoff.
type EventStream struct {
	client  *Client
	handle  func(completion.Event)
	onState func(connected bool)

	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewEventStream(client *Client, handle func(completion.Event)) *EventStream {
	return &EventStream{
		client:     client,
		handle:     handle,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
}

// OnConnectionChange registers a callback for connect/disconnect
// transitions. Must be called before Run.
func (s *EventStream) OnConnectionChange(fn func(connected bool)) {
	s.onState = fn
}

// Run blocks until ctx is cancelled.
func (s *EventStream) Run(ctx context.Context) error {
	backoff := s.minBackoff
	for {
		delivered, err := s.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered > 0 {
			backoff = s.minBackoff
		}
		if err != nil {
			logging.Aggregate(logging.CompOpenCode, "event_stream_error",
				slog.String("error", err.Error()))
		}
		ocLog.Debug("event_stream_reconnect",
			slog.Duration("backoff", backoff),
			slog.Int("delivered", delivered))

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

// consume reads one connection until it ends. Returns the number of events
// handed to the handler.
func (s *EventStream) consume(ctx context.Context) (int, error) {
	req, err := s.client.newRequest(ctx, http.MethodGet, "/event", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, &APIError{Method: http.MethodGet, Path: "/event", Status: resp.StatusCode, Body: string(body)}
	}

	ocLog.Info("event_stream_connected", slog.String("url", s.client.BaseURL()))
	if s.onState != nil {
		s.onState(true)
		defer s.onState(false)
	}

	delivered := 0
	err = readSSE(resp.Body, func(data string) {
		ev, ok := ParseEvent([]byte(data))
		if !ok {
			return
		}
		switch ev.Type {
		case eventServerConnected, eventServerHeartbeat:
			logging.Aggregate(logging.CompOpenCode, "event_heartbeat")
			return
		}
		if ev.SessionID == "" {
			return
		}
		delivered++
		s.handle(ev)
	})
	if err == nil || errors.Is(err, io.EOF) {
		return delivered, errors.New("stream closed by server")
	}
	return delivered, err
}

// readSSE splits an event stream into data payloads. Multi-line data fields
// are joined with newlines; event, id and retry fields and comments are
// ignored.
func readSSE(r io.Reader, emit func(data string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventLine)

	var data []string
	flush := func() {
		if len(data) > 0 {
			emit(strings.Join(data, "\n"))
			data = data[:0]
		}
	}
	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}
