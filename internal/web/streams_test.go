package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mattn/go-runewidth"

	"github.com/tchow-twistedxcom/opencode-bridge/internal/completion"
)

func waitForListeners(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d listeners, have %d", n, hub.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubWithoutListeners(t *testing.T) {
	hub := NewHub()
	if err := hub.Notify(context.Background(), testNotification()); !errors.Is(err, ErrNoListeners) {
		t.Fatalf("expected ErrNoListeners, got %v", err)
	}
}

func TestHubDropsFramesForSlowListener(t *testing.T) {
	hub := NewHub()
	ch := hub.subscribe()
	defer hub.unsubscribe(ch)

	for i := 0; i < hubClientBuffer+5; i++ {
		if err := hub.Notify(context.Background(), testNotification()); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}
	if len(ch) != hubClientBuffer {
		t.Fatalf("expected buffer of %d, got %d", hubClientBuffer, len(ch))
	}

	ev := <-ch
	if ev.Type != "notification" || ev.SessionID != "ses_1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Text != "All tests pass now." {
		t.Fatalf("expected collapsed assistant reply, got %q", ev.Text)
	}
}

func TestNotificationEventText(t *testing.T) {
	n := testNotification()
	if got := notificationEvent(n).Text; got != "All tests pass now." {
		t.Fatalf("expected assistant reply, got %q", got)
	}

	n.Summary.AssistantText = "  \n "
	if got, want := notificationEvent(n).Text, n.Summary.Plain(); got != want {
		t.Fatalf("expected summary fallback %q, got %q", want, got)
	}

	long := completion.Summary{AssistantText: strings.Repeat("word ", 100)}
	if got := notificationBody(long, 20); runewidth.StringWidth(got) > 20 || !strings.HasSuffix(got, "…") {
		t.Fatalf("expected truncation to 20 cells, got %q", got)
	}
}

func TestNotificationsWebSocket(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0", Token: "secret"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/notifications"

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatalf("expected dial without token to fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %v", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token=secret", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var hello wsServerMessage
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Type != "status" || hello.Event != "connected" {
		t.Fatalf("unexpected hello %+v", hello)
	}

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong wsServerMessage
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.Event != "pong" {
		t.Fatalf("unexpected pong %+v", pong)
	}

	if err := conn.WriteJSON(map[string]string{"type": "subscribe"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	var unsupported wsServerMessage
	if err := conn.ReadJSON(&unsupported); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if unsupported.Code != "UNSUPPORTED_MESSAGE" {
		t.Fatalf("unexpected error frame %+v", unsupported)
	}

	waitForListeners(t, srv.Hub(), 1)
	if err := srv.Hub().Notify(context.Background(), testNotification()); err != nil {
		t.Fatalf("notify: %v", err)
	}

	var ev NotificationEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read notification: %v", err)
	}
	if ev.Type != "notification" || ev.SessionID != "ses_1" || ev.Title != "Fix login" {
		t.Fatalf("unexpected notification %+v", ev)
	}
	if ev.Summary.ProjectName != "webapp" {
		t.Fatalf("expected summary to be forwarded, got %+v", ev.Summary)
	}
}

func TestNotificationsWebSocketRejectsForeignOrigin(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/notifications"
	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Fatalf("expected foreign origin to be rejected")
	}
}

func TestNotificationsWebSocketClosedOnShutdown(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/notifications", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var hello wsServerMessage
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)

	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}

func TestNotificationEventsStream(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events/notifications", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("expected event-stream content-type, got %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	first, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read connected comment: %v", err)
	}
	if strings.TrimSpace(first) != ": connected" {
		t.Fatalf("unexpected first line %q", first)
	}

	waitForListeners(t, srv.Hub(), 1)
	if err := srv.Hub().Notify(context.Background(), testNotification()); err != nil {
		t.Fatalf("notify: %v", err)
	}

	var eventName, data string
	for data == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	if eventName != "notification" {
		t.Fatalf("unexpected event name %q", eventName)
	}
	var ev NotificationEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.SessionID != "ses_1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
