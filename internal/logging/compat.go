package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
)

// BridgeWriter wraps slog as an io.Writer so that stdlib log output
// (http.Server.ErrorLog, third-party packages) flows through the structured
// logging system. A leading "[CATEGORY] " or "category: " prefix becomes the
// component field.
type BridgeWriter struct {
	component string
	level     slog.Level
}

// NewBridgeWriter creates a writer that forwards writes to slog at info level.
// The defaultComponent is used when no category prefix is found.
func NewBridgeWriter(defaultComponent string) *BridgeWriter {
	return &BridgeWriter{component: defaultComponent, level: slog.LevelInfo}
}

// NewBridgeWriterLevel is NewBridgeWriter with an explicit level. The daemon
// uses it at warn for net/http server errors.
func NewBridgeWriterLevel(defaultComponent string, level slog.Level) *BridgeWriter {
	return &BridgeWriter{component: defaultComponent, level: level}
}

// Write implements io.Writer. Each write is treated as one log line.
func (bw *BridgeWriter) Write(p []byte) (int, error) {
	n := len(p)
	msg := string(bytes.TrimSpace(p))
	if msg == "" {
		return n, nil
	}

	msg = stripLogTimestamp(msg)

	component := bw.component
	if strings.HasPrefix(msg, "[") {
		if idx := strings.Index(msg, "] "); idx > 0 {
			component = strings.ToLower(msg[1:idx])
			msg = msg[idx+2:]
		}
	} else if idx := strings.Index(msg, ": "); idx > 0 && !strings.Contains(msg[:idx], " ") {
		// "http: TLS handshake error ..." style prefixes from net/http.
		if c := canonicalComponent(strings.ToLower(msg[:idx])); c != strings.ToLower(msg[:idx]) {
			component = c
			msg = msg[idx+2:]
		}
	}

	component = canonicalComponent(component)

	Logger().Log(context.Background(), bw.level, msg, slog.String("component", component))
	return n, nil
}

// stripLogTimestamp removes the time prefix added by log.SetFlags(log.Ltime|log.Lmicroseconds).
func stripLogTimestamp(s string) string {
	if len(s) > 16 && s[2] == ':' && s[5] == ':' && s[8] == '.' && s[15] == ' ' {
		return s[16:]
	}
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		return s[9:]
	}
	return s
}

// canonicalComponent maps known log prefixes to canonical component names.
func canonicalComponent(cat string) string {
	switch cat {
	case "completion", "verify", "debounce":
		return CompCompletion
	case "tracker", "activity":
		return CompTracker
	case "opencode", "sse", "event-stream":
		return CompOpenCode
	case "telegram", "tg", "poller":
		return CompTelegram
	case "storage", "statedb", "sqlite":
		return CompStorage
	case "http", "web", "ws", "websocket":
		return CompWeb
	case "push", "webpush":
		return CompPush
	case "config":
		return CompConfig
	default:
		return cat
	}
}
