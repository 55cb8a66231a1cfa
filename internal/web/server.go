// Package web serves the bridge's optional HTTP surface: health and session
// status APIs, live notification streams, and Web Push subscription
// management.
package web

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tchow-twistedxcom/opencode-bridge/internal/completion"
	"github.com/tchow-twistedxcom/opencode-bridge/internal/logging"
)

var webLog = logging.ForComponent(logging.CompWeb)

// StatusProvider answers session status queries.
type StatusProvider interface {
	Evaluate(ctx context.Context, sessionID string) (completion.StatusReport, error)
	Views() []completion.StateView
}

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	Token      string
	Version    string
	Sessions   StatusProvider
	Hub        *Hub
	// Push is nil when Web Push is not configured.
	Push *PushNotifier
}

// Server wraps an HTTP server for the bridge's web surface.
type Server struct {
	cfg        Config
	httpServer *http.Server
	sessions   StatusProvider
	hub        *Hub
	push       pushServiceAPI
	baseCtx    context.Context
	cancelBase context.CancelFunc
	startedAt  time.Time
}

// NewServer creates a new web server with base routes and middleware.
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8421"
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub()
	}

	s := &Server{
		cfg:       cfg,
		sessions:  cfg.Sessions,
		hub:       hub,
		startedAt: time.Now(),
	}
	if cfg.Push != nil {
		s.push = cfg.Push
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/sw.js", s.handleServiceWorker)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/sessions", s.requireAuth(http.MethodGet, s.handleSessions))
	mux.HandleFunc("/api/logs", s.requireAuth(http.MethodGet, s.handleRecentLogs))
	mux.HandleFunc("/api/session/", s.requireAuth(http.MethodGet, s.handleSessionStatus))
	mux.HandleFunc("/api/push/config", s.requireAuth(http.MethodGet, s.handlePushConfig))
	mux.HandleFunc("/api/push/subscribe", s.requireAuth(http.MethodPost, s.handlePushSubscribe))
	mux.HandleFunc("/api/push/unsubscribe", s.requireAuth(http.MethodPost, s.handlePushUnsubscribe))
	mux.HandleFunc("/api/push/presence", s.requireAuth(http.MethodPost, s.handlePushPresence))
	mux.HandleFunc("/events/notifications", s.requireAuth(http.MethodGet, s.handleNotificationEvents))
	mux.HandleFunc("/ws/notifications", s.requireAuth(http.MethodGet, s.handleNotificationsWS))

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ErrorLog:          log.New(logging.NewBridgeWriterLevel(logging.CompWeb, slog.LevelWarn), "", 0),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Hub returns the live notification hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start serves until Shutdown. Returns nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("web_listening",
		slog.String("addr", s.cfg.ListenAddr),
		slog.Bool("auth", s.cfg.Token != ""),
		slog.Bool("push", s.push != nil && s.push.Enabled()))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		// Signal long-lived handlers (SSE/WS) to stop promptly.
		s.cancelBase()
	}

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// Long-lived connections may still block graceful shutdown.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, auth=%t)", s.cfg.ListenAddr, s.cfg.Token != "")
}
