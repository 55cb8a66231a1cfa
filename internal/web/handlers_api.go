package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tchow-twistedxcom/opencode-bridge/internal/completion"
	"github.com/tchow-twistedxcom/opencode-bridge/internal/logging"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type healthResponse struct {
	OK        bool   `json:"ok"`
	Version   string `json:"version,omitempty"`
	Time      string `json:"time"`
	Uptime    string `json:"uptime"`
	Sessions  int    `json:"sessions"`
	Listeners int    `json:"listeners"`
	Push      bool   `json:"push"`
}

type sessionSummary struct {
	SessionID      string    `json:"session_id"`
	Title          string    `json:"title,omitempty"`
	Idle           bool      `json:"idle"`
	InFlight       bool      `json:"in_flight"`
	TimerPending   bool      `json:"timer_pending"`
	LastActivityAt time.Time `json:"last_activity_at,omitempty"`
	RetryCount     int       `json:"retry_count"`
	Notified       bool      `json:"notified"`
}

type sessionsResponse struct {
	Sessions []sessionSummary `json:"sessions"`
}

type logsResponse struct {
	Lines  []string             `json:"lines"`
	Events []logging.EventCount `json:"events"`
}

const (
	defaultLogLines = 100
	maxLogLines     = 1000
)

type statusResponse struct {
	completion.StatusReport
	Text string `json:"text"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := healthResponse{
		OK:        true,
		Version:   s.cfg.Version,
		Time:      time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Listeners: s.hub.ClientCount(),
		Push:      s.push != nil && s.push.Enabled(),
	}
	if s.sessions != nil {
		resp.Sessions = len(s.sessions.Views())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	resp := sessionsResponse{Sessions: []sessionSummary{}}
	if s.sessions != nil {
		for _, v := range s.sessions.Views() {
			resp.Sessions = append(resp.Sessions, sessionSummary{
				SessionID:      v.SessionID,
				Title:          v.Title,
				Idle:           v.Idle,
				InFlight:       v.InFlight,
				TimerPending:   v.TimerPending,
				LastActivityAt: v.LastActivityAt,
				RetryCount:     v.EmptyRetryCount,
				Notified:       v.LastNotifiedFingerprint != "",
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSessionStatus serves GET /api/session/{id}/status.
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/session/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	sessionID, tail, _ := strings.Cut(rest, "/")
	if tail != "status" {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
		return
	}
	if sessionID == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session id is required")
		return
	}
	if s.sessions == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "MONITOR_UNAVAILABLE", "session monitor is not running")
		return
	}

	report, err := s.sessions.Evaluate(r.Context(), sessionID)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{StatusReport: report, Text: report.Text()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}

// handleRecentLogs returns the tail of the in-memory log ring buffer.
func (s *Server) handleRecentLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogLines
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "n must be a positive integer")
			return
		}
		n = min(v, maxLogLines)
	}
	lines := logging.RecentLines(n)
	if lines == nil {
		lines = []string{}
	}
	events := logging.EventCounts()
	if events == nil {
		events = []logging.EventCount{}
	}
	writeJSON(w, http.StatusOK, logsResponse{Lines: lines, Events: events})
}
