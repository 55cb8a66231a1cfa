package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tchow-twistedxcom/opencode-bridge/internal/completion"
	"github.com/tchow-twistedxcom/opencode-bridge/internal/config"
	"github.com/tchow-twistedxcom/opencode-bridge/internal/opencode"
)

// errDaemonUnreachable means no bridge web API answered.
var errDaemonUnreachable = errors.New("bridge daemon not reachable")

type statusPayload struct {
	completion.StatusReport
	Text string `json:"text"`
}

type sessionRow struct {
	SessionID    string `json:"session_id"`
	Title        string `json:"title"`
	Idle         bool   `json:"idle"`
	InFlight     bool   `json:"in_flight"`
	TimerPending bool   `json:"timer_pending"`
	Notified     bool   `json:"notified"`
}

type sessionsPayload struct {
	Sessions []sessionRow `json:"sessions"`
}

type apiErrorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// daemonClient talks to a running bridge's web API.
type daemonClient struct {
	base  string
	token string
	http  *http.Client
}

func newDaemonClient(base, token string) *daemonClient {
	return &daemonClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 20 * time.Second},
	}
}

func (c *daemonClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errDaemonUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorPayload
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%s (%d)", apiErr.Error.Message, resp.StatusCode)
		}
		return fmt.Errorf("bridge returned %d", resp.StatusCode)
	}
	return json.Unmarshal(body, out)
}

func (c *daemonClient) SessionStatus(ctx context.Context, sessionID string) (statusPayload, error) {
	var out statusPayload
	err := c.getJSON(ctx, "/api/session/"+url.PathEscape(sessionID)+"/status", &out)
	return out, err
}

func (c *daemonClient) Sessions(ctx context.Context) (sessionsPayload, error) {
	var out sessionsPayload
	err := c.getJSON(ctx, "/api/sessions", &out)
	return out, err
}

// handleStatus prints a session's completion status. With no session id it
// lists the sessions the daemon is tracking.
func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config.toml")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	direct := fs.Bool("direct", false, "Query OpenCode directly instead of the running daemon")

	fs.Usage = func() {
		fmt.Println("Usage: opencode-bridge status [options] [session-id]")
		fmt.Println()
		fmt.Println("Show whether a session is busy, finalizing, or completed.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		exitErr("%v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sessionID := strings.TrimSpace(fs.Arg(0))
	client := newDaemonClient(webBaseURL(cfg.Web.GetListen()), cfg.Web.Token)

	if sessionID == "" {
		if *direct || !cfg.Web.Enabled {
			exitErr("a session id is required when the web API is disabled")
		}
		list, err := client.Sessions(ctx)
		if err != nil {
			exitErr("%v", err)
		}
		printSessions(os.Stdout, list, *jsonOutput)
		return
	}

	var report statusPayload
	if *direct || !cfg.Web.Enabled {
		report, err = evaluateDirect(ctx, cfg, sessionID)
	} else {
		report, err = client.SessionStatus(ctx, sessionID)
		if errors.Is(err, errDaemonUnreachable) {
			fmt.Fprintln(os.Stderr, "Bridge daemon not running; querying OpenCode directly.")
			report, err = evaluateDirect(ctx, cfg, sessionID)
		}
	}
	if err != nil {
		exitErr("%v", err)
	}
	printStatus(os.Stdout, report, *jsonOutput)
}

// evaluateDirect classifies a session without daemon state. The report can
// only see the session's data, so it never says FINALIZING or STABILIZING.
func evaluateDirect(ctx context.Context, cfg *config.Config, sessionID string) (statusPayload, error) {
	oc, err := opencode.NewClient(opencode.Config{
		BaseURL:   cfg.OpenCode.GetBaseURL(),
		Username:  cfg.OpenCode.Username,
		Password:  cfg.OpenCode.Password,
		Directory: cfg.OpenCode.Directory,
		Timeout:   cfg.OpenCode.GetRequestTimeout(),
	})
	if err != nil {
		return statusPayload{}, err
	}
	m := completion.NewMonitor(oc, completion.NewFanout(), completion.Options{
		RecentActivityWindow: cfg.Completion.GetRecentActivityWindow(),
	})
	defer m.Close()

	report, err := m.Evaluate(ctx, sessionID)
	if err != nil {
		return statusPayload{}, err
	}
	return statusPayload{StatusReport: report, Text: report.Text()}, nil
}

func printStatus(w io.Writer, report statusPayload, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		return
	}
	text := report.Text
	if text == "" {
		text = report.StatusReport.Text()
	}
	fmt.Fprintln(w, text)
}

func printSessions(w io.Writer, list sessionsPayload, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(list)
		return
	}
	if len(list.Sessions) == 0 {
		fmt.Fprintln(w, "No sessions tracked yet.")
		return
	}
	for _, s := range list.Sessions {
		state := "busy"
		switch {
		case s.InFlight:
			state = "verifying"
		case s.TimerPending:
			state = "stabilizing"
		case s.Notified && s.Idle:
			state = "notified"
		case s.Idle:
			state = "idle"
		}
		title := s.Title
		if title == "" {
			title = "-"
		}
		fmt.Fprintf(w, "%-32s %-12s %s\n", s.SessionID, state, title)
	}
}
