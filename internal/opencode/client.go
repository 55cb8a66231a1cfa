// Package opencode talks to an `opencode serve` HTTP server: session reads
// for the completion monitor, prompt submission for forwarded commands, and
// the server-sent event stream.
package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tchow-twistedxcom/opencode-bridge/internal/completion"
	"github.com/tchow-twistedxcom/opencode-bridge/internal/logging"
)

var ocLog = logging.ForComponent(logging.CompOpenCode)

// ErrPromptPending means the prompt was written but OpenCode did not answer
// before the prompt timeout. OpenCode only responds once the turn finishes,
// so callers treat this as accepted.
var ErrPromptPending = errors.New("opencode: prompt accepted, response pending")

// APIError is a non-2xx response.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("opencode: %s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("opencode: %s %s: status %d: %s", e.Method, e.Path, e.Status, body)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

type Config struct {
	BaseURL   string
	Username  string
	Password  string
	Directory string

	// Timeout bounds each read request (default 10s).
	Timeout time.Duration
	// PromptTimeout bounds prompt submission (default 5s).
	PromptTimeout time.Duration

	HTTPClient *http.Client
}

// Client implements completion.DataSource and the command dispatcher.
type Client struct {
	base *url.URL
	cfg  Config
	http *http.Client

	// Concurrent identical reads (status queries racing a verification
	// pass) share one request.
	reads singleflight.Group
}

var _ completion.DataSource = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("opencode: base url is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("opencode: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("opencode: unsupported scheme %q", base.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PromptTimeout <= 0 {
		cfg.PromptTimeout = 5 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		// No client-wide timeout: the event stream is long-lived and every
		// other request carries its own deadline.
		hc = &http.Client{}
	}
	return &Client{base: base, cfg: cfg, http: hc}, nil
}

// BaseURL returns the server root.
func (c *Client) BaseURL() string {
	return c.base.String()
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if dir := strings.TrimSpace(c.cfg.Directory); dir != "" {
		q := u.Query()
		q.Set("directory", dir)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func sessionPath(id, suffix string) string {
	return "/session/" + url.PathEscape(id) + suffix
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, fmt.Errorf("opencode: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Password != "" {
		user := c.cfg.Username
		if user == "" {
			user = "opencode"
		}
		req.SetBasicAuth(user, c.cfg.Password)
	}
	return req, nil
}

// get fetches path. Identical in-flight reads are collapsed; the shared
// request is detached from any one caller's cancellation.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	ch := c.reads.DoChan(path, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()

		req, err := c.newRequest(rctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("opencode: GET %s: %w", path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return nil, fmt.Errorf("opencode: GET %s: read body: %w", path, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &APIError{Method: http.MethodGet, Path: path, Status: resp.StatusCode, Body: string(data)}
		}
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

type sessionDTO struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	ParentID  string `json:"parentID"`
	Directory string `json:"directory"`
}

type messageDTO struct {
	Info struct {
		ID        string `json:"id"`
		SessionID string `json:"sessionID"`
		Role      string `json:"role"`
		Time      struct {
			Created   int64 `json:"created"`
			Completed int64 `json:"completed"`
		} `json:"time"`
	} `json:"info"`
	Parts []partDTO `json:"parts"`
}

type partDTO struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Text      string `json:"text"`
	Synthetic bool   `json:"synthetic"`
}

type todoDTO struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (completion.SessionInfo, error) {
	data, err := c.get(ctx, sessionPath(sessionID, ""))
	if err != nil {
		return completion.SessionInfo{}, err
	}
	var dto sessionDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return completion.SessionInfo{}, fmt.Errorf("opencode: decode session: %w", err)
	}
	if dto.ID == "" {
		dto.ID = sessionID
	}
	return completion.SessionInfo{
		ID:        dto.ID,
		Title:     strings.TrimSpace(dto.Title),
		ParentID:  strings.TrimSpace(dto.ParentID),
		Directory: strings.TrimSpace(dto.Directory),
	}, nil
}

// ListMessages returns the session's messages in server order. Only visible
// text parts are kept.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]completion.Message, error) {
	data, err := c.get(ctx, sessionPath(sessionID, "/message"))
	if err != nil {
		return nil, err
	}
	var dtos []messageDTO
	if err := json.Unmarshal(data, &dtos); err != nil {
		return nil, fmt.Errorf("opencode: decode messages: %w", err)
	}
	out := make([]completion.Message, 0, len(dtos))
	for _, d := range dtos {
		msg := completion.Message{
			ID:   d.Info.ID,
			Role: d.Info.Role,
		}
		if d.Info.Time.Created > 0 {
			msg.CreatedAt = time.UnixMilli(d.Info.Time.Created)
		}
		for _, p := range d.Parts {
			if p.Type == "text" && !p.Synthetic && strings.TrimSpace(p.Text) != "" {
				msg.TextParts = append(msg.TextParts, p.Text)
			}
		}
		out = append(out, msg)
	}
	return out, nil
}

func (c *Client) ListTodos(ctx context.Context, sessionID string) ([]completion.Todo, error) {
	data, err := c.get(ctx, sessionPath(sessionID, "/todo"))
	if err != nil {
		return nil, err
	}
	var dtos []todoDTO
	if err := json.Unmarshal(data, &dtos); err != nil {
		return nil, fmt.Errorf("opencode: decode todos: %w", err)
	}
	out := make([]completion.Todo, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, completion.Todo{Content: d.Content, Status: d.Status})
	}
	return out, nil
}

type promptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type promptBody struct {
	Parts []promptPart `json:"parts"`
}

// Prompt submits text as a user message. It returns ErrPromptPending when the
// request was written but no response arrived within the prompt timeout.
func (c *Client) Prompt(ctx context.Context, sessionID, text string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("opencode: prompt: empty session id")
	}
	body, err := json.Marshal(promptBody{Parts: []promptPart{{Type: "text", Text: text}}})
	if err != nil {
		return fmt.Errorf("opencode: encode prompt: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, c.cfg.PromptTimeout)
	defer cancel()

	var wrote atomic.Bool
	trace := &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				wrote.Store(true)
			}
		},
	}
	path := sessionPath(sessionID, "/message")
	req, err := c.newRequest(httptrace.WithClientTrace(pctx, trace), http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if wrote.Load() && ctx.Err() == nil && isTimeout(err) {
			ocLog.Debug("prompt_pending", slog.String("session_id", sessionID))
			return ErrPromptPending
		}
		return fmt.Errorf("opencode: POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Method: http.MethodPost, Path: path, Status: resp.StatusCode, Body: string(data)}
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
