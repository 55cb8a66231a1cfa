// Package telegram is a minimal Bot API client plus the update poller that
// turns chat replies into OpenCode prompts.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf16"

	"golang.org/x/time/rate"

	"github.com/tchow-twistedxcom/opencode-bridge/internal/completion"
	"github.com/tchow-twistedxcom/opencode-bridge/internal/logging"
)

var tgLog = logging.ForComponent(logging.CompTelegram)

const (
	// MaxMessageLen is the Bot API limit in UTF-16 code units.
	MaxMessageLen = 4096

	maxRetryAfter = 60 * time.Second
)

// APIError is a Bot API response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s: %d %s", e.Method, e.Code, e.Description)
}

// Retryable reports whether the request may succeed if repeated.
func (e *APIError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// markdownRejected reports a 400 caused by entity parsing.
func (e *APIError) markdownRejected() bool {
	return e.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(e.Description), "parse entities")
}

type Config struct {
	Token  string
	ChatID int64
	// APIBase defaults to https://api.telegram.org.
	APIBase string
	// SendsPerSecond paces outgoing messages (default 1).
	SendsPerSecond float64
	// MaxAttempts bounds retries of one chunk (default 4).
	MaxAttempts int

	HTTPClient *http.Client
}

// Client sends to one chat. It implements completion.Notifier.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

var _ completion.Notifier = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: bot token is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram: chat id is required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.telegram.org"
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.SendsPerSecond <= 0 {
		cfg.SendsPerSecond = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		cfg:     cfg,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), 3),
		sleep:   sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ChatID returns the configured chat.
func (c *Client) ChatID() int64 {
	return c.cfg.ChatID
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// call posts params to a Bot API method and decodes result into out.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("telegram: encode %s: %w", method, err)
	}
	url := c.cfg.APIBase + "/bot" + c.cfg.Token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return c.redact(fmt.Errorf("telegram: build %s: %w", method, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.redact(fmt.Errorf("telegram: %s: %w", method, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("telegram: %s: read body: %w", method, err)
	}
	var ar apiResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return &APIError{Method: method, Code: resp.StatusCode, Description: "malformed response"}
	}
	if !ar.OK {
		code := ar.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{
			Method:      method,
			Code:        code,
			Description: ar.Description,
			RetryAfter:  time.Duration(ar.Parameters.RetryAfter) * time.Second,
		}
	}
	if out != nil && len(ar.Result) > 0 {
		if err := json.Unmarshal(ar.Result, out); err != nil {
			return fmt.Errorf("telegram: decode %s: %w", method, err)
		}
	}
	return nil
}

// redact strips the bot token from transport errors, which embed the URL.
func (c *Client) redact(err error) error {
	if err == nil || !strings.Contains(err.Error(), c.cfg.Token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), c.cfg.Token, "<token>"))
}

type sendParams struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

// SendMessage delivers text to the configured chat as Markdown, split into
// chunks the API accepts. A chunk Telegram cannot parse is resent as plain
// text.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	for i, chunk := range SplitMessage(text, MaxMessageLen) {
		if err := c.sendChunk(ctx, chunk); err != nil {
			return fmt.Errorf("chunk %d: %w", i+1, err)
		}
	}
	return nil
}

func (c *Client) sendChunk(ctx context.Context, chunk string) error {
	params := sendParams{ChatID: c.cfg.ChatID, Text: chunk, ParseMode: "Markdown"}
	err := c.sendWithRetry(ctx, params)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.markdownRejected() {
		tgLog.Debug("markdown_rejected", slog.String("description", apiErr.Description))
		params.ParseMode = ""
		err = c.sendWithRetry(ctx, params)
	}
	return err
}

func (c *Client) sendWithRetry(ctx context.Context, params sendParams) error {
	backoff := time.Second
	var err error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if werr := c.limiter.Wait(ctx); werr != nil {
			return werr
		}
		err = c.call(ctx, "sendMessage", params, nil)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		wait := backoff
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if !apiErr.Retryable() {
				return err
			}
			if apiErr.RetryAfter > 0 {
				wait = min(apiErr.RetryAfter, maxRetryAfter)
			}
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}
		logging.Aggregate(logging.CompTelegram, "send_retry",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
		if serr := c.sleep(ctx, wait); serr != nil {
			return err
		}
		backoff *= 2
	}
	return err
}

// Notify implements completion.Notifier.
func (c *Client) Notify(ctx context.Context, n completion.Notification) error {
	return c.SendMessage(ctx, n.Text)
}

// Chat is the subset of a Bot API chat the bridge reads.
type Chat struct {
	ID int64 `json:"id"`
}

type Message struct {
	MessageID      int64    `json:"message_id"`
	Chat           Chat     `json:"chat"`
	Text           string   `json:"text"`
	ReplyToMessage *Message `json:"reply_to_message,omitempty"`
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type getUpdatesParams struct {
	Offset         int64    `json:"offset,omitempty"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates"`
}

// GetUpdates long-polls for updates with id >= offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	secs := int(timeout / time.Second)
	// The HTTP deadline must outlive the server-side long poll.
	rctx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	var updates []Update
	err := c.call(rctx, "getUpdates", getUpdatesParams{
		Offset:         offset,
		Timeout:        secs,
		AllowedUpdates: []string{"message"},
	}, &updates)
	if err != nil {
		return nil, err
	}
	return updates, nil
}

// SplitMessage cuts text into chunks of at most limit UTF-16 code units,
// breaking at the last newline in a chunk when one falls in its second half.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || utf16Len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		end, units := 0, 0
		for end < len(runes) {
			n := utf16.RuneLen(runes[end])
			if n < 1 {
				n = 1
			}
			if units+n > limit {
				break
			}
			units += n
			end++
		}
		if end == len(runes) {
			chunks = append(chunks, string(runes))
			break
		}
		cut := end
		for i := end - 1; i > end/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if l := utf16.RuneLen(r); l > 0 {
			n += l
		} else {
			n++
		}
	}
	return n
}

// previewText returns the first n runes of s.
func previewText(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
