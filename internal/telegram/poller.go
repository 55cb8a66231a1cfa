package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/tchow-twistedxcom/opencode-bridge/internal/completion"
	"github.com/tchow-twistedxcom/opencode-bridge/internal/logging"
)

const (
	msgNoActiveSession = "No active session. Reply to a notification to send commands."
	commandPreviewLen  = 50
	pollErrorBackoff   = 5 * time.Second
)

var sessionIDPattern = regexp.MustCompile("Session ID: `([^`]+)`")

// ExtractSessionID returns the id quoted in a notification or status reply.
func ExtractSessionID(text string) string {
	m := sessionIDPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// Dispatcher submits a prompt to a session.
type Dispatcher interface {
	Prompt(ctx context.Context, sessionID, text string) error
}

// Sessions is the monitor surface the poller needs.
type Sessions interface {
	CurrentSession() string
	MarkDispatched(sessionID string)
	Evaluate(ctx context.Context, sessionID string) (completion.StatusReport, error)
}

// OffsetStore persists the last processed update id.
type OffsetStore interface {
	TelegramOffset() (int64, error)
	SetTelegramOffset(offset int64) error
}

// PromptPending reports whether a dispatch error means the prompt was
// accepted but not yet answered.
type PromptPending func(error) bool

type PollerOptions struct {
	Dispatcher  Dispatcher
	Sessions    Sessions
	Offsets     OffsetStore
	PollTimeout time.Duration
	// Pending classifies dispatcher errors that still count as sent.
	Pending PromptPending
	// DisableCommands turns /status into an ignored slash command.
	DisableCommands bool
}

// Poller reads chat updates and forwards replies to OpenCode.
type Poller struct {
	client *Client
	opts   PollerOptions
	offset int64
}

func NewPoller(client *Client, opts PollerOptions) *Poller {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 25 * time.Second
	}
	if opts.Pending == nil {
		opts.Pending = func(error) bool { return false }
	}
	return &Poller{client: client, opts: opts}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	if p.opts.Offsets != nil {
		off, err := p.opts.Offsets.TelegramOffset()
		if err != nil {
			tgLog.Warn("offset_load_failed", slog.String("error", err.Error()))
		}
		p.offset = off
	}
	tgLog.Info("poller_started",
		slog.Int64("offset", p.offset),
		slog.Int64("chat_id", p.client.ChatID()))

	for {
		if _, err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Aggregate(logging.CompTelegram, "poll_error", slog.String("error", err.Error()))
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Code == 409 {
				tgLog.Warn("poll_conflict", slog.String("description", apiErr.Description))
			}
			if err := sleepCtx(ctx, pollErrorBackoff); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// PollOnce fetches and handles one batch. Returns the batch size.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	updates, err := p.client.GetUpdates(ctx, p.offset+1, p.opts.PollTimeout)
	if err != nil {
		return 0, err
	}
	for _, u := range updates {
		if u.UpdateID > p.offset {
			p.offset = u.UpdateID
		}
		p.handle(ctx, u)
	}
	if len(updates) > 0 && p.opts.Offsets != nil {
		if err := p.opts.Offsets.SetTelegramOffset(p.offset); err != nil {
			tgLog.Warn("offset_save_failed",
				slog.Int64("offset", p.offset),
				slog.String("error", err.Error()))
		}
	}
	return len(updates), nil
}

// Offset returns the last processed update id.
func (p *Poller) Offset() int64 {
	return p.offset
}

func (p *Poller) handle(ctx context.Context, u Update) {
	msg := u.Message
	if msg == nil || msg.Chat.ID != p.client.ChatID() || msg.Text == "" {
		return
	}
	text := msg.Text

	if strings.HasPrefix(text, "/") {
		if cmd, arg := splitCommand(text); cmd == "/status" && !p.opts.DisableCommands {
			p.replyStatus(ctx, arg, msg)
		}
		return
	}

	target := ""
	if p.opts.Sessions != nil {
		target = p.opts.Sessions.CurrentSession()
	}
	if msg.ReplyToMessage != nil {
		if id := ExtractSessionID(msg.ReplyToMessage.Text); id != "" {
			target = id
		}
	}
	if target == "" {
		p.reply(ctx, msgNoActiveSession)
		return
	}
	p.dispatch(ctx, target, text)
}

func (p *Poller) dispatch(ctx context.Context, sessionID, text string) {
	if p.opts.Dispatcher == nil {
		tgLog.Warn("dispatch_unavailable", slog.String("session_id", sessionID))
		return
	}
	tgLog.Info("command_received",
		slog.String("session_id", sessionID),
		slog.Int("length", len(text)))

	if p.opts.Sessions != nil {
		p.opts.Sessions.MarkDispatched(sessionID)
	}
	err := p.opts.Dispatcher.Prompt(ctx, sessionID, text)
	if err != nil && !p.opts.Pending(err) {
		tgLog.Error("command_failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return
	}
	p.reply(ctx, fmt.Sprintf("✅ Command sent: %s...", previewText(text, commandPreviewLen)))
}

func (p *Poller) replyStatus(ctx context.Context, arg string, msg *Message) {
	id := arg
	if id == "" && msg.ReplyToMessage != nil {
		id = ExtractSessionID(msg.ReplyToMessage.Text)
	}
	if id == "" && p.opts.Sessions != nil {
		id = p.opts.Sessions.CurrentSession()
	}
	if id == "" {
		p.reply(ctx, "No active session. Use /status <session-id> or reply to a notification.")
		return
	}
	if p.opts.Sessions == nil {
		p.reply(ctx, fmt.Sprintf("❌ Status unavailable for %s: monitor not running", id))
		return
	}
	report, err := p.opts.Sessions.Evaluate(ctx, id)
	if err != nil {
		tgLog.Warn("status_failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
		p.reply(ctx, fmt.Sprintf("❌ Status unavailable for %s: %v", id, err))
		return
	}
	p.reply(ctx, report.Text())
}

func (p *Poller) reply(ctx context.Context, text string) {
	if err := p.client.SendMessage(ctx, text); err != nil {
		tgLog.Warn("reply_failed", slog.String("error", err.Error()))
	}
}

// splitCommand returns the command without any @botname suffix and its
// first argument.
func splitCommand(text string) (string, string) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", ""
	}
	cmd := fields[0]
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	return strings.ToLower(cmd), arg
}
