package completion

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
)

const (
	// SummaryTextWidth bounds the assistant excerpt in display cells.
	SummaryTextWidth = 600

	summaryPendingMax = 3
)

// Summary is the content of a completion notification.
type Summary struct {
	ProjectName   string        `json:"project"`
	Title         string        `json:"title,omitempty"`
	SessionID     string        `json:"session_id"`
	Duration      time.Duration `json:"duration_ns,omitempty"`
	AssistantText string        `json:"assistant_text,omitempty"`
	Completed     int           `json:"todos_completed"`
	Total         int           `json:"todos_total"`
	Pending       []string      `json:"pending,omitempty"`
}

// BuildSummary composes the summary for a verified snapshot. The project name
// comes from the session directory, falling back to project.
func BuildSummary(project string, snap Snapshot, ev Evidence, now time.Time) Summary {
	s := Summary{
		ProjectName: projectName(snap.Session.Directory, project),
		Title:       strings.TrimSpace(snap.Session.Title),
		SessionID:   snap.Session.ID,
		Total:       len(snap.Todos),
	}
	if !ev.LastUserAt.IsZero() && now.After(ev.LastUserAt) {
		s.Duration = now.Sub(ev.LastUserAt)
	}
	if text := strings.TrimSpace(ev.AssistantText); text != "" {
		s.AssistantText = runewidth.Truncate(text, SummaryTextWidth, "…")
	}
	for _, t := range snap.Todos {
		switch {
		case t.Status == TodoCompleted:
			s.Completed++
		case t.Open() && len(s.Pending) < summaryPendingMax:
			s.Pending = append(s.Pending, t.Content)
		}
	}
	return s
}

func projectName(dir, fallback string) string {
	if dir = strings.TrimRight(strings.TrimSpace(dir), "/"); dir != "" {
		if base := filepath.Base(dir); base != "." && base != "/" {
			return base
		}
	}
	if fallback = strings.TrimSpace(fallback); fallback != "" {
		return fallback
	}
	return "Unknown"
}

// Markdown renders the Telegram message. The trailing Session ID line is what
// replies are routed by.
func (s Summary) Markdown() string {
	lines := []string{
		"✅ *OpenCode Session Complete*",
		"",
		fmt.Sprintf("📁 Project: `%s`", codeSafe(s.ProjectName)),
	}
	if s.Title != "" {
		lines = append(lines, fmt.Sprintf("📋 Title: `%s`", codeSafe(s.Title)))
	}
	if s.Duration > 0 {
		lines = append(lines, "⏱️ Duration: "+FormatDuration(s.Duration))
	}
	if s.Total > 0 {
		lines = append(lines, fmt.Sprintf("📝 Progress: %d/%d tasks", s.Completed, s.Total))
		if len(s.Pending) > 0 {
			lines = append(lines, "", "*Pending:*")
			for _, p := range s.Pending {
				lines = append(lines, "  • "+p)
			}
		}
	}
	if s.AssistantText != "" {
		lines = append(lines, "", s.AssistantText)
	}
	lines = append(lines,
		"",
		"Reply to this message to send commands to OpenCode.",
		fmt.Sprintf("Session ID: `%s`", s.SessionID),
	)
	return strings.Join(lines, "\n")
}

// Plain renders a one-line form for push payloads and logs.
func (s Summary) Plain() string {
	var b strings.Builder
	b.WriteString(s.ProjectName)
	if s.Title != "" {
		b.WriteString(": ")
		b.WriteString(s.Title)
	}
	if s.Total > 0 {
		fmt.Fprintf(&b, " (%d/%d tasks)", s.Completed, s.Total)
	}
	if s.Duration > 0 {
		b.WriteString(" in ")
		b.WriteString(FormatDuration(s.Duration))
	}
	return b.String()
}

// FormatDuration renders "1h 5m", "3m 20s" or "42s".
func FormatDuration(d time.Duration) string {
	seconds := int64(d / time.Second)
	minutes := seconds / 60
	hours := minutes / 60
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes%60)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds%60)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

func codeSafe(s string) string {
	return strings.ReplaceAll(s, "`", "'")
}
