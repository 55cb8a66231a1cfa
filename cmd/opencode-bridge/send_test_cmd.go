package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tchow-twistedxcom/opencode-bridge/internal/completion"
)

// handleSendTest delivers one sample notification through every configured
// channel.
func handleSendTest(args []string) {
	fs := flag.NewFlagSet("send-test", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config.toml")
	message := fs.String("message", "Test notification from opencode-bridge.", "Assistant text to include")

	fs.Usage = func() {
		fmt.Println("Usage: opencode-bridge send-test [options]")
		fmt.Println()
		fmt.Println("Send a sample completion notification to check the configuration.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		exitErr("%v", err)
	}
	notifiers, err := buildNotifiers(cfg)
	if err != nil {
		exitErr("%v", err)
	}
	if notifiers.fanout.Len() == 0 {
		exitErr("%v", errNoChannel)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n := sampleNotification(cfg.GetProjectName(), *message, time.Now())
	if err := notifiers.fanout.Notify(ctx, n); err != nil {
		exitErr("send failed: %v", err)
	}
	fmt.Printf("Sent test notification via %v\n", notifiers.fanout.Names())
}

func sampleNotification(project, message string, now time.Time) completion.Notification {
	summary := completion.Summary{
		ProjectName:   project,
		Title:         "opencode-bridge test",
		SessionID:     "ses_test",
		Duration:      90 * time.Second,
		AssistantText: message,
	}
	return completion.Notification{
		SessionID: summary.SessionID,
		Title:     summary.Title,
		Text:      summary.Markdown(),
		Summary:   summary,
		At:        now,
	}
}
