package main

import (
	"errors"
	"fmt"

	"github.com/tchow-twistedxcom/opencode-bridge/internal/completion"
	"github.com/tchow-twistedxcom/opencode-bridge/internal/config"
	"github.com/tchow-twistedxcom/opencode-bridge/internal/telegram"
	"github.com/tchow-twistedxcom/opencode-bridge/internal/web"
)

// errNoChannel means the config enables no delivery channel.
var errNoChannel = errors.New("no notification channel configured: set [telegram] bot_token and chat_id, [push] keys, or enable [web]")

// notifierSet holds every configured delivery channel. Unconfigured channels
// are nil.
type notifierSet struct {
	fanout   *completion.Fanout
	telegram *telegram.Client
	push     *web.PushNotifier
	hub      *web.Hub
}

// buildNotifiers constructs the channels cfg enables, in delivery order:
// telegram, push, live web listeners. A config with no channel yields an empty
// fanout, not an error.
func buildNotifiers(cfg *config.Config) (*notifierSet, error) {
	set := &notifierSet{fanout: completion.NewFanout()}

	if cfg.Telegram.Enabled() {
		tg, err := telegram.NewClient(telegram.Config{
			Token:          cfg.Telegram.BotToken,
			ChatID:         cfg.Telegram.ChatID,
			APIBase:        cfg.Telegram.GetAPIBase(),
			SendsPerSecond: cfg.Telegram.GetSendsPerSecond(),
			MaxAttempts:    cfg.Telegram.GetMaxAttempts(),
		})
		if err != nil {
			return nil, err
		}
		set.telegram = tg
		set.fanout.Add("telegram", tg)
	}

	if cfg.Push.Enabled() {
		push, err := web.NewPushNotifier(web.PushConfig{
			PublicKey:         cfg.Push.VAPIDPublicKey,
			PrivateKey:        cfg.Push.VAPIDPrivateKey,
			Subject:           cfg.Push.GetSubject(),
			SubscriptionsFile: cfg.GetSubscriptionsFile(),
			Token:             cfg.Web.Token,
		})
		if err != nil {
			return nil, fmt.Errorf("push: %w", err)
		}
		set.push = push
		set.fanout.Add("push", push)
	}

	if cfg.Web.Enabled {
		set.hub = web.NewHub()
		set.fanout.Add("web", set.hub)
	}

	return set, nil
}
