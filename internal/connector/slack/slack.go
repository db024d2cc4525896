// Package slackconn mirrors admin-channel activity into Slack. It is a
// read-only observer for teams that watch tickets from Slack; all claiming
// and answering still happens on the Telegram side.
package slackconn

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// Config holds Slack notifier configuration.
type Config struct {
	BotToken string // xoxb-... Bot User OAuth Token
	Channel  string // channel ID to post ticket activity into
}

// Notifier implements connector.ChannelNotifier for Slack.
type Notifier struct {
	api     *slack.Client
	channel string
	logger  *slog.Logger
}

// New creates a Slack notifier and verifies the token.
func New(cfg Config, logger *slog.Logger) (*Notifier, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("slack: bot_token is required")
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("slack: channel is required")
	}

	if logger == nil {
		logger = slog.Default()
	}

	api := slack.New(cfg.BotToken)
	authResp, err := api.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack: auth test: %w", err)
	}
	logger.Info("slack notifier authorized", "user", authResp.User, "team", authResp.Team)

	return &Notifier{api: api, channel: cfg.Channel, logger: logger}, nil
}

// NotifyChannel posts a status message to the configured Slack channel.
func (n *Notifier) NotifyChannel(ctx context.Context, text string) error {
	_, _, err := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}
