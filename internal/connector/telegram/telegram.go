// Package telegram runs the bot's Telegram side: support intake from
// customers, the admin-channel ticket announcements with their inline
// buttons, and the operator conversations driven by the reply orchestrator.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/dastak-io/dastak/internal/reply"
	"github.com/dastak-io/dastak/internal/ticket"
)

// Callback-data prefixes for the admin-channel inline buttons.
const (
	callbackReply = "support_reply:"
	callbackClose = "support_close:"
	callbackView  = "support_view:"
)

// Config holds Telegram connector configuration.
type Config struct {
	Token       string  // Bot token from @BotFather
	AdminChatID int64   // Chat where tickets are announced and claimed
	Operators   []int64 // Telegram user IDs allowed to act as operators
}

// Connector implements connector.Connector for Telegram and is also the
// reply.Transport used by the orchestrator.
type Connector struct {
	bot     *tgbotapi.BotAPI
	config  Config
	tickets ticket.Store
	orch    *reply.Orchestrator
	logger  *slog.Logger
	cancel  context.CancelFunc
}

// New creates a new Telegram connector. Bind the orchestrator with Bind
// before calling Start.
func New(cfg Config, tickets ticket.Store, logger *slog.Logger) (*Connector, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: init bot: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("telegram bot authorized", "username", bot.Self.UserName)

	return &Connector{
		bot:     bot,
		config:  cfg,
		tickets: tickets,
		logger:  logger,
	}, nil
}

// Bind attaches the reply orchestrator. Split from New because the
// orchestrator needs this connector as its transport.
func (c *Connector) Bind(orch *reply.Orchestrator) {
	c.orch = orch
}

func (c *Connector) Name() string { return "telegram" }

// Start begins long-polling for updates. Blocks until context is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := c.bot.GetUpdatesChan(u)

	c.logger.Info("telegram connector started", "bot", c.bot.Self.UserName)

	for {
		select {
		case update := <-updates:
			// Each update is an independent task; a slow flow on one
			// ticket must not delay events for any other.
			go c.handleUpdate(ctx, update)

		case <-ctx.Done():
			c.bot.StopReceivingUpdates()
			c.logger.Info("telegram connector stopped")
			return ctx.Err()
		}
	}
}

// Stop gracefully shuts down the connector.
func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *Connector) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		c.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		c.handleMessage(ctx, update.Message)
	}
}

func (c *Connector) handleCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	// Acknowledge immediately so the operator's client stops spinning.
	if _, err := c.bot.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		c.logger.Warn("callback ack failed", "error", err)
	}

	operatorID := cq.From.ID
	if !c.isOperator(operatorID) {
		c.logger.Warn("callback from non-operator", "user_id", operatorID)
		return
	}

	action, code, ok := parseCallback(cq.Data)
	if !ok {
		c.logger.Warn("unparseable callback data", "data", cq.Data)
		return
	}

	var err error
	switch action {
	case callbackReply:
		_, err = c.orch.HandleReplyButton(ctx, code, operatorID)
	case callbackClose:
		_, err = c.orch.HandleCloseButton(ctx, code, operatorID)
	case callbackView:
		err = c.orch.HandleViewReply(ctx, code, operatorID)
	}
	if err != nil {
		c.logger.Info("callback flow ended", "action", action, "ticket", code, "error", err)
	}
}

func (c *Connector) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	// Only private chats carry flow-relevant traffic; admin-channel chatter
	// between operators is none of the bot's business.
	if !msg.Chat.IsPrivate() {
		return
	}

	if c.isOperator(msg.From.ID) {
		c.handleOperatorMessage(ctx, msg)
		return
	}
	c.handleSupportRequest(ctx, msg)
}

func (c *Connector) handleOperatorMessage(ctx context.Context, msg *tgbotapi.Message) {
	in := reply.Message{Text: msg.Text}
	if len(msg.Photo) > 0 {
		// Telegram sends multiple sizes; the last entry is the largest.
		in.PhotoRef = msg.Photo[len(msg.Photo)-1].FileID
		in.Text = msg.Caption
	}

	state, err := c.orch.HandleOperatorMessage(ctx, msg.From.ID, in)
	if err != nil {
		c.logger.Info("operator flow ended", "operator", msg.From.ID, "state", state, "error", err)
		return
	}
	if state == reply.StateIdle {
		// Not mid-reply. Give the operator a hint rather than silence.
		c.send(tgbotapi.NewMessage(msg.Chat.ID, "Press Reply under a ticket in the admin channel to answer it."))
	}
}

// handleSupportRequest opens a ticket from a customer message and announces
// it in the admin channel.
func (c *Connector) handleSupportRequest(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		if msg.Command() == "start" {
			c.send(tgbotapi.NewMessage(msg.Chat.ID, "👋 Describe your problem in one message and our support team will get back to you."))
		}
		return
	}

	text := msg.Text
	photoRef := ""
	if len(msg.Photo) > 0 {
		photoRef = msg.Photo[len(msg.Photo)-1].FileID
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" && photoRef == "" {
		return
	}

	tk := &ticket.Ticket{UserID: msg.Chat.ID, Text: text, PhotoRef: photoRef}
	if err := c.tickets.Create(ctx, tk); err != nil {
		c.logger.Error("ticket creation failed", "user", msg.Chat.ID, "error", err)
		c.send(tgbotapi.NewMessage(msg.Chat.ID, "❌ Something went wrong, please try again later."))
		return
	}

	announcement := fmt.Sprintf("📩 New ticket #%s\n\n👤 From: %d\n\n%s", tk.Number, tk.UserID, text)
	out := tgbotapi.NewMessage(c.config.AdminChatID, announcement)
	out.ReplyMarkup = openTicketKeyboard(tk.Number)
	sent, err := c.bot.Send(out)
	if err != nil {
		c.logger.Error("admin channel announcement failed", "ticket", tk.Number, "error", err)
	} else if err := c.tickets.SetChannelMessage(ctx, tk.ID, int64(sent.MessageID)); err != nil {
		c.logger.Error("channel message bookkeeping failed", "ticket", tk.Number, "error", err)
	}

	c.send(tgbotapi.NewMessage(msg.Chat.ID, fmt.Sprintf("✅ Your request #%s has been received. We will reply here.", tk.Number)))
	c.logger.Info("ticket opened", "ticket", tk.Number, "user", tk.UserID)
}

// --- reply.Transport ---

// DeliverToUser sends the committed reply to the customer.
func (c *Connector) DeliverToUser(_ context.Context, userID int64, text, photoRef string) error {
	var err error
	if photoRef != "" {
		photo := tgbotapi.NewPhoto(userID, tgbotapi.FileID(photoRef))
		photo.Caption = text
		_, err = c.bot.Send(photo)
	} else {
		_, err = c.bot.Send(tgbotapi.NewMessage(userID, text))
	}
	if err != nil {
		if isBlockedErr(err) {
			return fmt.Errorf("telegram: deliver to %d: %v: %w", userID, err, reply.ErrUserUnreachable)
		}
		return fmt.Errorf("telegram: deliver to %d: %w", userID, err)
	}
	return nil
}

// UpdateChannelMessage rewrites a ticket announcement in the admin channel.
// Answered tickets keep a View Reply button; everything else loses its
// controls.
func (c *Connector) UpdateChannelMessage(_ context.Context, messageID int64, text string, answered bool) error {
	edit := tgbotapi.NewEditMessageText(c.config.AdminChatID, int(messageID), text)
	if answered {
		if code, ok := codeFromChannelText(text); ok {
			kb := repliedTicketKeyboard(code)
			edit.ReplyMarkup = &kb
		}
	}
	if _, err := c.bot.Send(edit); err != nil {
		return fmt.Errorf("telegram: edit channel message %d: %w", messageID, err)
	}
	return nil
}

// NotifyOperator sends a private status message to an operator.
func (c *Connector) NotifyOperator(_ context.Context, operatorID int64, text string) error {
	if _, err := c.bot.Send(tgbotapi.NewMessage(operatorID, text)); err != nil {
		return fmt.Errorf("telegram: notify operator %d: %w", operatorID, err)
	}
	return nil
}

// NotifyChannel posts a plain message to the admin channel. Used by the
// stale-ticket reminder.
func (c *Connector) NotifyChannel(_ context.Context, text string) error {
	if _, err := c.bot.Send(tgbotapi.NewMessage(c.config.AdminChatID, text)); err != nil {
		return fmt.Errorf("telegram: notify channel: %w", err)
	}
	return nil
}

// --- helpers ---

func (c *Connector) isOperator(userID int64) bool {
	for _, id := range c.config.Operators {
		if id == userID {
			return true
		}
	}
	return false
}

func (c *Connector) send(msg tgbotapi.MessageConfig) {
	if _, err := c.bot.Send(msg); err != nil {
		c.logger.Warn("send failed", "chat_id", msg.ChatID, "error", err)
	}
}

func parseCallback(data string) (action, code string, ok bool) {
	for _, prefix := range []string{callbackReply, callbackClose, callbackView} {
		if strings.HasPrefix(data, prefix) {
			code = strings.TrimPrefix(data, prefix)
			if code == "" {
				return "", "", false
			}
			return prefix, code, true
		}
	}
	return "", "", false
}

func openTicketKeyboard(code string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("↩️ Reply", callbackReply+code),
			tgbotapi.NewInlineKeyboardButtonData("⚫ Close", callbackClose+code),
		),
	)
}

func repliedTicketKeyboard(code string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📜 View reply", callbackView+code),
		),
	)
}

// codeFromChannelText extracts the "#ABC123" ticket code from a channel
// announcement so the edited message can carry a View Reply button.
func codeFromChannelText(text string) (string, bool) {
	idx := strings.Index(text, "#")
	if idx < 0 || idx+7 > len(text) {
		return "", false
	}
	code := text[idx+1 : idx+7]
	for i := 0; i < 3; i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return "", false
		}
	}
	for i := 3; i < 6; i++ {
		if code[i] < '0' || code[i] > '9' {
			return "", false
		}
	}
	return code, true
}
