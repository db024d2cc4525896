package telegram

import (
	"errors"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// isBlockedErr reports whether a Bot API failure means the recipient can no
// longer receive messages from the bot: they blocked it, deactivated their
// account, or never started a chat.
func isBlockedErr(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 403 {
			return true
		}
		msg := strings.ToLower(apiErr.Message)
		return strings.Contains(msg, "blocked by the user") ||
			strings.Contains(msg, "user is deactivated") ||
			strings.Contains(msg, "chat not found")
	}
	return false
}
