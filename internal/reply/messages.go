package reply

import "fmt"

// Operator-facing status messages. Kept in one place; the bot speaks one
// language to its operators.
const (
	msgTicketNotFound = "❌ Ticket not found."
	msgAlreadyReplied = "✅ This ticket has already been answered."
	msgTicketClosed   = "⚫ This ticket is closed."
	msgAskMessage     = "✍️ Send your answer as text or a photo with caption. Use /cancel to back out."
	msgLockExpired    = "⏳ Your claim on this ticket expired and another operator may have taken over. Nothing was sent."
	msgCancelled      = "❌ Reply cancelled."
	msgReplySent      = "✅ Reply sent."
	msgUnreachable    = "⚠️ The user has blocked the bot. The ticket is marked as answered, but the message could not be delivered."
	msgDeliveryFailed = "⚠️ The ticket is marked as answered, but delivering the message failed. Please follow up manually."
	msgGenericError   = "❌ Something went wrong. Please try again."
)

func msgAnotherReplying(holder int64) string {
	return fmt.Sprintf("✋ Operator %d is already answering this ticket.", holder)
}

func msgUserReply(ticketNumber, text string) string {
	return fmt.Sprintf("📩 Answer to your request #%s:\n\n%s", ticketNumber, text)
}

func msgChannelReplied(ticketNumber string, operatorID int64) string {
	return fmt.Sprintf("📩 Ticket #%s ✅ ANSWERED\n\nAnswered by operator %d.", ticketNumber, operatorID)
}

func msgChannelClosed(ticketNumber string) string {
	return fmt.Sprintf("📩 Ticket #%s ⚫ CLOSED\n\nClosed without a reply.", ticketNumber)
}

func msgViewReply(ticketNumber, text string, operatorID int64) string {
	return fmt.Sprintf("📜 Reply to #%s\n\n👤 Operator %d\n\n💬 %s", ticketNumber, operatorID, text)
}
