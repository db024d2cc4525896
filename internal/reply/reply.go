// Package reply drives the admin reply workflow: claim a ticket, collect the
// operator's answer over however many conversation turns it takes, commit it
// exactly once, and deliver it to the customer.
//
// The orchestrator keeps no state between events. Every incoming operator
// action is resolved against the session cache, the lock manager, and the
// ticket store, so flows survive process restarts and any number of daemon
// instances can serve the same admin channel.
package reply

import (
	"context"
	"errors"
)

// State labels where a reply flow is, or how it ended. Flows are re-derived
// per event; the state is returned to callers mainly for routing and tests.
type State string

const (
	StateIdle        State = "idle"         // no active flow for this operator
	StateComposing   State = "composing"    // waiting for the operator's answer
	StateDone        State = "done"         // reply committed and flow finished
	StateRejected    State = "rejected"     // ticket missing, already replied, or closed
	StateLockDenied  State = "lock_denied"  // another operator holds the intent lock
	StateLockExpired State = "lock_expired" // this operator's claim lapsed mid-flow
	StateCancelled   State = "cancelled"    // operator backed out
	StateFailed      State = "failed"       // unexpected fault, lock released best-effort
)

// Expected control-flow outcomes. These terminate a flow cleanly and are
// reported to the operator with a specific message.
var (
	ErrNotFound       = errors.New("reply: ticket not found")
	ErrAlreadyHandled = errors.New("reply: ticket already replied or closed")
	ErrLockDenied     = errors.New("reply: another operator is replying")
	ErrLockLost       = errors.New("reply: intent lock lost mid-flow")
)

// ErrUserUnreachable is returned by Transport.DeliverToUser when the
// recipient cannot be reached (for Telegram: the user blocked the bot).
// It does not roll back the ticket's replied status.
var ErrUserUnreachable = errors.New("reply: user unreachable")

// Message is the operator input examined while composing.
type Message struct {
	Text     string
	PhotoRef string // transport file reference when the reply is a photo
}

// Transport is the outbound messaging collaborator.
type Transport interface {
	// DeliverToUser sends the reply to the customer. photoRef may be empty.
	// Returns ErrUserUnreachable (possibly wrapped) when the recipient
	// cannot receive messages.
	DeliverToUser(ctx context.Context, userID int64, text, photoRef string) error
	// UpdateChannelMessage rewrites the admin-channel announcement of a
	// ticket to reflect its new status.
	UpdateChannelMessage(ctx context.Context, messageID int64, text string, answered bool) error
	// NotifyOperator sends a private status message to an operator.
	NotifyOperator(ctx context.Context, operatorID int64, text string) error
}

// CancelCommand and CancelButton are the inputs that abort a compose loop.
const (
	CancelCommand = "/cancel"
	CancelButton  = "🔙 Cancel"
)

func isCancel(text string) bool {
	return text == CancelCommand || text == CancelButton
}
