package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dastak-io/dastak/internal/kv"
	"github.com/dastak-io/dastak/internal/lock"
	"github.com/dastak-io/dastak/internal/metrics"
	"github.com/dastak-io/dastak/internal/session"
	"github.com/dastak-io/dastak/internal/ticket"
	"github.com/dastak-io/dastak/internal/userstate"
)

// Orchestrator sequences the reply workflow. It is the only component that
// writes reply sessions and the only one allowed to move tickets to replied.
type Orchestrator struct {
	tickets   ticket.Store
	locks     *lock.Manager
	sessions  *session.Cache
	users     userstate.Store
	transport Transport
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewOrchestrator wires the orchestrator. m and logger may be nil.
func NewOrchestrator(tickets ticket.Store, locks *lock.Manager, sessions *session.Cache,
	users userstate.Store, transport Transport, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	if m == nil {
		m = metrics.New(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		tickets:   tickets,
		locks:     locks,
		sessions:  sessions,
		users:     users,
		transport: transport,
		metrics:   m,
		logger:    logger,
	}
}

// HandleReplyButton is the flow entry: an operator pressed Reply on the
// admin-channel announcement of a ticket. On success the operator holds the
// intent lock, a session bridges to their next message, and they have been
// prompted for the answer.
func (o *Orchestrator) HandleReplyButton(ctx context.Context, ticketCode string, operatorID int64) (State, error) {
	log := o.logger.With("ticket", ticketCode, "operator", operatorID)

	t, err := o.tickets.FindByCode(ctx, ticketCode)
	if err != nil {
		o.notify(ctx, operatorID, msgGenericError)
		return StateFailed, fmt.Errorf("reply: entry lookup: %w", err)
	}
	if t == nil {
		o.notify(ctx, operatorID, msgTicketNotFound)
		return StateRejected, ErrNotFound
	}
	switch t.Status {
	case ticket.StatusReplied:
		o.notify(ctx, operatorID, msgAlreadyReplied)
		return StateRejected, ErrAlreadyHandled
	case ticket.StatusClosed:
		o.notify(ctx, operatorID, msgTicketClosed)
		return StateRejected, ErrAlreadyHandled
	}

	granted, err := o.locks.AcquireIntent(ctx, t.ID, operatorID)
	if err != nil {
		o.notify(ctx, operatorID, msgGenericError)
		return StateFailed, err
	}
	if !granted {
		o.metrics.LocksDenied.Inc()
		// Holder identity is shown to the operator only, never to the
		// customer whose ticket this is.
		var holderID int64
		if holder, herr := o.locks.IntentHolder(ctx, t.ID); herr == nil && holder != nil {
			holderID = *holder
		}
		log.Info("reply denied, intent lock held", "holder", holderID)
		o.notify(ctx, operatorID, msgAnotherReplying(holderID))
		return StateLockDenied, ErrLockDenied
	}
	o.metrics.LocksGranted.Inc()

	if err := o.sessions.Put(ctx, operatorID, session.Reply{TicketNumber: t.Number, TicketID: t.ID}); err != nil {
		// Without the bridge record the next message cannot be matched to
		// the ticket, so give the claim back.
		o.locks.ReleaseIntent(ctx, t.ID, operatorID)
		o.notify(ctx, operatorID, msgGenericError)
		return StateFailed, err
	}

	log.Info("reply flow started")
	o.notify(ctx, operatorID, msgAskMessage)
	return StateComposing, nil
}

// HandleOperatorMessage resumes a compose loop with the operator's next
// input. StateIdle means the operator has no active reply flow and the
// message belongs to someone else's routing.
func (o *Orchestrator) HandleOperatorMessage(ctx context.Context, operatorID int64, msg Message) (State, error) {
	sess, err := o.sessions.TakeOnce(ctx, operatorID)
	if errors.Is(err, session.ErrNoSession) {
		return StateIdle, nil
	}
	if err != nil {
		o.notify(ctx, operatorID, msgGenericError)
		return StateFailed, err
	}

	flowID := uuid.NewString()
	log := o.logger.With("ticket", sess.TicketNumber, "operator", operatorID, "flow", flowID)

	if isCancel(msg.Text) {
		released, err := o.locks.ReleaseIntent(ctx, sess.TicketID, operatorID)
		if err != nil {
			log.Error("release on cancel failed", "error", err)
		}
		log.Info("reply cancelled", "lock_released", released)
		o.notify(ctx, operatorID, msgCancelled)
		return StateCancelled, nil
	}

	if msg.Text == "" && msg.PhotoRef == "" {
		// Unsupported input. The lock may also have silently lapsed; check
		// before re-prompting, and never touch a lock that moved to
		// someone else.
		holder, err := o.locks.IntentHolder(ctx, sess.TicketID)
		if err != nil {
			o.notify(ctx, operatorID, msgGenericError)
			return StateFailed, err
		}
		if holder == nil || *holder != operatorID {
			log.Info("intent lock lost mid-flow")
			o.notify(ctx, operatorID, msgLockExpired)
			return StateLockExpired, ErrLockLost
		}
		if _, err := o.locks.ExtendIntent(ctx, sess.TicketID, operatorID); err != nil {
			log.Error("extend intent failed", "error", err)
		}
		// Re-arm the bridge record for the next turn; TakeOnce consumed it.
		if err := o.sessions.Put(ctx, operatorID, sess); err != nil {
			o.locks.ReleaseIntent(ctx, sess.TicketID, operatorID)
			o.notify(ctx, operatorID, msgGenericError)
			return StateFailed, err
		}
		o.notify(ctx, operatorID, msgAskMessage)
		return StateComposing, nil
	}

	return o.deliver(ctx, log, sess, operatorID, msg)
}

// deliver runs the Delivering and Finalizing steps: commit exactly once,
// persist the transition, then best-effort outbound work.
func (o *Orchestrator) deliver(ctx context.Context, log *slog.Logger, sess session.Reply, operatorID int64, msg Message) (State, error) {
	// The intent lock may have expired and moved to another operator while
	// this one was typing. A claim held by someone else ends the stale flow
	// here, before the ticket is touched; an unclaimed lock is the holder's
	// own lapse and may proceed, with the confirmation lock still standing
	// as the tie-breaker for the residual race.
	holder, err := o.locks.IntentHolder(ctx, sess.TicketID)
	if err != nil {
		return o.fail(ctx, log, sess.TicketID, operatorID, err)
	}
	if holder != nil && *holder != operatorID {
		log.Info("intent lock held by another operator at delivery", "holder", *holder)
		o.notify(ctx, operatorID, msgLockExpired)
		return StateLockExpired, ErrLockLost
	}

	t, err := o.tickets.FindByID(ctx, sess.TicketID)
	if err != nil {
		return o.fail(ctx, log, sess.TicketID, operatorID, fmt.Errorf("reply: deliver lookup: %w", err))
	}
	if t == nil {
		o.locks.ReleaseIntent(ctx, sess.TicketID, operatorID)
		o.notify(ctx, operatorID, msgTicketNotFound)
		return StateRejected, ErrNotFound
	}
	if t.Status != ticket.StatusOpen {
		o.locks.ReleaseIntent(ctx, sess.TicketID, operatorID)
		o.notify(ctx, operatorID, msgAlreadyReplied)
		return StateRejected, ErrAlreadyHandled
	}

	// The confirmation lock is the authoritative tie-breaker. Whatever the
	// intent lock said, only the first confirm may send.
	confirmed, err := o.locks.ConfirmReply(ctx, t.ID)
	if err != nil {
		return o.fail(ctx, log, t.ID, operatorID, err)
	}
	if !confirmed {
		o.metrics.DuplicatesSuppressed.Inc()
		log.Info("reply already confirmed by another flow")
		o.locks.ReleaseIntent(ctx, t.ID, operatorID)
		o.notify(ctx, operatorID, msgAlreadyReplied)
		return StateRejected, ErrAlreadyHandled
	}

	// Persist before sending: a delivery failure must never leave an
	// answered ticket looking open.
	ok, err := o.tickets.MarkReplied(ctx, t.ID, operatorID, msg.Text)
	if err != nil {
		// The confirmation lock deliberately stands: if the row mutation
		// did land, releasing it would invite a duplicate send.
		return o.fail(ctx, log, t.ID, operatorID, fmt.Errorf("reply: mark replied: %w", err))
	}
	if !ok {
		log.Info("ticket no longer open at mark-replied")
		o.locks.ReleaseIntent(ctx, t.ID, operatorID)
		o.notify(ctx, operatorID, msgAlreadyReplied)
		return StateRejected, ErrAlreadyHandled
	}
	o.metrics.RepliesSent.Inc()
	log.Info("ticket marked replied")

	if err := o.transport.DeliverToUser(ctx, t.UserID, msgUserReply(t.Number, msg.Text), msg.PhotoRef); err != nil {
		o.metrics.DeliveriesFailed.Inc()
		if errors.Is(err, ErrUserUnreachable) {
			log.Info("user unreachable, ticket stays replied", "user", t.UserID)
			if uerr := o.users.MarkUnreachable(ctx, t.UserID); uerr != nil {
				log.Error("mark unreachable failed", "error", uerr)
			}
			o.notify(ctx, operatorID, msgUnreachable)
		} else {
			log.Error("delivery failed, ticket stays replied", "error", err)
			o.notify(ctx, operatorID, msgDeliveryFailed)
		}
	} else {
		if uerr := o.users.ClearUnreachable(ctx, t.UserID); uerr != nil {
			log.Error("clear unreachable failed", "error", uerr)
		}
	}

	// Finalizing: channel-message update is cosmetic, failure is logged only.
	if t.ChannelMessageID != 0 {
		text := msgChannelReplied(t.Number, operatorID)
		if err := o.transport.UpdateChannelMessage(ctx, t.ChannelMessageID, text, true); err != nil {
			log.Error("channel message update failed", "error", err)
		}
	}

	if _, err := o.locks.ReleaseIntent(ctx, t.ID, operatorID); err != nil {
		log.Error("release after delivery failed", "error", err)
	}
	o.notify(ctx, operatorID, msgReplySent)
	log.Info("reply flow done")
	return StateDone, nil
}

// HandleCancel aborts the operator's active flow, if any. Always releases
// the intent lock before returning.
func (o *Orchestrator) HandleCancel(ctx context.Context, operatorID int64) (bool, error) {
	sess, err := o.sessions.TakeOnce(ctx, operatorID)
	if errors.Is(err, session.ErrNoSession) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := o.locks.ReleaseIntent(ctx, sess.TicketID, operatorID); err != nil {
		return true, err
	}
	o.notify(ctx, operatorID, msgCancelled)
	o.logger.Info("reply cancelled", "ticket", sess.TicketNumber, "operator", operatorID)
	return true, nil
}

// HandleCloseButton closes a ticket without a reply.
func (o *Orchestrator) HandleCloseButton(ctx context.Context, ticketCode string, operatorID int64) (State, error) {
	t, err := o.tickets.FindByCode(ctx, ticketCode)
	if err != nil {
		o.notify(ctx, operatorID, msgGenericError)
		return StateFailed, err
	}
	if t == nil {
		o.notify(ctx, operatorID, msgTicketNotFound)
		return StateRejected, ErrNotFound
	}
	if t.Status == ticket.StatusClosed {
		o.notify(ctx, operatorID, msgTicketClosed)
		return StateRejected, ErrAlreadyHandled
	}

	closed, err := o.tickets.Close(ctx, t.ID)
	if err != nil {
		o.notify(ctx, operatorID, msgGenericError)
		return StateFailed, err
	}
	if !closed {
		o.notify(ctx, operatorID, msgAlreadyReplied)
		return StateRejected, ErrAlreadyHandled
	}

	if t.ChannelMessageID != 0 {
		if err := o.transport.UpdateChannelMessage(ctx, t.ChannelMessageID, msgChannelClosed(t.Number), true); err != nil {
			o.logger.Error("channel message update failed", "ticket", t.Number, "error", err)
		}
	}
	o.notify(ctx, operatorID, msgTicketClosed)
	o.logger.Info("ticket closed", "ticket", t.Number, "operator", operatorID)
	return StateDone, nil
}

// HandleViewReply shows an operator the answer a ticket received.
func (o *Orchestrator) HandleViewReply(ctx context.Context, ticketCode string, operatorID int64) error {
	t, err := o.tickets.FindByCode(ctx, ticketCode)
	if err != nil {
		o.notify(ctx, operatorID, msgGenericError)
		return err
	}
	if t == nil {
		o.notify(ctx, operatorID, msgTicketNotFound)
		return ErrNotFound
	}
	if t.ReplyText == "" {
		o.notify(ctx, operatorID, msgTicketNotFound)
		return ErrNotFound
	}
	o.notify(ctx, operatorID, msgViewReply(t.Number, t.ReplyText, t.RepliedBy))
	return nil
}

// fail is the Failed exit: release the intent lock best-effort and tell the
// operator something went wrong. The confirmation lock is never touched here.
func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, ticketID, operatorID int64, err error) (State, error) {
	if errors.Is(err, kv.ErrUnavailable) {
		log.Error("coordination store unavailable", "error", err)
	} else {
		log.Error("reply flow failed", "error", err)
	}
	if _, rerr := o.locks.ReleaseIntent(ctx, ticketID, operatorID); rerr != nil {
		log.Error("release after failure failed", "error", rerr)
	}
	o.notify(ctx, operatorID, msgGenericError)
	return StateFailed, err
}

// notify sends a status message to the operator, logging delivery problems
// instead of letting them disturb the flow.
func (o *Orchestrator) notify(ctx context.Context, operatorID int64, text string) {
	if err := o.transport.NotifyOperator(ctx, operatorID, text); err != nil {
		o.logger.Error("operator notification failed", "operator", operatorID, "error", err)
	}
}
