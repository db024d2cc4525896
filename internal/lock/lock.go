// Package lock coordinates which operator may answer a ticket. It layers two
// locks over the key-value store:
//
//   - the intent lock stakes an operator's short-lived claim to reply, and
//   - the confirmation lock is the permanent-within-TTL record that a reply
//     was actually committed, which is what ultimately prevents double sends.
//
// Intent locks self-heal: they expire after their TTL, so an operator who
// abandons a reply mid-flow (or a crashed process) never blocks the ticket
// for long. The confirmation lock backstops the race window that opens when
// an intent lock expires while a stale flow is still in flight.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dastak-io/dastak/internal/kv"
)

const (
	intentPrefix  = "lock:ticket:"
	confirmPrefix = "lock:ticket:reply:"

	// DefaultIntentTTL bounds how long an idle operator keeps their claim.
	// Active composing refreshes it on every turn.
	DefaultIntentTTL = 30 * time.Second
	// DefaultConfirmTTL bounds the duplicate-send barrier. It only needs to
	// outlive the longest plausible retry storm.
	DefaultConfirmTTL = 60 * time.Second
)

// Manager is the sole reader and writer of intent and confirmation lock keys.
type Manager struct {
	store      kv.Store
	intentTTL  time.Duration
	confirmTTL time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithIntentTTL overrides the intent lock TTL.
func WithIntentTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.intentTTL = ttl }
}

// WithConfirmTTL overrides the confirmation lock TTL.
func WithConfirmTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.confirmTTL = ttl }
}

// NewManager creates a lock manager on top of the given store.
func NewManager(store kv.Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		intentTTL:  DefaultIntentTTL,
		confirmTTL: DefaultConfirmTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func intentKey(ticketID int64) string  { return intentPrefix + strconv.FormatInt(ticketID, 10) }
func confirmKey(ticketID int64) string { return confirmPrefix + strconv.FormatInt(ticketID, 10) }

// AcquireIntent attempts to claim the reply intent on a ticket. Re-acquisition
// by the current holder succeeds and refreshes the TTL, so an operator
// resuming an interrupted flow is never locked out by their own claim.
func (m *Manager) AcquireIntent(ctx context.Context, ticketID, operatorID int64) (bool, error) {
	key := intentKey(ticketID)
	holder := strconv.FormatInt(operatorID, 10)

	created, err := m.store.SetIfAbsent(ctx, key, holder, m.intentTTL)
	if err != nil {
		return false, fmt.Errorf("lock: acquire intent ticket %d: %w", ticketID, err)
	}
	if created {
		return true, nil
	}

	current, err := m.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		// Expired between the SetIfAbsent and the Get. Try once more; a
		// second miss means someone else just took it.
		created, err = m.store.SetIfAbsent(ctx, key, holder, m.intentTTL)
		if err != nil {
			return false, fmt.Errorf("lock: acquire intent ticket %d: %w", ticketID, err)
		}
		return created, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock: acquire intent ticket %d: %w", ticketID, err)
	}
	if current != holder {
		return false, nil
	}

	// Same holder re-entering: extend the claim.
	if _, err := m.store.RefreshTTL(ctx, key, m.intentTTL); err != nil {
		return false, fmt.Errorf("lock: refresh intent ticket %d: %w", ticketID, err)
	}
	return true, nil
}

// ReleaseIntent removes the intent lock if it is still held by operatorID.
// A lock that already expired is a benign race and reports false, not an
// error.
func (m *Manager) ReleaseIntent(ctx context.Context, ticketID, operatorID int64) (bool, error) {
	holder, err := m.IntentHolder(ctx, ticketID)
	if err != nil {
		return false, err
	}
	if holder == nil || *holder != operatorID {
		return false, nil
	}
	if _, err := m.store.Delete(ctx, intentKey(ticketID)); err != nil {
		return false, fmt.Errorf("lock: release intent ticket %d: %w", ticketID, err)
	}
	return true, nil
}

// IntentHolder returns the operator currently holding the intent lock, or
// nil when the ticket is unclaimed.
func (m *Manager) IntentHolder(ctx context.Context, ticketID int64) (*int64, error) {
	val, err := m.store.Get(ctx, intentKey(ticketID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock: intent holder ticket %d: %w", ticketID, err)
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("lock: intent holder ticket %d: bad value %q", ticketID, val)
	}
	return &id, nil
}

// ExtendIntent refreshes the intent TTL if the lock is still held by
// operatorID.
func (m *Manager) ExtendIntent(ctx context.Context, ticketID, operatorID int64) (bool, error) {
	holder, err := m.IntentHolder(ctx, ticketID)
	if err != nil {
		return false, err
	}
	if holder == nil || *holder != operatorID {
		return false, nil
	}
	ok, err := m.store.RefreshTTL(ctx, intentKey(ticketID), m.intentTTL)
	if err != nil {
		return false, fmt.Errorf("lock: extend intent ticket %d: %w", ticketID, err)
	}
	return ok, nil
}

// ConfirmReply records that a reply-send has been committed for the ticket.
// Exactly one caller wins across all operators and retries; everyone else
// gets false and must not send.
func (m *Manager) ConfirmReply(ctx context.Context, ticketID int64) (bool, error) {
	created, err := m.store.SetIfAbsent(ctx, confirmKey(ticketID), "confirmed", m.confirmTTL)
	if err != nil {
		return false, fmt.Errorf("lock: confirm reply ticket %d: %w", ticketID, err)
	}
	return created, nil
}

// IsReplyConfirmed reports whether a reply has already been committed for
// the ticket within the confirmation TTL.
func (m *Manager) IsReplyConfirmed(ctx context.Context, ticketID int64) (bool, error) {
	ok, err := m.store.Exists(ctx, confirmKey(ticketID))
	if err != nil {
		return false, fmt.Errorf("lock: reply confirmed ticket %d: %w", ticketID, err)
	}
	return ok, nil
}
