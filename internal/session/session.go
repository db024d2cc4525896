// Package session bridges the two halves of a reply flow: the button press
// that claims a ticket and the free-text message that answers it. The bridge
// record lives in the key-value store so any process instance can resume the
// flow, and it expires on its own if the operator walks away.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dastak-io/dastak/internal/kv"
)

const (
	keyPrefix = "session:reply:"

	// DefaultTTL is how long an operator has to start composing before the
	// bridge record evaporates.
	DefaultTTL = 5 * time.Minute
)

// ErrNoSession reports that the operator has no active reply session.
var ErrNoSession = errors.New("session: no active reply session")

// Reply is the bridge record: which ticket the operator is mid-reply on.
type Reply struct {
	TicketNumber string `json:"ticket_number"`
	TicketID     int64  `json:"ticket_id"`
}

// Cache stores at most one reply session per operator.
type Cache struct {
	store kv.Store
	ttl   time.Duration
}

// NewCache creates a session cache with the default TTL.
func NewCache(store kv.Store) *Cache {
	return &Cache{store: store, ttl: DefaultTTL}
}

// NewCacheTTL creates a session cache with a custom TTL.
func NewCacheTTL(store kv.Store, ttl time.Duration) *Cache {
	return &Cache{store: store, ttl: ttl}
}

func key(operatorID int64) string { return keyPrefix + strconv.FormatInt(operatorID, 10) }

// Put stores the operator's reply session, replacing any previous one.
func (c *Cache) Put(ctx context.Context, operatorID int64, r Reply) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	if err := c.store.Set(ctx, key(operatorID), string(data), c.ttl); err != nil {
		return fmt.Errorf("session: put operator %d: %w", operatorID, err)
	}
	return nil
}

// TakeOnce returns the operator's session and deletes it in the same call.
// A second call reports ErrNoSession. The get-then-delete pair is not a
// transaction; the benign double-read race this leaves open cannot cause a
// double reply because the confirmation lock stands independently.
func (c *Cache) TakeOnce(ctx context.Context, operatorID int64) (Reply, error) {
	r, err := c.Peek(ctx, operatorID)
	if err != nil {
		return Reply{}, err
	}
	if _, err := c.store.Delete(ctx, key(operatorID)); err != nil {
		return Reply{}, fmt.Errorf("session: take operator %d: %w", operatorID, err)
	}
	return r, nil
}

// Peek returns the operator's session without consuming it.
func (c *Cache) Peek(ctx context.Context, operatorID int64) (Reply, error) {
	data, err := c.store.Get(ctx, key(operatorID))
	if errors.Is(err, kv.ErrNotFound) {
		return Reply{}, ErrNoSession
	}
	if err != nil {
		return Reply{}, fmt.Errorf("session: peek operator %d: %w", operatorID, err)
	}
	var r Reply
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return Reply{}, fmt.Errorf("session: unmarshal operator %d: %w", operatorID, err)
	}
	return r, nil
}

// Active reports whether the operator has a live reply session.
func (c *Cache) Active(ctx context.Context, operatorID int64) (bool, error) {
	ok, err := c.store.Exists(ctx, key(operatorID))
	if err != nil {
		return false, fmt.Errorf("session: active operator %d: %w", operatorID, err)
	}
	return ok, nil
}
