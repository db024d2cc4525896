// Package kv defines the expiring key-value store the coordination layer
// runs on. Only single-key atomic operations are offered; there are no
// multi-key transactions anywhere in the system.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that a key is absent. It is never returned for
// connectivity problems; see ErrUnavailable.
var ErrNotFound = errors.New("kv: key not found")

// ErrUnavailable reports that the store itself could not be reached.
// Callers must treat this as "cannot proceed", never as "key absent" —
// conflating the two would let an infrastructure outage look like a
// released lock.
var ErrUnavailable = errors.New("kv: store unavailable")

// Store is the single-key atomic contract the lock manager and session
// cache are built on.
type Store interface {
	// SetIfAbsent atomically creates key with the given TTL. Returns true
	// iff this call created the key.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Set unconditionally writes key with the given TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Delete removes key. Returns true iff the key existed.
	Delete(ctx context.Context, key string) (bool, error)
	// RefreshTTL resets the key's TTL. Returns false if the key is absent.
	RefreshTTL(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
}
