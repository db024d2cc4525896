// Package ticket persists support tickets and their lifecycle. Status moves
// one way only: open → replied or open → closed, never back.
package ticket

import (
	"context"
	"time"
)

// Status is a ticket lifecycle state.
type Status string

const (
	StatusOpen    Status = "open"
	StatusReplied Status = "replied"
	StatusClosed  Status = "closed"
)

// Ticket is one unit of customer support work.
type Ticket struct {
	ID     int64  // durable numeric key
	Number string // human-facing code, e.g. "ABC123"
	UserID int64  // chat of the customer who opened the ticket

	Text     string
	PhotoRef string // transport file reference for an attached photo, if any

	Status Status

	// ChannelMessageID points at the admin-channel message announcing the
	// ticket, so it can be edited when the ticket is answered or closed.
	ChannelMessageID int64

	RepliedBy int64
	RepliedAt *time.Time
	ReplyText string

	CreatedAt time.Time
}

// Store is the persistence interface for tickets.
type Store interface {
	// Create inserts a new open ticket and fills in its ID and Number.
	Create(ctx context.Context, t *Ticket) error
	// FindByCode retrieves a ticket by its human-facing number. Returns
	// nil when no such ticket exists.
	FindByCode(ctx context.Context, number string) (*Ticket, error)
	// FindByID retrieves a ticket by its durable key. Returns nil when no
	// such ticket exists.
	FindByID(ctx context.Context, id int64) (*Ticket, error)
	// MarkReplied transitions an open ticket to replied, recording who
	// answered, when, and with what text. Returns false if the ticket was
	// not open; the update is conditional so concurrent calls are safe.
	MarkReplied(ctx context.Context, id, operatorID int64, text string) (bool, error)
	// Close transitions an open ticket to closed. Returns false if the
	// ticket was not open.
	Close(ctx context.Context, id int64) (bool, error)
	// SetChannelMessage records the admin-channel message announcing the
	// ticket.
	SetChannelMessage(ctx context.Context, id, messageID int64) error
	// ListOpen returns all open tickets, oldest first.
	ListOpen(ctx context.Context) ([]*Ticket, error)
	// ListOpenBefore returns open tickets created before the cutoff,
	// oldest first.
	ListOpenBefore(ctx context.Context, cutoff time.Time) ([]*Ticket, error)
	// CountOpen returns the number of open tickets.
	CountOpen(ctx context.Context) (int, error)
}
