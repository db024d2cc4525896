// Package reminder nudges the admin channel about open tickets that have
// been waiting too long for an answer.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dastak-io/dastak/internal/connector"
	"github.com/dastak-io/dastak/internal/ticket"
)

// Reminder runs a cron schedule that reports stale open tickets.
type Reminder struct {
	cron      *cron.Cron
	tickets   ticket.Store
	notifiers []connector.ChannelNotifier
	maxAge    time.Duration
	logger    *slog.Logger
}

// New creates a reminder. schedule is a standard cron expression or a
// predefined one like "@every 1h"; maxAge is how long a ticket may stay open
// before it counts as stale.
func New(tickets ticket.Store, notifiers []connector.ChannelNotifier, schedule string, maxAge time.Duration, logger *slog.Logger) (*Reminder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reminder{
		cron:      cron.New(),
		tickets:   tickets,
		notifiers: notifiers,
		maxAge:    maxAge,
		logger:    logger,
	}
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("reminder: bad schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins the cron schedule. Blocks until the context is cancelled.
func (r *Reminder) Start(ctx context.Context) error {
	r.cron.Start()
	r.logger.Info("reminder started")

	<-ctx.Done()
	r.cron.Stop()
	r.logger.Info("reminder stopped")
	return ctx.Err()
}

func (r *Reminder) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stale, err := r.tickets.ListOpenBefore(ctx, time.Now().Add(-r.maxAge))
	if err != nil {
		r.logger.Error("stale ticket listing failed", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	text := Format(stale, r.maxAge)
	for _, n := range r.notifiers {
		if err := n.NotifyChannel(ctx, text); err != nil {
			r.logger.Error("stale ticket notification failed", "error", err)
		}
	}
	r.logger.Info("stale ticket reminder sent", "count", len(stale))
}

// Format renders the reminder text for a set of stale tickets.
func Format(stale []*ticket.Ticket, maxAge time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⏰ %d ticket(s) open for more than %s:\n", len(stale), maxAge)
	for _, t := range stale {
		fmt.Fprintf(&b, "• #%s — waiting since %s\n", t.Number, t.CreatedAt.Format("2006-01-02 15:04"))
	}
	return strings.TrimRight(b.String(), "\n")
}
