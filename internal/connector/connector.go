// Package connector defines the interfaces between the bot core and the
// messaging platforms it talks to.
package connector

import "context"

// Connector is a long-running link to an external messaging platform.
type Connector interface {
	// Name returns the connector type (e.g., "telegram", "slack").
	Name() string
	// Start begins processing platform events. Blocks until the context is
	// cancelled.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the connector.
	Stop() error
}

// ChannelNotifier posts plain status messages to an admin-facing channel.
// Implementations are observers only; they never take part in locking.
type ChannelNotifier interface {
	NotifyChannel(ctx context.Context, text string) error
}
