// Copyright 2024-2026 Aiku AI

package relay

import "context"

// Notifier delivers outbound messages to a user through the bot-side
// channel. It is consumed by listeners for forwarded matches and by the
// session manager for operational error reports.
type Notifier interface {
	// Send delivers one message to the given user. Implementations must be
	// safe for concurrent use by multiple listeners.
	Send(ctx context.Context, userID string, text string) error
	// MaxMessageSize returns the largest message, in bytes, that Send can
	// deliver in one call. Longer payloads are chunked by the caller.
	MaxMessageSize() int
}
