// Package dispatch defines the outbound delivery boundary.
package dispatch

import (
	"context"

	"tickerwire/internal/feed"
)

// Dispatcher delivers one item to the configured destination.
//
// Send returns nil only when the item actually went out; the caller
// records the delivery afterwards, so a false success would permanently
// suppress the item. Failures more attempts cannot fix (bad credentials,
// dead chat) should be wrapped with retry.Permanent.
type Dispatcher interface {
	Send(ctx context.Context, item feed.Item) error
}
