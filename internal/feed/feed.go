// Package feed defines the source adapter boundary: each source fetches
// raw content and normalizes it into candidate items with a stable,
// source-scoped identity key.
package feed

import (
	"context"
	"time"
)

// Item is one normalized candidate. Ephemeral: it is either promoted to a
// delivery record after a successful dispatch or discarded.
type Item struct {
	// Key is the source-scoped identity. What "new" means is entirely the
	// adapter's business: an insight fingerprint, an article hash, a
	// date+section composite.
	Key string

	Title string
	Text  string
	URL   string

	// PublishedAt is the origin timestamp when the source provides one;
	// zero otherwise. Used only for adapter-local recency filtering and
	// debugging, never for identity.
	PublishedAt time.Time
}

// Source is one independent origin of content.
//
// Fetch returns the current candidate batch. Adapters may apply their own
// recency policy (e.g. drop items not dated today in their market's
// timezone) before returning; that is orthogonal to store-based dedup.
// Retryable failures are returned as plain errors; failures more attempts
// cannot fix should be wrapped with retry.Permanent by the adapter.
type Source interface {
	ID() string
	Fetch(ctx context.Context) ([]Item, error)
}
