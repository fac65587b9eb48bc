// Package store is the durable delivery ledger.
//
// One row per delivered item, unique on (source_id, item_key). The
// uniqueness constraint is the sole dedup correctness mechanism: a
// check-then-insert race fails the second insert instead of silently
// succeeding twice, so the guarantee holds across concurrent jobs and
// process restarts.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadySeen is the expected outcome of inserting a record whose
// (source_id, item_key) already exists. Callers treat it as a benign
// no-op, not a fault.
var ErrAlreadySeen = errors.New("delivery already recorded")

// DeliveryRecord is one delivered item.
type DeliveryRecord struct {
	SourceID    string
	ItemKey     string
	Title       string // audit/debug only, never identity
	DeliveredAt time.Time
}

// RunRecord is a bounded-retention audit row for one job run.
type RunRecord struct {
	SourceID  string
	StartedAt time.Time
	Duration  time.Duration
	Sent      int
	Failed    int
	Skipped   bool
	Error     string
}

// Store is the persistence API shared by all jobs. Implementations must
// be safe for concurrent use; MarkSeen must be atomic.
type Store interface {
	// HasSeen reports whether the item was already delivered.
	HasSeen(ctx context.Context, sourceID, itemKey string) (bool, error)

	// SeenKeys returns every recorded key for a source, for bulk
	// pre-filtering of large candidate batches.
	SeenKeys(ctx context.Context, sourceID string) (map[string]struct{}, error)

	// MarkSeen records a delivery. Returns ErrAlreadySeen if the
	// (source_id, item_key) pair exists; the row is never duplicated.
	MarkSeen(ctx context.Context, rec DeliveryRecord) error

	// AppendRun stores a run summary for the audit trail.
	AppendRun(ctx context.Context, rec RunRecord) error

	// PruneBefore deletes deliveries and run rows older than cutoff.
	// Correctness-neutral: dedup only needs to cover the realistic
	// re-delivery window.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}
