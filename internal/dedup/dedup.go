// Package dedup pre-filters candidate batches against the delivery
// ledger. This is an optimization pass only; the store's uniqueness
// constraint remains the correctness boundary.
package dedup

import (
	"context"
	"fmt"

	"tickerwire/internal/feed"
	"tickerwire/internal/store"
	"tickerwire/pkg/logx"
)

// Above this batch size one bulk key load beats per-item lookups.
const bulkThreshold = 8

type Filter struct {
	store store.Store
	log   logx.Logger
}

func New(st store.Store, log logx.Logger) *Filter {
	return &Filter{store: st, log: log}
}

// FilterNew returns the unseen items in their original order. Items
// repeating a key within the same batch collapse to the first
// occurrence.
func (f *Filter) FilterNew(ctx context.Context, sourceID string, items []feed.Item) ([]feed.Item, error) {
	if len(items) == 0 {
		return nil, nil
	}

	seen, err := f.seenFor(ctx, sourceID, items)
	if err != nil {
		return nil, fmt.Errorf("dedup %s: %w", sourceID, err)
	}

	inBatch := make(map[string]struct{}, len(items))
	fresh := make([]feed.Item, 0, len(items))
	for _, it := range items {
		if _, dup := inBatch[it.Key]; dup {
			continue
		}
		inBatch[it.Key] = struct{}{}
		if _, old := seen[it.Key]; old {
			continue
		}
		fresh = append(fresh, it)
	}

	if dropped := len(items) - len(fresh); dropped > 0 {
		f.log.Debug("filtered known items",
			logx.String("source", sourceID),
			logx.Int("candidates", len(items)),
			logx.Int("fresh", len(fresh)))
	}
	return fresh, nil
}

func (f *Filter) seenFor(ctx context.Context, sourceID string, items []feed.Item) (map[string]struct{}, error) {
	if len(items) >= bulkThreshold {
		return f.store.SeenKeys(ctx, sourceID)
	}
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		ok, err := f.store.HasSeen(ctx, sourceID, it.Key)
		if err != nil {
			return nil, err
		}
		if ok {
			seen[it.Key] = struct{}{}
		}
	}
	return seen, nil
}
