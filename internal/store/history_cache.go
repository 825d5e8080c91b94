package store

import (
	"context"

	"qabridge/pkg/schema"
)

// HistoryCache adapts a Store to the triage engine's history cache
// contract, so case histories persist across runs.
type HistoryCache struct {
	s Store
}

// NewHistoryCache wraps a Store as a case history cache.
func NewHistoryCache(s Store) *HistoryCache {
	return &HistoryCache{s: s}
}

func (c *HistoryCache) Get(ctx context.Context, caseID int64, scope string) ([]schema.HistoryItem, bool, error) {
	return c.s.GetCaseHistory(ctx, caseID, scope)
}

func (c *HistoryCache) Put(ctx context.Context, caseID int64, scope string, items []schema.HistoryItem) error {
	return c.s.PutCaseHistory(ctx, caseID, scope, items)
}
