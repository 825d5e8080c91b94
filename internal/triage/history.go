package triage

import (
	"context"
	"strconv"
	"sync"
	"time"

	"qabridge/internal/testray"
	"qabridge/pkg/schema"
)

// memoryHistoryCache is the run-local fallback when no persistent cache
// is wired in.
type memoryHistoryCache struct {
	mu      sync.RWMutex
	entries map[string][]schema.HistoryItem
}

func newMemoryHistoryCache() *memoryHistoryCache {
	return &memoryHistoryCache{entries: make(map[string][]schema.HistoryItem)}
}

func cacheKey(caseID int64, scope string) string {
	return scope + ":" + strconv.FormatInt(caseID, 10)
}

func (c *memoryHistoryCache) Get(_ context.Context, caseID int64, scope string) ([]schema.HistoryItem, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	items, ok := c.entries[cacheKey(caseID, scope)]
	return items, ok, nil
}

func (c *memoryHistoryCache) Put(_ context.Context, caseID int64, scope string, items []schema.HistoryItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(caseID, scope)] = items
	return nil
}

// caseHistory returns the full result history of a case within the
// routine, newest first, consulting the cache first.
func (e *Engine) caseHistory(ctx context.Context, caseID int64) ([]schema.HistoryItem, error) {
	return e.scopedHistory(ctx, caseID, historyScopeAll, "")
}

// caseHistoryNotPassed returns only failed-like history entries.
func (e *Engine) caseHistoryNotPassed(ctx context.Context, caseID int64) ([]schema.HistoryItem, error) {
	return e.scopedHistory(ctx, caseID, historyScopeNotPassed, testray.StatusFailedBlockedTestfix)
}

func (e *Engine) scopedHistory(ctx context.Context, caseID int64, scope, statusFilter string) ([]schema.HistoryItem, error) {
	if items, ok, err := e.cache.Get(ctx, caseID, scope); err != nil {
		return nil, err
	} else if ok {
		return items, nil
	}

	items, err := e.tr.CaseResultHistory(ctx, caseID, e.cfg.RoutineID, statusFilter)
	if err != nil {
		return nil, err
	}
	SortByExecutionDateDesc(items)

	if err := e.cache.Put(ctx, caseID, scope, items); err != nil {
		return nil, err
	}
	return items, nil
}

// findSimilarOpenIssues scans the failed history of a case for entries
// carrying open Jira issues whose error matches the current one.
// Returns the matching open issue keys as a CSV, or "" when no similar
// open issue exists.
func (e *Engine) findSimilarOpenIssues(ctx context.Context, caseID int64, resultError string) (string, error) {
	history, err := e.caseHistoryNotPassed(ctx, caseID)
	if err != nil {
		return "", err
	}

	currentNorm := NormalizeError(resultError)
	seen := make(map[string]struct{})

	for _, past := range history {
		if past.Issues == "" {
			continue
		}

		var open []string
		for _, key := range SplitIssueKeys(past.Issues) {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			status, err := e.jr.IssueStatus(ctx, key)
			if err != nil {
				// Stale references to deleted issues are expected.
				e.logger.WarnContext(ctx, "issue status lookup failed", "issue", key, "error", err)
				continue
			}
			if status != schema.IssueStatusClosed {
				open = append(open, key)
			}
		}
		if len(open) == 0 {
			continue
		}

		if ErrorsSimilar(currentNorm, NormalizeError(past.Error)) {
			return JoinIssueKeys(open), nil
		}
	}
	return "", nil
}

// lastPassingGitHash finds the git hash of the last PASSED run before
// the failure recorded for the given build.
func (e *Engine) lastPassingGitHash(ctx context.Context, caseID, buildID int64) (string, error) {
	history, err := e.caseHistory(ctx, caseID)
	if err != nil {
		return "", err
	}

	forBuild := filterHistoryByBuild(history, buildID)
	if len(forBuild) == 0 {
		return "", nil
	}

	item := lastPassingBefore(history, ParseExecutionDate(forBuild[0].ExecutionDate))
	if item == nil {
		return "", nil
	}
	return item.GitHash, nil
}

// firstFailingGitHash finds the git hash of the first failed-like run
// after the last passing one.
func (e *Engine) firstFailingGitHash(ctx context.Context, caseID, buildID int64) (string, error) {
	history, err := e.caseHistory(ctx, caseID)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "", nil
	}

	forBuild := filterHistoryByBuild(history, buildID)
	if len(forBuild) == 0 {
		return "", nil
	}

	failingDate := ParseExecutionDate(forBuild[0].ExecutionDate)
	lastPassing := lastPassingBefore(history, failingDate)
	if lastPassing == nil {
		return forBuild[0].GitHash, nil
	}

	lastPassDate := ParseExecutionDate(lastPassing.ExecutionDate)
	// Walk oldest-to-newest for the first failure after the last pass.
	for i := len(history) - 1; i >= 0; i-- {
		item := history[i]
		execDate := ParseExecutionDate(item.ExecutionDate)
		if execDate.IsZero() {
			continue
		}
		if execDate.After(lastPassDate) && isFailedLike(item.Status) {
			return item.GitHash, nil
		}
	}
	return "", nil
}

func filterHistoryByBuild(history []schema.HistoryItem, buildID int64) []schema.HistoryItem {
	var filtered []schema.HistoryItem
	for _, item := range history {
		if item.BuildID == buildID {
			filtered = append(filtered, item)
		}
	}
	return filtered
}

// lastPassingBefore returns the newest PASSED entry strictly before the
// cutoff date.
func lastPassingBefore(history []schema.HistoryItem, cutoff time.Time) *schema.HistoryItem {
	if cutoff.IsZero() {
		return nil
	}
	var best *schema.HistoryItem
	var bestDate time.Time
	for i := range history {
		item := &history[i]
		if item.Status != schema.StatusPassed {
			continue
		}
		execDate := ParseExecutionDate(item.ExecutionDate)
		if execDate.IsZero() || !execDate.Before(cutoff) {
			continue
		}
		if best == nil || execDate.After(bestDate) {
			best = item
			bestDate = execDate
		}
	}
	return best
}
