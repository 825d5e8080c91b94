package triage

import (
	"context"
	"fmt"
	"sort"
)

// closeStaleRoutineIssues closes open routine-labelled issues that were
// not reproduced in this run. Test-fix issues are exempt: flakiness is
// not disproved by one green build. Returns the keys closed.
func (e *Engine) closeStaleRoutineIssues(ctx context.Context, buildID int64, seen map[string]struct{}) ([]string, error) {
	jql := fmt.Sprintf(
		"labels in ('%s') AND labels not in ('%s') AND status = Open",
		e.cfg.RoutineLabel, e.cfg.TestFixLabel)

	open, err := e.jr.SearchIssues(ctx, jql, []string{"key"})
	if err != nil {
		return nil, err
	}

	var stale []string
	for _, issue := range open {
		if _, ok := seen[issue.Key]; !ok {
			stale = append(stale, issue.Key)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	sort.Strings(stale)

	build, err := e.tr.BuildInfo(ctx, buildID)
	if err != nil {
		return nil, err
	}
	comment := fmt.Sprintf("Not reproduced on build %d (git hash %s).", buildID, build.GitHash)

	e.logger.InfoContext(ctx, "closing stale routine issues", "count", len(stale))
	var closed []string
	for _, key := range stale {
		if err := e.jr.CloseIssue(ctx, key, comment); err != nil {
			e.logger.WarnContext(ctx, "failed to close stale issue", "issue", key, "error", err)
			continue
		}
		closed = append(closed, key)
	}
	return closed, nil
}
