package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"qabridge/internal/jira"
	"qabridge/pkg/schema"
)

const (
	githubCompareBase = "https://github.com/liferay/liferay-portal/compare"
	githubTreeMaster  = "https://github.com/liferay/liferay-portal/tree/master"
	rcaToolURL        = "https://test-1-1.liferay.com/job/root-cause-analysis-tool/"
)

// batchInfo maps a case to the CI batch and test selector needed to
// re-run it under the root-cause-analysis tool.
func batchInfo(caseName, caseTypeName string) (batch, selector string) {
	switch caseTypeName {
	case "Playwright Test":
		selector = caseName
		if idx := strings.Index(caseName, " >"); idx >= 0 {
			selector = caseName[:idx]
		}
		return "playwright-js-tomcat101-postgresql163", selector
	case "Automated Functional Test":
		return "functional-tomcat101-postgresql163", caseName
	case "Modules Integration Test":
		parts := strings.Split(caseName, ".")
		trimmed := parts[len(parts)-1]
		return "modules-integration-postgresql163", fmt.Sprintf(`\*\*/src/testIntegration/\*\*/%s.java`, trimmed)
	}
	return "", ""
}

// rcaBlock renders the RCA tool parameters for an issue description.
func rcaBlock(batch, selector, compare string) string {
	return fmt.Sprintf(
		"\nParameters to run Root Cause Analysis on %s :\n"+
			"PORTAL_BATCH_NAME: %s\n"+
			"PORTAL_BATCH_TEST_SELECTOR: %s\n"+
			"PORTAL_BRANCH_SHAS: %s\n"+
			"PORTAL_GITHUB_URL: %s\n"+
			"PORTAL_UPSTREAM_BRANCH_NAME: master",
		rcaToolURL, batch, selector, compare, githubTreeMaster)
}

// caseRow is one line of the failing-cases table in an investigation
// description.
type caseRow struct {
	Name      string
	Component string
	Duration  string
}

// jiraComponents translates Testray component names into the Jira
// component set for a new issue.
func (e *Engine) jiraComponents(componentName string) []string {
	if componentName == "" {
		componentName = "Unknown"
	}
	var out []string
	for _, name := range strings.Split(componentName, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if mapped, ok := e.cfg.ComponentMap[name]; ok {
			name = mapped
		}
		out = append(out, name)
	}
	return out
}

// resultLink builds the browsable URL of a case result.
func (e *Engine) resultLink(buildID, resultID int64) string {
	return fmt.Sprintf("%s#/project/%d/routines/%d/build/%d/case-result/%d",
		e.cfg.TestrayWebURL, e.cfg.TestrayProjectID, e.cfg.RoutineID, buildID, resultID)
}

// subtaskLink builds the browsable URL of a testflow subtask.
func (e *Engine) subtaskLink(taskID, subtaskID int64) string {
	return fmt.Sprintf("%s#/testflow/%d/subtasks/%d", e.cfg.TestrayWebURL, taskID, subtaskID)
}

// buildCaseDurations fetches the durations of the cases involved in the
// given failures from the build's raw case results.
func (e *Engine) buildCaseDurations(ctx context.Context, group []failure, buildID int64) (map[int64]int64, error) {
	interested := make(map[int64]struct{}, len(group))
	for _, f := range group {
		if f.CaseID != 0 {
			interested[f.CaseID] = struct{}{}
		}
	}

	results, err := e.tr.BuildCaseResults(ctx, buildID)
	if err != nil {
		return nil, err
	}

	durations := make(map[int64]int64)
	for _, r := range results {
		if _, ok := interested[r.CaseID]; ok {
			durations[r.CaseID] = r.Duration
		}
	}
	return durations, nil
}

// createInvestigationIssue creates a Jira investigation for a group of
// failures sharing a normalized error. The description carries the
// error, a table of affected cases sorted by duration, and RCA
// parameters when the case type supports them.
func (e *Engine) createInvestigationIssue(ctx context.Context, group []failure, taskID, buildID int64, epicKey string) (*schema.Issue, error) {
	if len(group) == 0 {
		return nil, nil
	}

	durations, err := e.buildCaseDurations(ctx, group, buildID)
	if err != nil {
		return nil, err
	}

	sorted := make([]failure, len(group))
	copy(sorted, group)
	sort.SliceStable(sorted, func(i, j int) bool {
		di, iok := durations[sorted[i].CaseID]
		dj, jok := durations[sorted[j].CaseID]
		if iok != jok {
			return iok
		}
		return di < dj
	})

	first := sorted[0]
	var lines []string
	lines = append(lines,
		"*Unique Failures in Testray Subtask*",
		fmt.Sprintf("[Testray Subtask|%s]", e.subtaskLink(taskID, first.SubtaskID)),
		"",
		"h3. Error",
		fmt.Sprintf("{code}%s{code}", first.Error),
		"")

	var rows []caseRow
	var rcaInfo, componentName string
	for _, f := range sorted {
		info, err := e.tr.CaseInfo(ctx, f.CaseID)
		if err != nil {
			e.logger.WarnContext(ctx, "case lookup failed", "case_id", f.CaseID, "error", err)
			continue
		}

		caseTypeName := "Unknown"
		if info.CaseTypeID != 0 {
			if name, err := e.tr.CaseTypeName(ctx, info.CaseTypeID); err == nil {
				caseTypeName = name
			}
		}
		componentName = "Unknown"
		if f.ComponentID != 0 {
			if name, err := e.tr.ComponentName(ctx, f.ComponentID); err == nil {
				componentName = name
			}
		}

		duration := int64(-1)
		if d, ok := durations[f.CaseID]; ok {
			duration = d
		}
		rows = append(rows, caseRow{
			Name:      info.Name,
			Component: componentName,
			Duration:  FormatDuration(duration),
		})

		if rcaInfo == "" {
			passing, _ := e.lastPassingGitHash(ctx, f.CaseID, buildID)
			failing, _ := e.firstFailingGitHash(ctx, f.CaseID, buildID)
			compare := "###"
			if passing != "" && failing != "" {
				compare = fmt.Sprintf("%s/%s...%s", githubCompareBase, passing, failing)
			}
			if batch, selector := batchInfo(info.Name, caseTypeName); batch != "" {
				rcaInfo = rcaBlock(batch, selector, compare)
			} else {
				rcaInfo = fmt.Sprintf("\nCompare: %s", compare)
			}
		}
	}

	lines = append(lines, "|| Test Name || Component || Duration ||")
	for _, row := range rows {
		lines = append(lines, fmt.Sprintf("| %s | %s | %s |", row.Name, row.Component, row.Duration))
	}
	if rcaInfo != "" {
		lines = append(lines, rcaInfo)
	}

	summary := first.Error
	if len(summary) > 80 {
		summary = summary[:80]
	}

	issue, err := e.jr.CreateIssue(ctx, jira.CreateIssueInput{
		ProjectKey:  e.cfg.ProjectKey,
		IssueType:   "Testing",
		Summary:     fmt.Sprintf("Investigate %s...", summary),
		Description: strings.Join(lines, "\n"),
		EpicKey:     epicKey,
		Components:  e.jiraComponents(componentName),
		Labels:      []string{e.cfg.RoutineLabel},
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "created investigation issue",
		"issue", issue.Key, "subtask_id", first.SubtaskID)
	return issue, nil
}

// createTestFixIssue creates a Test Fix issue for a flaky case result.
func (e *Engine) createTestFixIssue(ctx context.Context, caseID, buildID, resultID int64, resultError, epicKey string) (*schema.Issue, error) {
	info, err := e.tr.CaseInfo(ctx, caseID)
	if err != nil {
		return nil, err
	}

	componentName := "Unknown"
	if info.ComponentID != 0 {
		if name, err := e.tr.ComponentName(ctx, info.ComponentID); err == nil {
			componentName = name
		}
	}

	lines := []string{
		"*Flaky Test Detected in Testray*",
		fmt.Sprintf("[Testray Result|%s]", e.resultLink(buildID, resultID)),
		"",
		"h3. Error",
		fmt.Sprintf("{code}%s{code}", resultError),
		"",
		"h3. Test Details",
		fmt.Sprintf("*Name:* %s", info.Name),
		fmt.Sprintf("*Component:* %s", componentName),
		fmt.Sprintf("*Result ID:* %d", resultID),
	}

	summaryErr := resultError
	if len(summaryErr) > 80 {
		summaryErr = summaryErr[:80]
	}

	issue, err := e.jr.CreateIssue(ctx, jira.CreateIssueInput{
		ProjectKey:  e.cfg.ProjectKey,
		IssueType:   "Testing",
		Summary:     fmt.Sprintf("Test Fix: %s - %s", info.Name, summaryErr),
		Description: strings.Join(lines, "\n"),
		EpicKey:     epicKey,
		Components:  e.jiraComponents(componentName),
		Labels:      []string{e.cfg.RoutineLabel, e.cfg.TestFixLabel},
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "created test fix issue", "issue", issue.Key, "case_id", caseID)
	return issue, nil
}

// HandleFlakyResult resolves a flaky case result: open similar issues
// are reassigned to it, otherwise a new Test Fix issue is created.
// Either way the result moves to TESTFIX.
func (e *Engine) HandleFlakyResult(ctx context.Context, buildID int64, result *schema.CaseResult, epicKey string) (*schema.CaseResultUpdate, *schema.Issue, error) {
	reused, err := e.findSimilarOpenIssues(ctx, result.CaseID, result.Errors)
	if err != nil {
		return nil, nil, err
	}
	if reused != "" {
		return &schema.CaseResultUpdate{
			ID:        result.ID,
			DueStatus: schema.DueStatusTestFix(),
			Issues:    reused,
		}, nil, nil
	}

	issue, err := e.createTestFixIssue(ctx, result.CaseID, buildID, result.ID, result.Errors, epicKey)
	if err != nil {
		return nil, nil, err
	}
	return &schema.CaseResultUpdate{
		ID:        result.ID,
		DueStatus: schema.DueStatusTestFix(),
		Issues:    issue.Key,
	}, issue, nil
}

// IsFlaky reports whether a case result looks flaky: module integration
// tests are never auto-classified, everything else goes through the
// history heuristics.
func (e *Engine) IsFlaky(ctx context.Context, result *schema.CaseResult) (bool, error) {
	info, err := e.tr.CaseInfo(ctx, result.CaseID)
	if err != nil {
		return false, err
	}
	if info.CaseTypeID != 0 {
		name, err := e.tr.CaseTypeName(ctx, info.CaseTypeID)
		if err == nil && name == "Modules Integration Test" {
			return false, nil
		}
	}

	history, err := e.caseHistory(ctx, result.CaseID)
	if err != nil {
		return false, err
	}
	return DetectFlakiness(history, NormalizeError(result.Errors)), nil
}

// FailureAttachmentURL extracts the "Failure Messages" attachment URL
// from a case result, fetching the detailed record first.
func (e *Engine) FailureAttachmentURL(ctx context.Context, resultID int64) (string, error) {
	detailed, err := e.tr.CaseResult(ctx, resultID)
	if err != nil {
		return "", err
	}
	if detailed.Attachments == "" {
		return "", nil
	}

	var attachments []schema.Attachment
	if err := json.Unmarshal([]byte(detailed.Attachments), &attachments); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"case result %d has malformed attachments", resultID).WithCause(err)
	}
	for _, a := range attachments {
		if a.Name == "Failure Messages" {
			return a.URL, nil
		}
	}
	return "", nil
}
