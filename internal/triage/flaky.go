package triage

import (
	"strings"

	"qabridge/pkg/schema"
)

// Flakiness thresholds. A case needs enough history, frequent
// pass/fail switching, a failure rate that is neither negligible nor
// systemic, and failures that keep producing the same error.
const (
	flakyMinSamples      = 5
	flakySwitchRatio     = 0.12
	flakyMinFailureRate  = 0.05
	flakyMaxFailureRate  = 0.75
	flakySimilarErrRatio = 0.9
)

// failedLikeStatuses are the history statuses counted as failures.
var failedLikeStatuses = map[string]struct{}{
	schema.StatusFailed:  {},
	schema.StatusBlocked: {},
	schema.StatusTestFix: {},
}

func isFailedLike(status string) bool {
	_, ok := failedLikeStatuses[strings.ToUpper(status)]
	return ok
}

// DetectFlakiness decides whether a case is flaky, given its result
// history (newest first) and the normalized error of the current
// failure.
func DetectFlakiness(history []schema.HistoryItem, currentErrorNorm string) bool {
	if len(history) == 0 {
		return false
	}

	var failCount, passCount, switchCount, similarErrFailures int
	lastStatus := ""

	for _, item := range history {
		status := strings.ToUpper(item.Status)
		switch {
		case isFailedLike(status):
			failCount++
			if ErrorsSimilar(currentErrorNorm, NormalizeError(item.Error)) {
				similarErrFailures++
			}
		case status == schema.StatusPassed:
			passCount++
		}

		if lastStatus != "" && lastStatus != status {
			switchCount++
		}
		lastStatus = status
	}

	total := passCount + failCount
	if total < flakyMinSamples || failCount == 0 {
		return false
	}

	switchRatio := float64(switchCount) / float64(total-1)
	failureRate := float64(failCount) / float64(total)
	similarRatio := float64(similarErrFailures) / float64(failCount)

	return switchRatio > flakySwitchRatio &&
		failureRate > flakyMinFailureRate && failureRate < flakyMaxFailureRate &&
		similarRatio >= flakySimilarErrRatio
}
