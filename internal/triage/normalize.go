package triage

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"qabridge/pkg/schema"
)

var (
	timestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[\sT]\d{2}:\d{2}:\d{2}`)
	addressRe   = regexp.MustCompile(`0x[0-9A-Fa-f]+`)
	durationRe  = regexp.MustCompile(`\d+\s*(ms|s|seconds|minutes|m)`)
	quotedRe    = regexp.MustCompile(`".*?"`)
)

// NormalizeError cleans an error message for comparison and grouping:
// whitespace is collapsed and volatile fragments (timestamps, memory
// addresses, durations, quoted values) are stripped or replaced.
func NormalizeError(err string) string {
	if err == "" {
		return ""
	}
	s := strings.Join(strings.Fields(strings.TrimSpace(err)), " ")
	s = timestampRe.ReplaceAllString(s, "")
	s = addressRe.ReplaceAllString(s, "")
	s = durationRe.ReplaceAllString(s, "")
	s = quotedRe.ReplaceAllString(s, `"..."`)
	return s
}

// errorSimilarityThreshold is the minimum token overlap for two
// normalized errors to be considered the same failure.
const errorSimilarityThreshold = 0.8

// ErrorsSimilar reports whether two normalized error messages describe
// the same failure, using Jaccard similarity over their tokens.
func ErrorsSimilar(a, b string) bool {
	if a == b {
		return a != ""
	}
	if a == "" || b == "" {
		return false
	}

	tokensA := tokenSet(a)
	tokensB := tokenSet(b)

	intersection := 0
	for tok := range tokensA {
		if _, ok := tokensB[tok]; ok {
			intersection++
		}
	}
	union := len(tokensA) + len(tokensB) - intersection
	if union == 0 {
		return false
	}
	return float64(intersection)/float64(union) >= errorSimilarityThreshold
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[tok] = struct{}{}
	}
	return set
}

// ParseExecutionDate parses the timestamp formats the service emits.
// Accepts ISO 8601 with or without fractional seconds, a trailing Z,
// and either T or space as the date/time separator. Returns the zero
// time when nothing matches.
func ParseExecutionDate(s string) time.Time {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "Z")
	s = strings.ReplaceAll(s, "T", " ")

	for _, layout := range []string{
		"2006-01-02 15:04:05.999999",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// FormatDuration renders milliseconds as "3m 42s". Negative values are
// unknown and render as "N/A".
func FormatDuration(ms int64) string {
	if ms < 0 {
		return "N/A"
	}
	minutes := ms / 60000
	seconds := (ms % 60000) / 1000
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}

// QuarterInfo describes the calendar quarter a date falls in.
type QuarterInfo struct {
	Start  time.Time
	Number int
	Year   int
}

// QuarterOf returns the quarter containing the given date.
func QuarterOf(now time.Time) QuarterInfo {
	month := now.Month()
	year := now.Year()

	var startMonth time.Month
	var number int
	switch {
	case month <= time.March:
		startMonth, number = time.January, 1
	case month <= time.June:
		startMonth, number = time.April, 2
	case month <= time.September:
		startMonth, number = time.July, 3
	default:
		startMonth, number = time.October, 4
	}

	return QuarterInfo{
		Start:  time.Date(year, startMonth, 1, 0, 0, 0, 0, time.UTC),
		Number: number,
		Year:   year,
	}
}

// SortByExecutionDateDesc orders history entries newest first.
// Entries with unparseable dates sink to the end.
func SortByExecutionDateDesc(items []schema.HistoryItem) {
	sort.SliceStable(items, func(i, j int) bool {
		return ParseExecutionDate(items[i].ExecutionDate).After(ParseExecutionDate(items[j].ExecutionDate))
	})
}

// SplitIssueKeys splits a comma-separated issues string into trimmed,
// non-empty keys.
func SplitIssueKeys(s string) []string {
	if s == "" {
		return nil
	}
	var keys []string
	for _, part := range strings.Split(s, ",") {
		if key := strings.TrimSpace(part); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// JoinIssueKeys merges issue strings (each possibly a CSV) into one
// sorted, deduplicated "A, B" string. Empty input yields "".
func JoinIssueKeys(chunks []string) string {
	set := make(map[string]struct{})
	for _, chunk := range chunks {
		for _, key := range SplitIssueKeys(chunk) {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return ""
	}
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
