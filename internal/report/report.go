package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"qabridge/internal/rank"
)

// FailedTestsReport is the exported JSON form of a failure ranking.
type FailedTestsReport struct {
	GeneratedAt    string           `json:"generatedAt"`
	RoutineID      int64            `json:"routineId"`
	Year           int              `json:"year,omitempty"`
	Months         []int            `json:"months,omitempty"`
	BuildsAnalyzed int              `json:"buildsAnalyzed"`
	Cases          []rank.CaseStats `json:"cases"`
}

// NewFailedTestsReport assembles a report from a ranking run.
func NewFailedTestsReport(cfg rank.Config, analyzed int, cases []rank.CaseStats) *FailedTestsReport {
	months := make([]int, 0, len(cfg.Months))
	for _, m := range cfg.Months {
		months = append(months, int(m))
	}
	if cases == nil {
		cases = []rank.CaseStats{}
	}
	return &FailedTestsReport{
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		RoutineID:      cfg.RoutineID,
		Year:           cfg.Year,
		Months:         months,
		BuildsAnalyzed: analyzed,
		Cases:          cases,
	}
}

// WriteJSON writes a document as indented JSON, optionally reshaped by a
// jq filter expression first.
func WriteJSON(ctx context.Context, w io.Writer, doc any, filterExpr string, filter *Filter) error {
	out := doc
	if filterExpr != "" {
		if filter == nil {
			filter = NewFilter()
		}
		filtered, err := filter.Apply(ctx, filterExpr, doc)
		if err != nil {
			return err
		}
		out = filtered
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
