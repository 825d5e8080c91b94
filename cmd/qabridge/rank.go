package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"qabridge/internal/rank"
	"qabridge/internal/report"
	"qabridge/pkg/schema"
)

func runRank(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rank", flag.ExitOnError)
	routineID := fs.Int64("routine", 0, "Testray routine ID (default: configured routine)")
	year := fs.Int("year", 0, "calendar year of the window (default: current quarter)")
	monthsFlag := fs.String("months", "", "comma-separated months 1-12 (default: current quarter)")
	topN := fs.Int("top", 0, "number of cases to rank (default: 50)")
	minRuns := fs.Int("min-runs", 0, "minimum runs for a case to be ranked (default: 3)")
	asJSON := fs.Bool("json", false, "emit the JSON report instead of a table")
	filterExpr := fs.String("filter", "", "jq expression applied to the JSON report (implies -json)")
	outPath := fs.String("out", "", "write the report to a file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	months, err := parseMonths(*monthsFlag)
	if err != nil {
		return err
	}

	a, err := newApp(loadConfig())
	if err != nil {
		return err
	}
	defer a.close()

	rcfg := rankConfigWithDefaults(*routineID, *year, months)
	rcfg.TopN = *topN
	rcfg.MinRuns = *minRuns

	rep, err := a.Rank(ctx, rcfg)
	if err != nil {
		return err
	}

	out := os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	if *asJSON || *filterExpr != "" {
		return report.WriteJSON(ctx, out, rep, *filterExpr, nil)
	}

	fmt.Fprintf(out, "Routine %d, %d builds analyzed\n\n", rep.RoutineID, rep.BuildsAnalyzed)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	return rank.WriteTable(w, rep.Cases)
}

func parseMonths(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var months []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 || n > 12 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid month %q", part)
		}
		months = append(months, n)
	}
	return months, nil
}
