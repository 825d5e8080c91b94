package main

import (
	"context"
	"flag"
	"os"

	"qabridge/internal/report"
)

func runTriage(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("triage", flag.ExitOnError)
	routineID := fs.Int64("routine", 0, "Testray routine ID (default: configured routine)")
	rulesFile := fs.String("rules", "", "JSON rules file overriding the default skip rules")
	filterExpr := fs.String("filter", "", "jq expression applied to the JSON outcome")
	outPath := fs.String("out", "", "write the outcome to a file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(loadConfig())
	if err != nil {
		return err
	}
	defer a.close()

	if *rulesFile != "" {
		if err := a.loadSkipRules(*rulesFile); err != nil {
			return err
		}
	}

	outcome, err := a.Triage(ctx, *routineID)
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
	return report.WriteJSON(ctx, out, outcome, *filterExpr, nil)
}
