package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"qabridge/internal/store"
)

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	routineID := fs.Int64("routine", 0, "filter by routine ID")
	status := fs.String("status", "", "filter by status (running|completed|failed)")
	limit := fs.Int("limit", 20, "maximum number of runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(loadConfig())
	if err != nil {
		return err
	}
	defer a.close()

	st, err := a.ensureStore(ctx)
	if err != nil {
		return err
	}

	runs, err := st.ListTriageRuns(ctx, store.TriageRunFilter{
		RoutineID: *routineID,
		Status:    *status,
		Limit:     *limit,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROUTINE\tBUILD\tTASK\tSTATUS\tSTARTED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			r.ID, r.RoutineID, r.BuildID, r.TaskID, r.Status,
			r.StartedAt.Format(time.RFC3339), r.Error)
	}
	return w.Flush()
}
