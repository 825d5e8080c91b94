package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"qabridge/internal/scheduler"
	"qabridge/internal/store"
)

const jobsUsage = `Usage:
  qabridge jobs list
  qabridge jobs add -name <name> -cron <expr> -command <triage|rank|prune-history|vacuum> [-params <json>]
  qabridge jobs enable <id>
  qabridge jobs disable <id>
  qabridge jobs rm <id>`

func runJobs(ctx context.Context, args []string) error {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, jobsUsage)
		return fmt.Errorf("jobs requires a subcommand")
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
	sched := scheduler.NewScheduler(st, a, a.logger)

	switch args[0] {
	case "list":
		return listJobs(ctx, st)
	case "add":
		return addJob(ctx, st, sched, args[1:])
	case "enable", "disable":
		if len(args) < 2 {
			return fmt.Errorf("jobs %s requires a job ID", args[0])
		}
		enabled := args[0] == "enable"
		return st.UpdateScheduledJob(ctx, args[1], store.ScheduledJobUpdate{Enabled: &enabled})
	case "rm":
		if len(args) < 2 {
			return fmt.Errorf("jobs rm requires a job ID")
		}
		return st.DeleteScheduledJob(ctx, args[1])
	default:
		fmt.Fprintln(os.Stderr, jobsUsage)
		return fmt.Errorf("unknown jobs subcommand %q", args[0])
	}
}

func listJobs(ctx context.Context, st store.Store) error {
	jobs, err := st.ListScheduledJobs(ctx, false)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCRON\tCOMMAND\tENABLED\tNEXT RUN")
	for _, j := range jobs {
		next := "-"
		if j.NextRunAt != nil {
			next = j.NextRunAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", j.ID, j.Name, j.CronExpr, j.Command, j.Enabled, next)
	}
	return w.Flush()
}

func addJob(ctx context.Context, st store.Store, sched *scheduler.Scheduler, args []string) error {
	fs := flag.NewFlagSet("jobs add", flag.ExitOnError)
	name := fs.String("name", "", "unique job name")
	cronExpr := fs.String("cron", "", "cron expression (five fields)")
	command := fs.String("command", "", "job command")
	params := fs.String("params", "", "JSON parameters for the command")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" || *cronExpr == "" || *command == "" {
		return fmt.Errorf("jobs add requires -name, -cron, and -command")
	}
	if *params != "" && !json.Valid([]byte(*params)) {
		return fmt.Errorf("-params must be valid JSON")
	}

	next, err := sched.CalculateNextRun(*cronExpr, time.Now().UTC())
	if err != nil {
		return err
	}

	job := &store.ScheduledJob{
		ID:        uuid.New().String(),
		Name:      *name,
		CronExpr:  *cronExpr,
		Command:   *command,
		Enabled:   true,
		NextRunAt: &next,
	}
	if *params != "" {
		job.Params = json.RawMessage(*params)
	}
	if err := st.CreateScheduledJob(ctx, job); err != nil {
		return err
	}
	fmt.Printf("job %s created, next run %s\n", job.ID, next.Format(time.RFC3339))
	return nil
}
