package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const usage = `qabridge bridges Testray test results and Jira.

Usage:
  qabridge <command> [flags]

Commands:
  creds     Manage the encrypted Jira credential vault
  triage    Run the triage workflow over a routine's latest build
  rank      Rank a routine's worst-failing cases over a time window
  validate  Validate a failed-tests report or rules file
  jobs      Manage scheduled jobs
  runs      List recorded triage runs
  serve     Run the MCP server and job scheduler
  version   Print the version

Use "qabridge <command> -h" for command flags.`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "creds":
		err = runCreds(ctx, args)
	case "triage":
		err = runTriage(ctx, args)
	case "rank":
		err = runRank(ctx, args)
	case "validate":
		err = runValidate(args)
	case "jobs":
		err = runJobs(ctx, args)
	case "runs":
		err = runRuns(ctx, args)
	case "serve":
		err = runServe(ctx, args)
	case "version":
		printVersion()
	case "help", "-h", "--help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
