package main

import (
	"context"
	"flag"

	"qabridge/internal/scheduler"
	"qabridge/pkg/mcp"
)

// runServe starts the stdio MCP server and the job scheduler; it blocks
// until stdin closes or the process is signaled.
func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	noScheduler := fs.Bool("no-scheduler", false, "serve MCP tools without the job scheduler")
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

	if !*noScheduler {
		sched := scheduler.NewScheduler(st, a, a.logger)
		if err := sched.RecoverMissed(ctx); err != nil {
			a.logger.WarnContext(ctx, "missed-job recovery failed", "error", err)
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = sched.Stop() }()
	}

	srv := mcp.NewBridgeServer(mcp.BridgeServerDeps{
		Triager: a,
		Ranker:  a,
		Vault:   a.vault,
		Store:   st,
		Logger:  a.logger,
	})
	return srv.Serve(ctx)
}
