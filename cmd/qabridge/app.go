package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"qabridge/internal/jira"
	"qabridge/internal/logging"
	"qabridge/internal/rank"
	"qabridge/internal/report"
	"qabridge/internal/rules"
	"qabridge/internal/store"
	"qabridge/internal/testray"
	"qabridge/internal/triage"
	"qabridge/internal/vault"
	"qabridge/pkg/schema"
)

// app wires configuration, the vault, the store, and the API clients
// for the CLI commands. It also satisfies the MCP server's Triager and
// Ranker interfaces and the scheduler's CommandRunner.
type app struct {
	cfg    Config
	logger *slog.Logger
	vault  *vault.FileVault

	st *store.LibSQLStore

	// skip overrides the default skip rules when a rules file is loaded.
	skip *rules.Set

	// runEngine executes the triage engine for a pinned run ID.
	// Replaceable in tests.
	runEngine func(ctx context.Context, routineID int64, runID string) (*triage.Outcome, error)
}

func newApp(cfg Config) (*app, error) {
	logger := newLogger(cfg.LogLevel)

	layout, err := vault.DefaultLayout()
	if err != nil {
		return nil, fmt.Errorf("resolve vault layout: %w", err)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		vault:  vault.New(layout, logger),
	}
	a.runEngine = a.runTriageEngine
	return a, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// ensureStore opens and migrates the libSQL store on first use.
func (a *app) ensureStore(ctx context.Context) (*store.LibSQLStore, error) {
	if a.st != nil {
		return a.st, nil
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + a.cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	a.st = st
	return st, nil
}

func (a *app) close() {
	if a.st != nil {
		_ = a.st.Close()
		a.st = nil
	}
}

// testrayClient builds a Testray client from the dotenv OAuth config.
func (a *app) testrayClient() (*testray.Client, error) {
	trCfg, err := testray.ConfigFromEnv(a.cfg.EnvFile)
	if err != nil {
		return nil, err
	}
	return testray.NewClient(trCfg, a.logger), nil
}

// jiraClient resolves credentials (env or vault) and builds a Jira client.
func (a *app) jiraClient() (*jira.Client, error) {
	creds, err := vault.Resolve(a.vault)
	if err != nil {
		return nil, err
	}
	return jira.NewClient(jira.Config{BaseURL: a.cfg.JiraBaseURL}, creds, a.logger), nil
}

// triageEngine assembles the full triage engine for a routine.
func (a *app) triageEngine(ctx context.Context, routineID int64, runID string) (*triage.Engine, error) {
	st, err := a.ensureStore(ctx)
	if err != nil {
		return nil, err
	}
	tr, err := a.testrayClient()
	if err != nil {
		return nil, err
	}
	jr, err := a.jiraClient()
	if err != nil {
		return nil, err
	}

	cfg := triage.Config{
		RoutineID:        routineID,
		RunID:            runID,
		TestrayProjectID: a.cfg.TestrayProjectID,
		ProjectKey:       a.cfg.ProjectKey,
		ProjectName:      a.cfg.ProjectName,
		TeamName:         a.cfg.TeamName,
		TestrayWebURL:    a.cfg.TestrayWebURL,
		ComponentMap:     a.cfg.ComponentMap,
	}
	return triage.NewEngine(cfg, tr, jr, store.NewHistoryCache(st), a.skip, a.logger)
}

// loadSkipRules reads, validates, and compiles a rules file, replacing
// the default skip rules for subsequent triage runs.
func (a *app) loadSkipRules(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}
	validator, err := report.NewValidator()
	if err != nil {
		return err
	}
	if err := validator.ValidateRules(data); err != nil {
		return err
	}
	var rs []rules.Rule
	if err := json.Unmarshal(data, &rs); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "decode rules file").WithCause(err)
	}
	set, err := rules.NewSet(rs)
	if err != nil {
		return err
	}
	a.skip = set
	return nil
}

// runTriageEngine builds the real triage engine and executes it.
func (a *app) runTriageEngine(ctx context.Context, routineID int64, runID string) (*triage.Outcome, error) {
	engine, err := a.triageEngine(ctx, routineID, runID)
	if err != nil {
		return nil, err
	}
	return engine.Run(ctx)
}

// Triage runs the triage workflow and records the run in the store.
// The run record is created before the engine starts so in-flight runs
// show up in listings with their real start time.
func (a *app) Triage(ctx context.Context, routineID int64) (*triage.Outcome, error) {
	if routineID == 0 {
		routineID = a.cfg.RoutineID
	}
	if routineID == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "no routine ID configured")
	}

	st, err := a.ensureStore(ctx)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	record := &store.TriageRun{ID: runID, RoutineID: routineID, StartedAt: time.Now().UTC()}
	if err := st.CreateTriageRun(ctx, record); err != nil {
		a.logger.WarnContext(ctx, "failed to record triage run", "error", err)
	}

	outcome, runErr := a.runEngine(ctx, routineID, runID)
	if runErr != nil {
		_ = st.FinishTriageRun(ctx, runID, store.RunStatusFailed, nil, runErr.Error())
		return nil, runErr
	}

	raw, _ := json.Marshal(outcome)
	_ = st.FinishTriageRun(ctx, runID, store.RunStatusCompleted, raw, "")
	return outcome, nil
}

// Rank runs the failure ranking and assembles the exported report.
func (a *app) Rank(ctx context.Context, rcfg rank.Config) (*report.FailedTestsReport, error) {
	if rcfg.RoutineID == 0 {
		rcfg.RoutineID = a.cfg.RoutineID
	}
	tr, err := a.testrayClient()
	if err != nil {
		return nil, err
	}
	ranker, err := rank.New(rcfg, tr, a.logger)
	if err != nil {
		return nil, err
	}
	ranked, err := ranker.Rank(ctx)
	if err != nil {
		return nil, err
	}

	// Runs are normalized to the analyzed build count, so any entry
	// carries it.
	analyzed := 0
	if len(ranked) > 0 {
		analyzed = ranked[0].Runs
	}
	return report.NewFailedTestsReport(rcfg, analyzed, ranked), nil
}

// RunCommand dispatches a scheduled job to the matching workflow.
func (a *app) RunCommand(ctx context.Context, command string, params json.RawMessage) error {
	switch command {
	case "triage":
		var p struct {
			RoutineID int64 `json:"routineId"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return schema.NewError(schema.ErrCodeValidation, "decode triage job params").WithCause(err)
			}
		}
		_, err := a.Triage(ctx, p.RoutineID)
		return err
	case "rank":
		var p struct {
			RoutineID int64 `json:"routineId"`
			Year      int   `json:"year"`
			Months    []int `json:"months"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return schema.NewError(schema.ErrCodeValidation, "decode rank job params").WithCause(err)
			}
		}
		rcfg := rankConfigWithDefaults(p.RoutineID, p.Year, p.Months)
		rep, err := a.Rank(ctx, rcfg)
		if err != nil {
			return err
		}
		return report.WriteJSON(ctx, os.Stdout, rep, "", nil)
	case "prune-history":
		st, err := a.ensureStore(ctx)
		if err != nil {
			return err
		}
		maxAge := int64(a.cfg.HistoryMaxAgeHours) * 3600
		pruned, err := st.PruneCaseHistory(ctx, maxAge)
		if err != nil {
			return err
		}
		a.logger.InfoContext(ctx, "pruned case history cache", "entries", pruned)
		return nil
	case "vacuum":
		st, err := a.ensureStore(ctx)
		if err != nil {
			return err
		}
		return st.Vacuum(ctx)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown job command %q", command)
	}
}

// rankConfigWithDefaults fills in the current quarter when no window is given.
func rankConfigWithDefaults(routineID int64, year int, months []int) rank.Config {
	cfg := rank.Config{RoutineID: routineID, Year: year}
	for _, m := range months {
		cfg.Months = append(cfg.Months, time.Month(m))
	}
	if cfg.Year == 0 || len(cfg.Months) == 0 {
		q := triage.QuarterOf(time.Now().UTC())
		if cfg.Year == 0 {
			cfg.Year = q.Year
		}
		if len(cfg.Months) == 0 {
			start := q.Start.Month()
			cfg.Months = []time.Month{start, start + 1, start + 2}
		}
	}
	return cfg
}
