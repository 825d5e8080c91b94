package rank

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"qabridge/internal/triage"
	"qabridge/pkg/schema"
)

// TestrayService is the slice of the Testray API the ranking needs.
type TestrayService interface {
	RoutineBuilds(ctx context.Context, routineID int64) ([]schema.Build, error)
	BuildCaseResults(ctx context.Context, buildID int64) ([]schema.CaseResult, error)
	BuildCasesInfo(ctx context.Context, buildID int64) ([]schema.CaseResult, error)
	ComponentName(ctx context.Context, componentID int64) (string, error)
}

// Config selects the builds and cases to rank.
type Config struct {
	RoutineID int64
	Year      int
	Months    []time.Month

	// TopN and MinRuns bound the ranking output.
	TopN    int
	MinRuns int

	// IgnoreCaseSubstrings drops cases whose name contains any of them.
	IgnoreCaseSubstrings []string
}

func (c Config) withDefaults() Config {
	if c.TopN <= 0 {
		c.TopN = 50
	}
	if c.MinRuns <= 0 {
		c.MinRuns = 3
	}
	if c.IgnoreCaseSubstrings == nil {
		c.IgnoreCaseSubstrings = []string{"PortalLogAssertorTest-modules", "Top Level Build"}
	}
	return c
}

// CaseStats aggregates one case's results across the analyzed builds.
// Every case is assumed to run in every analyzed build, so Runs equals
// the number of builds.
type CaseStats struct {
	CaseID      int64   `json:"caseId"`
	Name        string  `json:"name"`
	ComponentID int64   `json:"componentId,omitempty"`
	Component   string  `json:"component,omitempty"`
	Runs        int     `json:"runs"`
	Fails       int     `json:"fails"`
	FailRatio   float64 `json:"failRatio"`
	Issues      string  `json:"issues,omitempty"`
}

// failedLike mirrors the statuses the triage flow counts as failures.
var failedLike = map[string]struct{}{
	schema.StatusFailed:  {},
	schema.StatusBlocked: {},
	schema.StatusTestFix: {},
}

// Ranker computes the worst-failing-cases ranking for a routine.
type Ranker struct {
	cfg    Config
	tr     TestrayService
	logger *slog.Logger
}

// New creates a Ranker.
func New(cfg Config, tr TestrayService, logger *slog.Logger) (*Ranker, error) {
	if tr == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "ranker requires a Testray service")
	}
	if cfg.RoutineID == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "ranker requires a routine ID")
	}
	if cfg.Year == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "ranker requires a year")
	}
	if len(cfg.Months) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "ranker requires at least one month")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ranker{cfg: cfg.withDefaults(), tr: tr, logger: logger}, nil
}

// Collect walks the routine's builds in the configured window and
// aggregates per-case failure counts and linked issues.
func (r *Ranker) Collect(ctx context.Context) (map[int64]*CaseStats, int, error) {
	builds, err := r.tr.RoutineBuilds(ctx, r.cfg.RoutineID)
	if err != nil {
		return nil, 0, err
	}

	stats := make(map[int64]*CaseStats)
	issueSets := make(map[int64]map[string]struct{})
	analyzed := 0

	for _, build := range builds {
		if !r.inWindow(build.DueDate) {
			continue
		}
		analyzed++
		r.logger.InfoContext(ctx, "processing build", "build", build.Name, "build_id", build.ID)

		meta, err := r.caseMeta(ctx, build.ID)
		if err != nil {
			return nil, 0, err
		}

		results, err := r.tr.BuildCaseResults(ctx, build.ID)
		if err != nil {
			return nil, 0, err
		}

		for _, result := range results {
			caseID := result.CaseID
			if caseID == 0 {
				continue
			}
			m, ok := meta[caseID]
			if !ok || r.ignored(m.Name) {
				continue
			}

			s, ok := stats[caseID]
			if !ok {
				s = &CaseStats{CaseID: caseID, Name: m.Name, ComponentID: m.ComponentID}
				stats[caseID] = s
				issueSets[caseID] = make(map[string]struct{})
			}

			if _, bad := failedLike[result.DueStatus.Key]; bad {
				s.Fails++
			}
			for _, key := range triage.SplitIssueKeys(result.Issues) {
				issueSets[caseID][key] = struct{}{}
			}
		}
	}

	// Runs are normalized to the number of analyzed builds.
	for caseID, s := range stats {
		s.Runs = analyzed
		keys := make([]string, 0, len(issueSets[caseID]))
		for key := range issueSets[caseID] {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		s.Issues = strings.Join(keys, ", ")
	}

	return stats, analyzed, nil
}

// Rank orders cases by fail ratio (ties broken by fails, then runs),
// drops low-sample cases, and resolves component names for the top
// entries only.
func (r *Ranker) Rank(ctx context.Context) ([]CaseStats, error) {
	stats, _, err := r.Collect(ctx)
	if err != nil {
		return nil, err
	}

	ranked := make([]CaseStats, 0, len(stats))
	for _, s := range stats {
		if s.Runs < r.cfg.MinRuns {
			continue
		}
		s.FailRatio = float64(s.Fails) / float64(s.Runs)
		ranked = append(ranked, *s)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].FailRatio != ranked[j].FailRatio {
			return ranked[i].FailRatio > ranked[j].FailRatio
		}
		if ranked[i].Fails != ranked[j].Fails {
			return ranked[i].Fails > ranked[j].Fails
		}
		return ranked[i].Runs > ranked[j].Runs
	})

	if len(ranked) > r.cfg.TopN {
		ranked = ranked[:r.cfg.TopN]
	}

	// Component names only for the surviving entries.
	cache := make(map[int64]string)
	for i := range ranked {
		ranked[i].Component = r.componentName(ctx, ranked[i].ComponentID, cache)
	}
	return ranked, nil
}

func (r *Ranker) componentName(ctx context.Context, componentID int64, cache map[int64]string) string {
	if componentID == 0 {
		return "Unknown"
	}
	if name, ok := cache[componentID]; ok {
		return name
	}
	name, err := r.tr.ComponentName(ctx, componentID)
	if err != nil || name == "" {
		name = fmt.Sprintf("Component %d", componentID)
	}
	cache[componentID] = name
	return name
}

func (r *Ranker) inWindow(dueDate string) bool {
	if dueDate == "" {
		return false
	}
	dt := triage.ParseExecutionDate(dueDate)
	if dt.IsZero() {
		return false
	}
	if dt.Year() != r.cfg.Year {
		return false
	}
	for _, m := range r.cfg.Months {
		if dt.Month() == m {
			return true
		}
	}
	return false
}

func (r *Ranker) ignored(caseName string) bool {
	for _, sub := range r.cfg.IgnoreCaseSubstrings {
		if strings.Contains(caseName, sub) {
			return true
		}
	}
	return false
}

type caseMeta struct {
	Name        string
	ComponentID int64
}

// caseMeta bulk-loads case names and components for a build.
func (r *Ranker) caseMeta(ctx context.Context, buildID int64) (map[int64]caseMeta, error) {
	items, err := r.tr.BuildCasesInfo(ctx, buildID)
	if err != nil {
		return nil, err
	}

	meta := make(map[int64]caseMeta, len(items))
	for _, item := range items {
		caseID := item.CaseID
		name := ""
		var componentID int64
		if item.Case != nil {
			if item.Case.ID != 0 {
				caseID = item.Case.ID
			}
			name = item.Case.Name
			componentID = item.Case.ComponentID
		}
		if caseID == 0 {
			continue
		}
		if name == "" {
			name = fmt.Sprintf("Case %d", caseID)
		}
		meta[caseID] = caseMeta{Name: name, ComponentID: componentID}
	}
	return meta, nil
}

// WriteTable renders the ranking as an aligned text table.
func WriteTable(w *tabwriter.Writer, ranked []CaseStats) error {
	fmt.Fprintln(w, "CASE ID\tFAILS\tRUNS\tFAIL %\tCOMPONENT\tISSUES\tNAME")
	for _, c := range ranked {
		fmt.Fprintf(w, "%d\t%d\t%d\t%.1f%%\t%s\t%s\t%s\n",
			c.CaseID, c.Fails, c.Runs, c.FailRatio*100, c.Component, c.Issues, c.Name)
	}
	return w.Flush()
}
