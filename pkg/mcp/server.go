package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"qabridge/internal/rank"
	"qabridge/internal/report"
	"qabridge/internal/store"
	"qabridge/internal/triage"
	"qabridge/internal/vault"
)

// Triager runs a triage pass for a routine. Satisfied by the CLI
// command layer, which owns client construction.
type Triager interface {
	Triage(ctx context.Context, routineID int64) (*triage.Outcome, error)
}

// Ranker runs a failure ranking and returns the exported report.
type Ranker interface {
	Rank(ctx context.Context, cfg rank.Config) (*report.FailedTestsReport, error)
}

// BridgeServerDeps holds the dependencies for creating a BridgeServer.
type BridgeServerDeps struct {
	Triager Triager
	Ranker  Ranker
	Vault   vault.Vault
	Store   store.Store
	Logger  *slog.Logger
}

// BridgeServer wraps an MCP server with qabridge tool handlers.
type BridgeServer struct {
	triager   Triager
	ranker    Ranker
	vault     vault.Vault
	store     store.Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewBridgeServer creates a new BridgeServer with all 4 tools registered.
func NewBridgeServer(deps BridgeServerDeps) *BridgeServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &BridgeServer{
		triager: deps.Triager,
		ranker:  deps.Ranker,
		vault:   deps.Vault,
		store:   deps.Store,
		logger:  logger,
	}

	mcpSrv := server.NewMCPServer(
		"qabridge",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("qabridge bridges Testray test results and Jira. Use qabridge.triage to analyze a routine's latest build, qabridge.rank to rank the worst-failing cases, qabridge.vault_status to inspect the credential vault, and qabridge.query to list past runs and scheduled jobs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *BridgeServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *BridgeServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *BridgeServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: triageTool(), Handler: s.handleTriage},
		{Tool: rankTool(), Handler: s.handleRank},
		{Tool: vaultStatusTool(), Handler: s.handleVaultStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func triageTool() mcp.Tool {
	return mcp.NewTool("qabridge.triage",
		mcp.WithDescription("Run the triage workflow over a routine's latest completed build: create or reuse the analysis task, group unique failures, file or reuse Jira issues, and close stale ones"),
		mcp.WithNumber("routine_id", mcp.Required(), mcp.Description("Testray routine ID to triage")),
	)
}

func rankTool() mcp.Tool {
	return mcp.NewTool("qabridge.rank",
		mcp.WithDescription("Rank a routine's worst-failing cases over a year/month window"),
		mcp.WithNumber("routine_id", mcp.Required(), mcp.Description("Testray routine ID")),
		mcp.WithNumber("year", mcp.Required(), mcp.Description("Calendar year of the analysis window")),
		mcp.WithArray("months", mcp.Required(), mcp.Description("Months (1-12) inside the year to analyze")),
		mcp.WithNumber("top_n", mcp.Description("Number of cases to return (default: 50)")),
		mcp.WithNumber("min_runs", mcp.Description("Minimum runs for a case to be ranked (default: 3)")),
	)
}

func vaultStatusTool() mcp.Tool {
	return mcp.NewTool("qabridge.vault_status",
		mcp.WithDescription("Report the credential vault state without exposing any secret material"),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("qabridge.query",
		mcp.WithDescription("Query past triage runs or scheduled jobs"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "jobs"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (routine_id, status, limit, enabled_only)")),
	)
}
