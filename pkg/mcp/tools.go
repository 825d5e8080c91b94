package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"qabridge/internal/rank"
	"qabridge/internal/store"
	"qabridge/internal/vault"
	"qabridge/pkg/schema"
)

// handleTriage runs the triage workflow for a routine.
func (s *BridgeServer) handleTriage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	routineID, err := req.RequireFloat("routine_id")
	if err != nil || routineID <= 0 {
		return mcp.NewToolResultError("routine_id is required"), nil
	}
	if s.triager == nil {
		return mcp.NewToolResultError("triage is not configured"), nil
	}

	outcome, runErr := s.triager.Triage(ctx, int64(routineID))
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("triage failed: %v", runErr)), nil
	}
	return marshalResult(outcome)
}

// handleRank runs the failure ranking for a routine window.
func (s *BridgeServer) handleRank(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	routineID, err := req.RequireFloat("routine_id")
	if err != nil || routineID <= 0 {
		return mcp.NewToolResultError("routine_id is required"), nil
	}
	year, err := req.RequireFloat("year")
	if err != nil || year <= 0 {
		return mcp.NewToolResultError("year is required"), nil
	}
	months := extractMonths(req.GetArguments()["months"])
	if len(months) == 0 {
		return mcp.NewToolResultError("months is required and must list values between 1 and 12"), nil
	}
	if s.ranker == nil {
		return mcp.NewToolResultError("ranking is not configured"), nil
	}

	cfg := rank.Config{
		RoutineID: int64(routineID),
		Year:      int(year),
		Months:    months,
		TopN:      int(req.GetFloat("top_n", 0)),
		MinRuns:   int(req.GetFloat("min_runs", 0)),
	}

	rep, rankErr := s.ranker.Rank(ctx, cfg)
	if rankErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("rank failed: %v", rankErr)), nil
	}
	return marshalResult(rep)
}

// handleVaultStatus reports the vault state without touching secret material
// beyond a decryption attempt.
func (s *BridgeServer) handleVaultStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if os.Getenv(vault.EnvToken) != "" {
		return marshalResult(map[string]any{
			"status": "env_override",
			"detail": "credentials resolved from environment variables, vault bypassed",
		})
	}
	if s.vault == nil {
		return mcp.NewToolResultError("vault is not configured"), nil
	}

	_, err := s.vault.Unlock()
	if err == nil {
		return marshalResult(map[string]any{"status": "unlocked"})
	}

	status := "error"
	switch schema.CodeOf(err) {
	case schema.ErrCodeVaultNotInitialized:
		status = "not_initialized"
	case schema.ErrCodeCorruptVault:
		status = "corrupt"
	}
	return marshalResult(map[string]any{
		"status": status,
		"detail": err.Error(),
	})
}

// handleQuery lists past triage runs or scheduled jobs.
func (s *BridgeServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	if s.store == nil {
		return mcp.NewToolResultError("store is not configured"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "jobs":
		return s.queryJobs(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

func (s *BridgeServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.TriageRunFilter{
		RoutineID: int64(extractInt(filter, "routine_id", 0)),
		Limit:     extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok {
		rf.Status = status
	}

	runs, err := s.store.ListTriageRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *BridgeServer) queryJobs(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	enabledOnly := false
	if v, ok := filter["enabled_only"].(bool); ok {
		enabledOnly = v
	}

	jobs, err := s.store.ListScheduledJobs(ctx, enabledOnly)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"jobs": jobs})
}

// --- Internal helpers ---

// extractMonths converts the raw months argument into valid time.Months.
func extractMonths(raw any) []time.Month {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	months := make([]time.Month, 0, len(items))
	for _, item := range items {
		var n int
		switch v := item.(type) {
		case float64:
			n = int(v)
		case int:
			n = v
		case string:
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return nil
			}
			n = parsed
		default:
			return nil
		}
		if n < 1 || n > 12 {
			return nil
		}
		months = append(months, time.Month(n))
	}
	return months
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
