// Package mcpserver registers MCP tools that trigger and inspect chat
// session sync.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/alexjbarnes/chat-sync/internal/synchronization"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Syncer runs and reports on reconciliations. *synchronization.Synchronizer
// satisfies it.
type Syncer interface {
	Synchronize(ctx context.Context) (*synchronization.Report, error)
	Phase() synchronization.Phase
}

// History reads and prunes run bookkeeping. *state.State satisfies it.
type History interface {
	LastRun() (*state.SyncRun, error)
	AllConflicts() ([]state.ConflictRecord, error)
	DeleteConflict(id string) error
}

// Deps are the collaborators the tools act on.
type Deps struct {
	Syncer  Syncer
	History History
	Local   synchronization.LocalStore
	Logger  *slog.Logger
}

// RegisterTools adds all sync tools to the given MCP server.
func RegisterTools(server *mcp.Server, deps Deps) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Run one sync with the remote store now and wait for it to finish. Waits for any sync already in progress. Returns which sessions were uploaded, downloaded, or in conflict.",
	}, syncNowHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Report the current sync phase and the outcome of the most recent run.",
	}, statusHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_sessions",
		Description: "List every local chat session with its content hash and update time. No session content.",
	}, listSessionsHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_conflicts",
		Description: "List sessions whose remote copy was overwritten without either side being newer. Each entry carries a diff-match-patch patch that turns the local document into the lost remote one.",
	}, listConflictsHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "clear_conflict",
		Description: "Discard the preserved remote copy for one session once it has been reviewed.",
	}, clearConflictHandler(deps))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// SyncNowInput has no parameters.
type SyncNowInput struct{}

// StatusInput has no parameters.
type StatusInput struct{}

// ListSessionsInput has no parameters.
type ListSessionsInput struct{}

// ListConflictsInput has no parameters.
type ListConflictsInput struct{}

// ClearConflictInput holds parameters for clear_conflict.
type ClearConflictInput struct {
	ID string `json:"id" jsonschema:"required,session id of the conflict to clear"`
}

// --- Output types ---

// SyncResult summarizes a finished run.
type SyncResult struct {
	RunID          string   `json:"run_id"`
	Outcome        string   `json:"outcome"`
	Uploaded       []string `json:"uploaded"`
	Downloaded     []string `json:"downloaded"`
	Conflicts      []string `json:"conflicts"`
	ReloadRequired bool     `json:"reload_required"`
}

// RunInfo is a recorded run. Times are RFC 3339.
type RunInfo struct {
	ID         string   `json:"id"`
	StartedAt  string   `json:"started_at"`
	FinishedAt string   `json:"finished_at"`
	Outcome    string   `json:"outcome,omitempty"`
	Uploaded   []string `json:"uploaded"`
	Downloaded []string `json:"downloaded"`
	Conflicts  []string `json:"conflicts"`
	Error      string   `json:"error,omitempty"`
}

// StatusResult is the output of sync_status.
type StatusResult struct {
	Phase   string   `json:"phase"`
	LastRun *RunInfo `json:"last_run,omitempty"`
}

// SessionInfo describes one local session.
type SessionInfo struct {
	ID         string `json:"id"`
	Hash       string `json:"hash"`
	UpdateTime *int64 `json:"update_time,omitempty"`
}

// SessionsResult is the output of list_sessions.
type SessionsResult struct {
	Hash     string        `json:"hash"`
	Count    int           `json:"count"`
	Sessions []SessionInfo `json:"sessions"`
}

// ConflictInfo is a preserved conflict.
type ConflictInfo struct {
	ID         string `json:"id"`
	LocalHash  string `json:"local_hash"`
	RemoteHash string `json:"remote_hash"`
	DetectedAt string `json:"detected_at"`
	Patch      string `json:"patch"`
}

// ConflictsResult is the output of list_conflicts.
type ConflictsResult struct {
	Count     int            `json:"count"`
	Conflicts []ConflictInfo `json:"conflicts"`
}

// ClearResult is the output of clear_conflict.
type ClearResult struct {
	ID      string `json:"id"`
	Cleared bool   `json:"cleared"`
}

// --- Handlers ---

func syncNowHandler(deps Deps) mcp.ToolHandlerFor[SyncNowInput, *SyncResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SyncNowInput) (*mcp.CallToolResult, *SyncResult, error) {
		report, err := deps.Syncer.Synchronize(ctx)
		if err != nil {
			deps.Logger.Warn("manual sync failed", slog.String("error", err.Error()))
			return nil, nil, fmt.Errorf("sync failed: %w", err)
		}

		result := &SyncResult{
			RunID:          report.RunID,
			Outcome:        string(report.Outcome),
			Uploaded:       nonNil(report.Uploaded),
			Downloaded:     nonNil(report.Downloaded),
			Conflicts:      nonNil(report.Conflicts),
			ReloadRequired: report.ReloadRequired,
		}

		return textResult(result), result, nil
	}
}

func statusHandler(deps Deps) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		run, err := deps.History.LastRun()
		if err != nil {
			return nil, nil, fmt.Errorf("reading last run: %w", err)
		}

		result := &StatusResult{Phase: string(deps.Syncer.Phase())}
		if run != nil {
			result.LastRun = &RunInfo{
				ID:         run.ID,
				StartedAt:  formatTime(run.StartedAt),
				FinishedAt: formatTime(run.FinishedAt),
				Outcome:    run.Outcome,
				Uploaded:   nonNil(run.Uploaded),
				Downloaded: nonNil(run.Downloaded),
				Conflicts:  nonNil(run.Conflicts),
				Error:      run.Error,
			}
		}

		return textResult(result), result, nil
	}
}

func listSessionsHandler(deps Deps) mcp.ToolHandlerFor[ListSessionsInput, *SessionsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ListSessionsInput) (*mcp.CallToolResult, *SessionsResult, error) {
		meta, err := synchronization.BuildLocalMetadata(deps.Local, time.Now())
		if err != nil {
			return nil, nil, err
		}

		result := &SessionsResult{
			Hash:     meta.Hash,
			Count:    len(meta.ChatSession),
			Sessions: make([]SessionInfo, 0, len(meta.ChatSession)),
		}

		for _, id := range meta.SortedIDs() {
			s := meta.ChatSession[id]
			result.Sessions = append(result.Sessions, SessionInfo{
				ID:         s.ID,
				Hash:       s.Hash,
				UpdateTime: s.UpdateTime,
			})
		}

		return textResult(result), result, nil
	}
}

func listConflictsHandler(deps Deps) mcp.ToolHandlerFor[ListConflictsInput, *ConflictsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ListConflictsInput) (*mcp.CallToolResult, *ConflictsResult, error) {
		conflicts, err := deps.History.AllConflicts()
		if err != nil {
			return nil, nil, fmt.Errorf("reading conflicts: %w", err)
		}

		result := &ConflictsResult{
			Count:     len(conflicts),
			Conflicts: make([]ConflictInfo, 0, len(conflicts)),
		}

		for _, c := range conflicts {
			result.Conflicts = append(result.Conflicts, ConflictInfo{
				ID:         c.ID,
				LocalHash:  c.LocalHash,
				RemoteHash: c.RemoteHash,
				DetectedAt: formatTime(c.DetectedAt),
				Patch:      c.Patch,
			})
		}

		return textResult(result), result, nil
	}
}

func clearConflictHandler(deps Deps) mcp.ToolHandlerFor[ClearConflictInput, *ClearResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ClearConflictInput) (*mcp.CallToolResult, *ClearResult, error) {
		if input.ID == "" {
			return nil, nil, fmt.Errorf("id is required")
		}

		conflicts, err := deps.History.AllConflicts()
		if err != nil {
			return nil, nil, fmt.Errorf("reading conflicts: %w", err)
		}

		result := &ClearResult{ID: input.ID}

		for _, c := range conflicts {
			if c.ID == input.ID {
				result.Cleared = true
				break
			}
		}

		if result.Cleared {
			if err := deps.History.DeleteConflict(input.ID); err != nil {
				return nil, nil, fmt.Errorf("clearing conflict: %w", err)
			}

			deps.Logger.Info("conflict cleared", slog.String("session", input.ID))
		}

		return textResult(result), result, nil
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
