package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/callflow/internal/engine"
	"github.com/rendis/callflow/internal/normalize"
	"github.com/rendis/callflow/internal/state"
	"github.com/rendis/callflow/internal/store"
	"github.com/rendis/callflow/pkg/schema"
)

const (
	defaultQueryLimit = 20
	maxQueryLimit     = 200
)

// runSummary is the tool result of a finished run.
type runSummary struct {
	RunID        string           `json:"run_id"`
	Status       schema.RunStatus `json:"status"`
	TerminalStep string           `json:"terminal_step,omitempty"`
	LastEvent    string           `json:"last_event,omitempty"`
	ErrorCode    string           `json:"error_code,omitempty"`
	Error        string           `json:"error,omitempty"`
	State        *state.Snapshot  `json:"state,omitempty"`
}

func summarize(res *engine.RunResult) runSummary {
	sum := runSummary{
		RunID:        res.RunID,
		Status:       res.Status,
		TerminalStep: string(res.Terminal),
		LastEvent:    string(res.LastEvent),
	}
	if res.State != nil {
		snap := res.State.Snapshot()
		sum.State = &snap
	}
	if res.Err != nil {
		sum.ErrorCode = schema.RootCode(res.Err)
		sum.Error = res.Err.Error()
	}
	return sum
}

// handleRun builds a record from the tool arguments and runs the workflow.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id is required"), nil
	}
	customerID, err := req.RequireString("customer_id")
	if err != nil {
		return mcp.NewToolResultError("customer_id is required"), nil
	}
	rawTS, err := req.RequireString("timestamp")
	if err != nil {
		return mcp.NewToolResultError("timestamp is required"), nil
	}
	ts, err := normalize.ParseTime(rawTS)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid timestamp: %v", err)), nil
	}

	st, err := state.New(state.Record{
		ID:         id,
		CustomerID: customerID,
		Reason:     req.GetString("sdc", ""),
		Timestamp:  ts,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	runReq := engine.RunRequest{
		Entry: schema.StepDetermineRepeatedCall,
		Event: schema.EventStart,
		State: st,
	}

	if req.GetBool("async", false) {
		return s.submit(ctx, runReq)
	}
	if s.runner == nil {
		return mcp.NewToolResultError("runs are not available"), nil
	}
	res := s.runner.Execute(ctx, runReq)
	return marshalResult(summarize(res))
}

func (s *Server) submit(ctx context.Context, runReq engine.RunRequest) (*mcp.CallToolResult, error) {
	if s.dispatcher == nil {
		return mcp.NewToolResultError("async runs are not available"), nil
	}
	runReq.RunID = uuid.NewString()

	s.mu.Lock()
	s.inflight[runReq.RunID] = time.Now().UTC()
	s.mu.Unlock()
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runReq.RunID, session.SessionID())
	}

	runID, err := s.dispatcher.Submit(ctx, runReq, s.runFinished)
	if err != nil {
		s.mu.Lock()
		delete(s.inflight, runReq.RunID)
		s.mu.Unlock()
		s.sessions.Forget(runReq.RunID)
		return mcp.NewToolResultError(fmt.Sprintf("submit failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"run_id": runID, "status": schema.RunStatusRunning})
}

func (s *Server) runFinished(res *engine.RunResult) {
	s.mu.Lock()
	delete(s.inflight, res.RunID)
	s.mu.Unlock()
	if err := s.notifier.NotifyRunFinished(context.Background(), res); err != nil {
		s.logger.Warn("run notification failed", "run_id", res.RunID, "error", err)
	}
}

// handleStatus returns a stored run with its trace, or the running state of an async run.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	s.mu.Lock()
	submitted, running := s.inflight[runID]
	s.mu.Unlock()
	if running {
		return marshalResult(map[string]any{
			"run_id":     runID,
			"status":     schema.RunStatusRunning,
			"started_at": submitted,
		})
	}

	if s.store == nil {
		return mcp.NewToolResultError("run history is not available"), nil
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	traces, err := s.store.ListStepTraces(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("trace query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"run": run, "steps": traces})
}

// handleQuery lists stored runs.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("run history is not available"), nil
	}

	filter := store.RunFilter{
		RecordID:   req.GetString("record_id", ""),
		CustomerID: req.GetString("customer_id", ""),
		Limit:      req.GetInt("limit", defaultQueryLimit),
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultQueryLimit
	}
	filter.Limit = min(filter.Limit, maxQueryLimit)
	if v := req.GetString("status", ""); v != "" {
		status := schema.RunStatus(v)
		filter.Status = &status
	}
	if v := req.GetString("since", ""); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid since: %v", err)), nil
		}
		filter.Since = &since
	}

	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	return marshalResult(map[string]any{"runs": runs, "count": len(runs)})
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
