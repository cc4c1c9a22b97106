package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/callflow/internal/engine"
	"github.com/rendis/callflow/internal/normalize"
	"github.com/rendis/callflow/internal/state"
	"github.com/rendis/callflow/internal/store"
	"github.com/rendis/callflow/pkg/schema"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// RunView is the response to a synchronous run.
type RunView struct {
	RunID        string           `json:"run_id"`
	Status       schema.RunStatus `json:"status"`
	TerminalStep string           `json:"terminal_step,omitempty"`
	LastEvent    string           `json:"last_event,omitempty"`
	ErrorCode    string           `json:"error_code,omitempty"`
	Error        string           `json:"error,omitempty"`
	State        state.Snapshot   `json:"state"`
	DurationMS   int64            `json:"duration_ms"`
}

// NewRunView summarizes a finished run.
func NewRunView(res *engine.RunResult) RunView {
	v := RunView{
		RunID:        res.RunID,
		Status:       res.Status,
		TerminalStep: string(res.Terminal),
		LastEvent:    string(res.LastEvent),
		DurationMS:   res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
	}
	if res.State != nil {
		v.State = res.State.Snapshot()
	}
	if res.Err != nil {
		v.ErrorCode = schema.RootCode(res.Err)
		v.Error = res.Err.Error()
	}
	return v
}

// createRun runs the workflow synchronously for the posted record.
// POST /runs
func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "request body must be a JSON object").WithCause(err))
		return
	}
	var rec state.Record
	if err := normalize.Decode(body, &rec); err != nil {
		writeError(w, err)
		return
	}
	st, err := state.New(rec)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	res := s.runner.Execute(ctx, engine.RunRequest{
		Entry: schema.StepDetermineRepeatedCall,
		Event: schema.EventStart,
		State: st,
	})

	status := http.StatusOK
	if res.Err != nil {
		status = statusFor(schema.RootCode(res.Err))
		if status == http.StatusBadRequest || status == http.StatusNotFound {
			status = http.StatusUnprocessableEntity
		}
	}
	writeJSON(w, status, NewRunView(res))
}

// getRun returns a stored run with its step trace.
// GET /runs/{id}
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, schema.NewError(schema.ErrCodeNotFound, "run history not available"))
		return
	}
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	traces, err := s.store.ListStepTraces(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "steps": traces})
}

// listRuns returns stored runs, newest first.
// GET /runs?status=failed&record_id=&customer_id=&since=&limit=50&offset=0
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []any{}})
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func parseFilter(r *http.Request) (store.RunFilter, error) {
	q := r.URL.Query()
	filter := store.RunFilter{
		RecordID:   q.Get("record_id"),
		CustomerID: q.Get("customer_id"),
		Limit:      defaultListLimit,
	}
	if v := q.Get("status"); v != "" {
		status := schema.RunStatus(v)
		switch status {
		case schema.RunStatusRunning, schema.RunStatusCompleted, schema.RunStatusFailed:
		default:
			return filter, schema.NewErrorf(schema.ErrCodeValidation, "unknown status %q", v)
		}
		filter.Status = &status
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, schema.NewErrorf(schema.ErrCodeValidation, "since must be RFC3339: %q", v)
		}
		filter.Since = &since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, schema.NewErrorf(schema.ErrCodeValidation, "invalid limit %q", v)
		}
		filter.Limit = min(n, maxListLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, schema.NewErrorf(schema.ErrCodeValidation, "invalid offset %q", v)
		}
		filter.Offset = n
	}
	return filter, nil
}
