package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/callflow/internal/diagram"
	"github.com/rendis/callflow/internal/engine"
	"github.com/rendis/callflow/internal/store"
	"github.com/rendis/callflow/pkg/schema"
)

// WithGraph enables the diagram endpoints for the workflow behind the runner.
func WithGraph(g *engine.Graph, entry schema.StepID) Option {
	return func(srv *Server) {
		srv.graph = g
		srv.entry = entry
	}
}

// renderGraph renders the transition table.
// GET /graph?format=mermaid|ascii
func (s *Server) renderGraph(w http.ResponseWriter, r *http.Request) {
	s.writeDiagram(w, r, nil)
}

// runGraph renders the transition table with the path a stored run took.
// GET /runs/{id}/graph?format=mermaid|ascii
func (s *Server) runGraph(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, schema.NewError(schema.ErrCodeNotFound, "run history not available"))
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	traces, err := s.store.ListStepTraces(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeDiagram(w, r, traces)
}

func (s *Server) writeDiagram(w http.ResponseWriter, r *http.Request, traces []*store.StepTrace) {
	model, err := diagram.Build(s.graph, s.entry, traces)
	if err != nil {
		writeError(w, schema.NewError(schema.ErrCodeValidation, err.Error()))
		return
	}
	var body string
	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		body = diagram.RenderMermaid(model)
	case "ascii":
		body = diagram.RenderASCII(model)
	default:
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "unknown format %q", format))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
