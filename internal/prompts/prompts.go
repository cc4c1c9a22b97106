// Package prompts renders the instructions sent to the reasoning backend.
// Templates are embedded and may be overridden from a directory.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/rendis/callflow/internal/state"
)

//go:embed templates/*.tmpl
var embedded embed.FS

// Template names.
const (
	RepeatedCallSystem = "repeated_call_system"
	RepeatedCallUser   = "repeated_call_user"
	CauseSystem        = "cause_system"
	CauseUser          = "cause_user"
	DrafterSystem      = "drafter_system"
	ReviewerSystem     = "reviewer_system"
	RecommendationUser = "recommendation_user"
)

var required = []string{
	RepeatedCallSystem, RepeatedCallUser,
	CauseSystem, CauseUser,
	DrafterSystem, ReviewerSystem, RecommendationUser,
}

var funcs = template.FuncMap{
	"ts": func(t time.Time) string {
		if t.IsZero() {
			return "unknown"
		}
		return t.UTC().Format("2006-01-02 15:04:05 UTC")
	},
	"date": func(t time.Time) string {
		if t.IsZero() {
			return "unknown"
		}
		return t.UTC().Format("2006-01-02")
	},
	"hours": func(v float64) string { return strconv.FormatFloat(v, 'f', 1, 64) },
	"minutes": func(d time.Duration) string {
		return strconv.FormatFloat(d.Minutes(), 'f', 0, 64)
	},
}

// Set is a parsed collection of prompt templates.
type Set struct {
	tmpl *template.Template
}

// New parses the embedded templates.
func New() (*Set, error) {
	sub, err := fs.Sub(embedded, "templates")
	if err != nil {
		return nil, err
	}
	return Load(sub)
}

// Load parses every *.tmpl file in fsys. Missing required templates fail.
func Load(fsys fs.FS) (*Set, error) {
	t, err := template.New("prompts").Funcs(funcs).Option("missingkey=error").ParseFS(fsys, "*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse prompt templates: %w", err)
	}
	for _, name := range required {
		if t.Lookup(name+".tmpl") == nil {
			return nil, fmt.Errorf("prompt template %q missing", name)
		}
	}
	return &Set{tmpl: t}, nil
}

// Render executes the named template with data.
func (s *Set) Render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := s.tmpl.ExecuteTemplate(&buf, name+".tmpl", data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// HistoryLine is one earlier call as shown to the reasoner.
type HistoryLine struct {
	Call       state.HistoricCall
	Duration   time.Duration
	HoursSince float64
}

// RepeatedCallData feeds the repeated-call user prompt.
type RepeatedCallData struct {
	Record      state.Record
	Customer    state.Customer
	History     []HistoryLine
	WindowHours float64
}

// NewHistoryLines annotates calls (already most-recent-first) relative to ts.
func NewHistoryLines(calls []state.HistoricCall, ts time.Time) []HistoryLine {
	lines := make([]HistoryLine, len(calls))
	for i, c := range calls {
		lines[i] = HistoryLine{Call: c, Duration: c.Duration(), HoursSince: c.Since(ts).Hours()}
	}
	return lines
}

// UpdateLine is a qualifying software update.
type UpdateLine struct {
	Update         state.SoftwareUpdate
	DaysBeforeCall float64
}

// CauseData feeds the cause user prompt.
type CauseData struct {
	Record        state.Record
	RepeatedCall  *state.RepeatedCallVerdict
	Subscriptions []state.Subscription
	Updates       []UpdateLine
}

// RecommendationData feeds the recommendation user prompt.
type RecommendationData struct {
	Record   state.Record
	Customer state.Customer
	Cause    state.CauseVerdict
	Discount *state.Discount
}
