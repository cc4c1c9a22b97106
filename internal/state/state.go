package state

import (
	"fmt"
	"sort"
	"time"

	"github.com/rendis/callflow/pkg/schema"
)

// Field names used in violation errors and snapshots.
const (
	FieldCustomer       = "customer"
	FieldHistory        = "call_history"
	FieldRepeatedCall   = "repeated_call_result"
	FieldCause          = "cause_result"
	FieldRecommendation = "recommendation"
)

// State is the record threaded through a single run.
// The inbound record is fixed at construction; every other field is set at most once.
// A State is owned by one run and is not safe for concurrent mutation.
type State struct {
	record Record

	customer       *Customer
	history        []HistoricCall
	historySet     bool
	repeatedCall   *RepeatedCallVerdict
	cause          *CauseVerdict
	recommendation *Recommendation
}

// New creates a State for the given inbound record.
func New(rec Record) (*State, error) {
	if rec.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "record id is required")
	}
	if rec.CustomerID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "record customer_id is required")
	}
	if rec.Timestamp.IsZero() {
		return nil, schema.NewError(schema.ErrCodeValidation, "record timestamp is required")
	}
	return &State{record: rec}, nil
}

// Record returns the inbound record.
func (s *State) Record() Record { return s.record }

// Set stores v in the slot matching its type. Setting a populated slot,
// passing a nil pointer, or passing a type with no slot is a STATE_VIOLATION.
func (s *State) Set(v any) error {
	switch val := v.(type) {
	case Customer:
		return s.SetCustomer(val)
	case *Customer:
		if val == nil {
			return nilViolation(FieldCustomer)
		}
		return s.SetCustomer(*val)
	case []HistoricCall:
		return s.SetHistory(val)
	case RepeatedCallVerdict:
		return s.SetRepeatedCall(val)
	case *RepeatedCallVerdict:
		if val == nil {
			return nilViolation(FieldRepeatedCall)
		}
		return s.SetRepeatedCall(*val)
	case CauseVerdict:
		return s.SetCause(val)
	case *CauseVerdict:
		if val == nil {
			return nilViolation(FieldCause)
		}
		return s.SetCause(*val)
	case Recommendation:
		return s.SetRecommendation(val)
	case *Recommendation:
		if val == nil {
			return nilViolation(FieldRecommendation)
		}
		return s.SetRecommendation(*val)
	default:
		return schema.NewErrorf(schema.ErrCodeStateViolation, "no state field accepts %T", v).
			WithDetails(map[string]any{"type": fmt.Sprintf("%T", v)})
	}
}

// SetCustomer stores the resolved customer profile.
func (s *State) SetCustomer(c Customer) error {
	if s.customer != nil {
		return alreadySet(FieldCustomer)
	}
	s.customer = &c
	return nil
}

// SetHistory stores the call history sorted most-recent-first.
// An empty history is a valid value and still counts as set.
func (s *State) SetHistory(calls []HistoricCall) error {
	if s.historySet {
		return alreadySet(FieldHistory)
	}
	sorted := make([]HistoricCall, len(calls))
	copy(sorted, calls)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartTime.After(sorted[j].StartTime)
	})
	s.history = sorted
	s.historySet = true
	return nil
}

// SetRepeatedCall stores the repeated-call verdict.
func (s *State) SetRepeatedCall(v RepeatedCallVerdict) error {
	if s.repeatedCall != nil {
		return alreadySet(FieldRepeatedCall)
	}
	s.repeatedCall = &v
	return nil
}

// SetCause stores the cause verdict.
func (s *State) SetCause(v CauseVerdict) error {
	if s.cause != nil {
		return alreadySet(FieldCause)
	}
	s.cause = &v
	return nil
}

// SetRecommendation stores the recommendation and its transcript.
func (s *State) SetRecommendation(r Recommendation) error {
	if s.recommendation != nil {
		return alreadySet(FieldRecommendation)
	}
	r.Transcript = append([]Turn(nil), r.Transcript...)
	s.recommendation = &r
	return nil
}

// Customer returns the customer profile, if loaded.
func (s *State) Customer() (Customer, bool) {
	if s.customer == nil {
		return Customer{}, false
	}
	return *s.customer, true
}

// History returns a copy of the call history, most recent first.
func (s *State) History() ([]HistoricCall, bool) {
	if !s.historySet {
		return nil, false
	}
	return append([]HistoricCall(nil), s.history...), true
}

// RepeatedCall returns the repeated-call verdict, if decided.
func (s *State) RepeatedCall() (RepeatedCallVerdict, bool) {
	if s.repeatedCall == nil {
		return RepeatedCallVerdict{}, false
	}
	return *s.repeatedCall, true
}

// Cause returns the cause verdict, if decided.
func (s *State) Cause() (CauseVerdict, bool) {
	if s.cause == nil {
		return CauseVerdict{}, false
	}
	return *s.cause, true
}

// Recommendation returns the recommendation, if produced.
func (s *State) Recommendation() (Recommendation, bool) {
	if s.recommendation == nil {
		return Recommendation{}, false
	}
	r := *s.recommendation
	r.Transcript = append([]Turn(nil), r.Transcript...)
	return r, true
}

// Snapshot is the serializable view of a State handed to sinks.
type Snapshot struct {
	Record         Record               `json:"record"`
	Customer       *Customer            `json:"customer,omitempty"`
	History        []HistoricCall       `json:"call_history,omitempty"`
	RepeatedCall   *RepeatedCallVerdict `json:"repeated_call_result,omitempty"`
	Cause          *CauseVerdict        `json:"cause_result,omitempty"`
	Recommendation *Recommendation      `json:"recommendation,omitempty"`
	TakenAt        time.Time            `json:"taken_at"`
}

// Snapshot copies the current contents of the state.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{Record: s.record, TakenAt: time.Now().UTC()}
	if c, ok := s.Customer(); ok {
		snap.Customer = &c
	}
	if h, ok := s.History(); ok {
		snap.History = h
	}
	if v, ok := s.RepeatedCall(); ok {
		snap.RepeatedCall = &v
	}
	if v, ok := s.Cause(); ok {
		snap.Cause = &v
	}
	if v, ok := s.Recommendation(); ok {
		snap.Recommendation = &v
	}
	return snap
}

// Populated lists the names of the set-once fields that hold a value.
func (s *State) Populated() []string {
	var out []string
	if s.customer != nil {
		out = append(out, FieldCustomer)
	}
	if s.historySet {
		out = append(out, FieldHistory)
	}
	if s.repeatedCall != nil {
		out = append(out, FieldRepeatedCall)
	}
	if s.cause != nil {
		out = append(out, FieldCause)
	}
	if s.recommendation != nil {
		out = append(out, FieldRecommendation)
	}
	return out
}

func alreadySet(field string) error {
	return schema.NewErrorf(schema.ErrCodeStateViolation, "state field %q is already set", field).
		WithDetails(map[string]any{"field": field})
}

func nilViolation(field string) error {
	return schema.NewErrorf(schema.ErrCodeStateViolation, "nil value for state field %q", field).
		WithDetails(map[string]any{"field": field})
}
