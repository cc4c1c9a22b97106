package prompts

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/callflow/internal/state"
)

var callTime = time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC)

func TestNew_ParsesEmbedded(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	for _, name := range []string{RepeatedCallSystem, CauseSystem, DrafterSystem, ReviewerSystem} {
		out, err := s.Render(name, nil)
		require.NoError(t, err, name)
		assert.NotEmpty(t, out, name)
	}
}

func TestRender_RepeatedCallUser(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	calls := []state.HistoricCall{
		{ID: "12", Reason: "No internet", CallSummary: "Escalated", StartTime: callTime.Add(-27 * time.Hour), EndTime: callTime.Add(-26*time.Hour - 30*time.Minute)},
		{ID: "11", Reason: "No internet", CallSummary: "Reset modem", StartTime: callTime.Add(-50 * time.Hour), EndTime: callTime.Add(-49*time.Hour - 48*time.Minute)},
	}
	out, err := s.Render(RepeatedCallUser, RepeatedCallData{
		Record:      state.Record{ID: "99", CustomerID: "7", Reason: "No internet", Timestamp: callTime},
		Customer:    state.Customer{ID: "7", Name: "Ada", CLV: state.CLVHigh, RelationStartDate: time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC)},
		History:     NewHistoryLines(calls, callTime),
		WindowHours: 168,
	})
	require.NoError(t, err)

	assert.Contains(t, out, "Customer ID: 7")
	assert.Contains(t, out, "Customer since: 2019-03-01")
	assert.Contains(t, out, "Timestamp: 2024-05-03 12:00:00 UTC")
	assert.Contains(t, out, "last 168.0 hours")
	assert.Contains(t, out, "(30 minutes)")
	assert.Contains(t, out, "26.5 hours before the current call")
	assert.Less(t, indexOf(out, "Call 12"), indexOf(out, "Call 11"), "most recent first")
}

func TestRender_CauseUser(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	out, err := s.Render(CauseUser, CauseData{
		Record:        state.Record{ID: "99", CustomerID: "7", Reason: "Sprinkler offline", Timestamp: callTime},
		Subscriptions: []state.Subscription{{ProductID: "100", ContractDurationMonths: 24, PricePerMonth: 39.5}},
		Updates: []UpdateLine{{
			Update:         state.SoftwareUpdate{ID: "1", ProductID: "100", Type: "firmware", RolloutDate: callTime.Add(-72 * time.Hour)},
			DaysBeforeCall: 3,
		}},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Product 100: 24 month contract, 39.50 per month")
	assert.Contains(t, out, "Update 1 (firmware) for product 100, rolled out 2024-04-30, 3.0 days before the call")
	assert.NotContains(t, out, "Repeated call analysis")

	out, err = s.Render(CauseUser, CauseData{
		Record:       state.Record{ID: "99", CustomerID: "7", Timestamp: callTime},
		RepeatedCall: &state.RepeatedCallVerdict{Analysis: "third call this week"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "third call this week")
	assert.Contains(t, out, "(none)")
}

func TestRender_RecommendationUser(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	data := RecommendationData{
		Record:   state.Record{ID: "99", CustomerID: "7", Reason: "Sprinkler offline", Timestamp: callTime},
		Customer: state.Customer{ID: "7", CLV: state.CLVMedium},
		Cause:    state.CauseVerdict{IsRelevant: true, ProductID: "100", Analysis: "firmware bug", Conclusion: "update broke wifi"},
		Discount: &state.Discount{ProductID: "100", MinimumCLV: state.CLVMedium, Percentage: 10, DurationMonths: 6},
	}
	out, err := s.Render(RecommendationUser, data)
	require.NoError(t, err)
	assert.Contains(t, out, "10% off product 100 for 6 months")

	data.Discount = nil
	out, err = s.Render(RecommendationUser, data)
	require.NoError(t, err)
	assert.Contains(t, out, "## Available discount\nnone")
}

func TestLoad_Override(t *testing.T) {
	fsys := fstest.MapFS{}
	for _, name := range required {
		fsys[name+".tmpl"] = &fstest.MapFile{Data: []byte("custom " + name)}
	}
	s, err := Load(fsys)
	require.NoError(t, err)

	out, err := s.Render(CauseSystem, nil)
	require.NoError(t, err)
	assert.Equal(t, "custom cause_system", out)
}

func TestLoad_MissingTemplate(t *testing.T) {
	_, err := Load(fstest.MapFS{"cause_system.tmpl": &fstest.MapFile{Data: []byte("x")}})
	assert.ErrorContains(t, err, "missing")
}

func TestRender_UnknownTemplate(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	_, err = s.Render("nope", nil)
	assert.Error(t, err)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
