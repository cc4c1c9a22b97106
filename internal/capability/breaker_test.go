package capability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/callflow/pkg/schema"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreakers(threshold int, cooldown time.Duration) (*Breakers, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreakers(BreakerConfig{FailureThreshold: threshold, Cooldown: cooldown, HalfOpenMax: 1})
	b.now = clock.now
	return b, clock
}

func TestBreakers_StartsClosed(t *testing.T) {
	b, _ := newTestBreakers(3, time.Second)
	assert.NoError(t, b.Allow("customer.get_customer_by_id"))
	assert.Equal(t, CircuitClosed, b.State("customer.get_customer_by_id"))
}

func TestBreakers_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreakers(3, 10*time.Second)

	b.Failure("x.y")
	b.Failure("x.y")
	assert.Equal(t, CircuitClosed, b.State("x.y"))

	assert.Equal(t, CircuitOpen, b.Failure("x.y"))

	err := b.Allow("x.y")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.CodeOf(err))
}

func TestBreakers_SuccessResets(t *testing.T) {
	b, _ := newTestBreakers(2, time.Second)

	b.Failure("x.y")
	b.Success("x.y")
	b.Failure("x.y")
	assert.Equal(t, CircuitClosed, b.State("x.y"))
}

func TestBreakers_HalfOpenAfterCooldown(t *testing.T) {
	b, clock := newTestBreakers(1, 5*time.Second)

	b.Failure("x.y")
	require.Error(t, b.Allow("x.y"))

	clock.advance(5 * time.Second)
	require.NoError(t, b.Allow("x.y"), "first trial call passes")

	err := b.Allow("x.y")
	require.Error(t, err, "second trial call is rejected while the first is in flight")
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.CodeOf(err))

	b.Success("x.y")
	assert.Equal(t, CircuitClosed, b.State("x.y"))
}

func TestBreakers_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreakers(1, time.Second)

	b.Failure("x.y")
	clock.advance(time.Second)
	require.NoError(t, b.Allow("x.y"))

	assert.Equal(t, CircuitOpen, b.Failure("x.y"))
	assert.Error(t, b.Allow("x.y"))
}

func TestBreakers_ZeroThresholdDisables(t *testing.T) {
	b, _ := newTestBreakers(0, time.Second)
	for i := 0; i < 10; i++ {
		b.Failure("x.y")
	}
	assert.NoError(t, b.Allow("x.y"))
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
}
