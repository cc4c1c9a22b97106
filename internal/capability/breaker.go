package capability

import (
	"sync"
	"time"

	"github.com/rendis/callflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls pass through
	CircuitOpen                         // calls rejected until cooldown elapses
	CircuitHalfOpen                     // probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-capability circuit breakers.
// A zero FailureThreshold disables breaking.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	HalfOpenMax      int
}

// DefaultBreakerConfig returns the defaults used when none are configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu               sync.Mutex
	state            CircuitState
	failures         int
	lastFailure      time.Time
	halfOpenAttempts int
}

// Breakers tracks transport failures per capability name.
// Only transport failures count; auth and decode outcomes mean the backend answered.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates an empty breaker set.
func NewBreakers(config BreakerConfig) *Breakers {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &Breakers{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil if a call to name may proceed, or a CIRCUIT_OPEN error.
func (r *Breakers) Allow(name string) error {
	if r.config.FailureThreshold <= 0 {
		return nil
	}
	cb := r.get(name)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailure)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for capability %q after %d consecutive failures", name, cb.failures).
			WithDetails(map[string]any{
				"capability":         name,
				"failures":           cb.failures,
				"cooldown_remaining": (r.config.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for capability %q: trial call already in flight", name)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// Success closes the circuit for name.
func (r *Breakers) Success(name string) {
	cb := r.get(name)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// Failure records a transport failure and returns the resulting state.
func (r *Breakers) Failure(name string) CircuitState {
	cb := r.get(name)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = r.now()

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		return cb.state
	}
	if r.config.FailureThreshold > 0 && cb.failures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the current state for name.
func (r *Breakers) State(name string) CircuitState {
	cb := r.get(name)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailure) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

func (r *Breakers) get(name string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	if !ok {
		cb = &breaker{state: CircuitClosed}
		r.breakers[name] = cb
	}
	return cb
}
