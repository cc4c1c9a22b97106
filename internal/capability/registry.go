package capability

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/callflow/internal/expressions"
	"github.com/rendis/callflow/internal/logging"
	"github.com/rendis/callflow/internal/normalize"
	"github.com/rendis/callflow/pkg/schema"
)

// DefaultCredentialArg is the argument name under which the run credential is passed.
const DefaultCredentialArg = "mcp_api_key"

// Binding adjusts how a capability's payload is shaped after normalization.
type Binding struct {
	// Select is a jq program applied to the normalized payload, e.g. ".customer".
	Select string
}

// Observer is notified after every invocation.
type Observer func(name string, kind Kind, elapsed time.Duration)

type entry struct {
	capability Capability
	binding    Binding
}

// Registry is the thread-safe capability lookup shared by all runs.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	normalizer    *normalize.Normalizer
	breakers      *Breakers
	jq            *expressions.GoJQEngine
	credentialArg string
	timeout       time.Duration
	observers     []Observer
	logger        *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithNormalizer replaces the default payload normalizer.
func WithNormalizer(n *normalize.Normalizer) Option {
	return func(r *Registry) { r.normalizer = n }
}

// WithBreakers sets the circuit breaker configuration.
func WithBreakers(cfg BreakerConfig) Option {
	return func(r *Registry) { r.breakers = NewBreakers(cfg) }
}

// WithCredentialArg sets the argument name carrying the run credential. Empty disables injection.
func WithCredentialArg(name string) Option {
	return func(r *Registry) { r.credentialArg = name }
}

// WithTimeout bounds each individual invocation.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithObserver registers an invocation observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries:       make(map[string]*entry),
		normalizer:    normalize.New(),
		breakers:      NewBreakers(DefaultBreakerConfig()),
		jq:            expressions.NewGoJQEngine(),
		credentialArg: DefaultCredentialArg,
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a capability under "namespace.op". Returns error on duplicate name.
func (r *Registry) Register(namespace, op string, c Capability) error {
	name := JoinName(namespace, op)
	if c == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "capability %q is nil", name)
	}
	if _, _, err := SplitName(name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "capability %q already registered", name)
	}
	r.entries[name] = &entry{capability: c}
	return nil
}

// RegisterProvider bulk-registers a provider's operations under its namespace.
// Each operation becomes "namespace.op" (e.g. "customer.get_customer_by_id").
func (r *Registry) RegisterProvider(p Provider) (int, error) {
	ns := p.Namespace()
	if ns == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "provider namespace is empty")
	}

	caps := p.Capabilities()
	ops := make([]string, 0, len(caps))
	for op := range caps {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, op := range ops {
		name := JoinName(ns, op)
		if _, exists := r.entries[name]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "capability %q already registered", name)
		}
		r.entries[name] = &entry{capability: caps[op]}
		registered++
	}
	return registered, nil
}

// Bind attaches a payload binding to a registered capability.
func (r *Registry) Bind(name string, b Binding) error {
	if b.Select != "" {
		if err := r.jq.Compile(b.Select); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "capability %q not registered", name)
	}
	e.binding = b
	return nil
}

// Has checks if a capability is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// List returns all registered names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Breakers exposes the circuit breaker set for diagnostics.
func (r *Registry) Breakers() *Breakers { return r.breakers }

// Invoke calls a capability and classifies the outcome. It never panics on
// malformed payloads; every failure is reported through Result.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) Result {
	start := time.Now()
	res := r.invoke(ctx, name, args)
	elapsed := time.Since(start)

	logger := logging.LogWith(ctx, r.logger)
	if res.OK() {
		logger.DebugContext(ctx, "capability invoked",
			slog.String("capability", name), slog.Duration("elapsed", elapsed))
	} else {
		logger.WarnContext(ctx, "capability failed",
			slog.String("capability", name),
			slog.String("kind", res.Kind.String()),
			slog.Duration("elapsed", elapsed),
			slog.String("error", res.Err.Error()))
	}
	for _, o := range r.observers {
		o(name, res.Kind, elapsed)
	}
	return res
}

func (r *Registry) invoke(ctx context.Context, name string, args map[string]any) Result {
	r.mu.RLock()
	e, ok := r.entries[name]
	var c Capability
	var b Binding
	if ok {
		c, b = e.capability, e.binding
	}
	r.mu.RUnlock()

	if !ok {
		return failure(name, KindTransportError, schema.NewErrorf(schema.ErrCodeTransport, "capability %q unavailable", name).
			WithCause(schema.NewErrorf(schema.ErrCodeNotFound, "capability %q not registered", name)))
	}

	if err := r.breakers.Allow(name); err != nil {
		return failure(name, KindTransportError, schema.NewErrorf(schema.ErrCodeTransport, "capability %q rejected by circuit breaker", name).WithCause(err))
	}

	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	raw, err := c.Call(callCtx, r.withCredential(ctx, args))
	if err != nil {
		return r.classifyCallError(name, err)
	}
	r.breakers.Success(name)

	value, err := r.normalizer.Normalize(raw)
	if err != nil {
		return classified(name, err)
	}

	if b.Select != "" {
		projected, err := r.jq.Query(ctx, b.Select, value)
		if err != nil {
			return failure(name, KindDecodeError, err)
		}
		if value, err = r.normalizer.Normalize(projected); err != nil {
			return classified(name, err)
		}
	}

	return Result{Capability: name, Kind: KindOK, Value: value}
}

// withCredential copies args and injects the run credential unless the caller set one.
func (r *Registry) withCredential(ctx context.Context, args map[string]any) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	if r.credentialArg == "" {
		return out
	}
	if _, set := out[r.credentialArg]; set {
		return out
	}
	if token := CredentialFrom(ctx); token != "" {
		out[r.credentialArg] = token
	}
	return out
}

// classifyCallError maps an error returned by the capability itself.
// A tool error carrying the auth marker is an authorization failure, not a
// transport one. Auth and decode errors mean the backend answered, which
// closes the circuit, including from half-open.
func (r *Registry) classifyCallError(name string, err error) Result {
	if r.normalizer.Detect(err.Error()) || schema.CodeOf(err) == schema.ErrCodeAuth {
		r.breakers.Success(name)
		return failure(name, KindAuthError, schema.NewErrorf(schema.ErrCodeAuth, "capability %q rejected the credential", name).WithCause(err))
	}
	if schema.CodeOf(err) == schema.ErrCodeDecode {
		r.breakers.Success(name)
		return failure(name, KindDecodeError, err)
	}
	r.breakers.Failure(name)
	msg := "capability %q failed"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "capability %q timed out"
	}
	return failure(name, KindTransportError, schema.NewErrorf(schema.ErrCodeTransport, msg, name).WithCause(err))
}

func classified(name string, err error) Result {
	if schema.CodeOf(err) == schema.ErrCodeAuth {
		return failure(name, KindAuthError, err)
	}
	return failure(name, KindDecodeError, err)
}

func failure(name string, kind Kind, err error) Result {
	return Result{Capability: name, Kind: kind, Err: err}
}

var _ Invoker = (*Registry)(nil)
