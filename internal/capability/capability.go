// Package capability resolves namespaced external operations ("namespace.op")
// and classifies every invocation into a tagged Result.
package capability

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/callflow/internal/normalize"
	"github.com/rendis/callflow/pkg/schema"
)

// Capability is an external operation invocable by a step.
// Call returns the raw payload exactly as the backing system produced it.
type Capability interface {
	Call(ctx context.Context, args map[string]any) (any, error)
}

// Func adapts a function to Capability.
type Func func(ctx context.Context, args map[string]any) (any, error)

func (f Func) Call(ctx context.Context, args map[string]any) (any, error) { return f(ctx, args) }

// Provider contributes a set of operations under one namespace.
type Provider interface {
	Namespace() string
	Capabilities() map[string]Capability
}

// Invoker is the view of the registry handed to steps.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) Result
}

// Kind tags the outcome of an invocation.
type Kind int

const (
	KindOK Kind = iota
	KindAuthError
	KindDecodeError
	KindTransportError
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindAuthError:
		return "auth_error"
	case KindDecodeError:
		return "decode_error"
	case KindTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// Result is the outcome of Invoke. Value is a map[string]any or a []any of
// maps when Kind is KindOK; Err is set otherwise.
type Result struct {
	Capability string
	Kind       Kind
	Value      any
	Err        error
}

// OK reports whether the invocation produced a value.
func (r Result) OK() bool { return r.Kind == KindOK }

// Unwrap returns the value, or the classified error.
func (r Result) Unwrap() (any, error) {
	if r.Kind != KindOK {
		return nil, r.Err
	}
	return r.Value, nil
}

// DecodeObject decodes a single mapping into out.
func (r Result) DecodeObject(out any) error {
	v, err := r.Unwrap()
	if err != nil {
		return err
	}
	switch val := v.(type) {
	case map[string]any:
		return r.decode(val, out)
	case []any:
		if len(val) == 1 {
			return r.decode(val[0], out)
		}
		return schema.NewErrorf(schema.ErrCodeDecode, "capability %s returned %d objects, expected one", r.Capability, len(val))
	}
	return schema.NewErrorf(schema.ErrCodeDecode, "capability %s returned %T", r.Capability, v)
}

// DecodeList decodes a list of mappings into out. A single mapping decodes as a one-element list.
func (r Result) DecodeList(out any) error {
	v, err := r.Unwrap()
	if err != nil {
		return err
	}
	if m, ok := v.(map[string]any); ok {
		v = []any{m}
	}
	return r.decode(v, out)
}

func (r Result) decode(v any, out any) error {
	if err := normalize.Decode(v, out); err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			fe.Message = fmt.Sprintf("capability %s: %s", r.Capability, fe.Message)
		}
		return err
	}
	return nil
}

// JoinName builds the registry key for an operation.
func JoinName(namespace, op string) string {
	return namespace + "." + op
}

// SplitName separates "namespace.op". The namespace may not contain dots; the op may.
func SplitName(name string) (namespace, op string, err error) {
	ns, rest, ok := strings.Cut(name, ".")
	if !ok || ns == "" || rest == "" {
		return "", "", schema.NewErrorf(schema.ErrCodeValidation, "capability name %q must be namespace.operation", name)
	}
	return ns, rest, nil
}

type credentialKey struct{}

// WithCredential attaches the run's opaque credential token to ctx.
func WithCredential(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, credentialKey{}, token)
}

// CredentialFrom extracts the credential token, or "" if absent.
func CredentialFrom(ctx context.Context) string {
	v, _ := ctx.Value(credentialKey{}).(string)
	return v
}

// CredentialSource yields the token obtained once at run start.
type CredentialSource interface {
	Credential(ctx context.Context) (string, error)
}

// StaticCredential is a CredentialSource returning a fixed token.
type StaticCredential string

func (s StaticCredential) Credential(context.Context) (string, error) { return string(s), nil }
