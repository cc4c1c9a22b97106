// Package normalize converts raw capability payloads into plain mappings or
// lists of mappings.
//
// External data tools answer in several shapes: plain text, JSON strings,
// {"type":"text","text":...} content wrappers, lists of any of those, and
// {"events":[...]} collection wrappers. Authorization failures arrive as a
// normal-looking payload carrying a sentinel string. Normalize unwraps one
// layer at a time until an object or a list of objects remains, and reports
// the sentinel as an AUTH_ERROR before any parsing is attempted.
package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/callflow/pkg/schema"
)

// DefaultSentinel is the marker the customer data service returns for a bad credential.
const DefaultSentinel = "401: Invalid or missing API Key"

const defaultMaxDepth = 8

// CollectionField is the wrapper field flattened into a list.
const CollectionField = "events"

// wrapperKeys are the fields a text content wrapper may carry.
var wrapperKeys = map[string]bool{"type": true, "text": true, "annotations": true, "_meta": true}

// Normalizer unwraps heterogeneous payloads. Safe for concurrent use.
type Normalizer struct {
	sentinel string
	maxDepth int
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithSentinel overrides the authorization failure marker.
func WithSentinel(s string) Option {
	return func(n *Normalizer) {
		if s != "" {
			n.sentinel = s
		}
	}
}

// WithMaxDepth bounds the number of unwrap layers.
func WithMaxDepth(d int) Option {
	return func(n *Normalizer) {
		if d > 0 {
			n.maxDepth = d
		}
	}
}

// New creates a Normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{sentinel: DefaultSentinel, maxDepth: defaultMaxDepth}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Sentinel returns the configured authorization failure marker.
func (n *Normalizer) Sentinel() string { return n.sentinel }

// Detect reports whether raw carries the authorization failure marker anywhere.
func (n *Normalizer) Detect(raw any) bool { return n.hasSentinel(raw, 0) }

// Normalize returns either a map[string]any or a []any whose elements are all
// map[string]any. A plain mapping is returned unchanged.
func (n *Normalizer) Normalize(raw any) (any, error) {
	if n.hasSentinel(raw, 0) {
		return nil, n.authError()
	}
	out, err := n.unwrap(raw, 0)
	if err != nil {
		return nil, err
	}
	switch out.(type) {
	case map[string]any, []any:
		return out, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeDecode, "payload is %T, expected object or list", out)
	}
}

// NormalizeObject expects a single mapping. A one-element list is accepted.
func (n *Normalizer) NormalizeObject(raw any) (map[string]any, error) {
	out, err := n.Normalize(raw)
	if err != nil {
		return nil, err
	}
	switch v := out.(type) {
	case map[string]any:
		return v, nil
	case []any:
		if len(v) == 1 {
			return v[0].(map[string]any), nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeDecode, "expected one object, got list of %d", len(v))
	}
	return nil, schema.NewErrorf(schema.ErrCodeDecode, "payload is %T, expected object", out)
}

// NormalizeList expects a list of mappings. A single mapping becomes a one-element list.
func (n *Normalizer) NormalizeList(raw any) ([]map[string]any, error) {
	out, err := n.Normalize(raw)
	if err != nil {
		return nil, err
	}
	switch v := out.(type) {
	case map[string]any:
		return []map[string]any{v}, nil
	case []any:
		items := make([]map[string]any, len(v))
		for i, e := range v {
			items[i] = e.(map[string]any)
		}
		return items, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeDecode, "payload is %T, expected list", out)
}

func (n *Normalizer) authError() error {
	return schema.NewError(schema.ErrCodeAuth, "capability rejected the credential").
		WithDetails(map[string]any{"marker": n.sentinel})
}

func (n *Normalizer) depthError() error {
	return schema.NewErrorf(schema.ErrCodeDecode, "payload nesting exceeds %d layers", n.maxDepth)
}

// unwrap peels layers until a mapping, a list of mappings, or a scalar remains.
func (n *Normalizer) unwrap(v any, depth int) (any, error) {
	if depth > n.maxDepth {
		return nil, n.depthError()
	}
	switch val := v.(type) {
	case nil:
		return nil, schema.NewError(schema.ErrCodeDecode, "empty payload")
	case string:
		return n.unwrapString(val, depth)
	case []byte:
		return n.unwrapString(string(val), depth)
	case json.RawMessage:
		return n.unwrapString(string(val), depth)
	case map[string]any:
		return n.unwrapMap(val, depth)
	case []any:
		return n.unwrapList(val, depth)
	case []map[string]any:
		items := make([]any, len(val))
		for i, m := range val {
			items[i] = m
		}
		return n.unwrapList(items, depth)
	case float64, bool, int, int64:
		return val, nil
	default:
		// Typed values (content structs, typed slices) are reduced to their JSON form.
		data, err := json.Marshal(val)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeDecode, "cannot encode %T payload", v).WithCause(err)
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeDecode, "cannot decode %T payload", v).WithCause(err)
		}
		return n.unwrap(generic, depth+1)
	}
}

func (n *Normalizer) unwrapString(s string, depth int) (any, error) {
	if strings.Contains(s, n.sentinel) {
		return nil, n.authError()
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, schema.NewError(schema.ErrCodeDecode, "empty text payload")
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDecode, "text payload is not JSON: %s", preview(trimmed)).WithCause(err)
	}
	return n.unwrap(decoded, depth+1)
}

func (n *Normalizer) unwrapMap(m map[string]any, depth int) (any, error) {
	if text, ok := m["text"].(string); ok && isTextWrapper(m) {
		return n.unwrapString(text, depth)
	}
	if msg, ok := m["error"].(string); ok && msg != "" && isCollectionWrapper(m) {
		if strings.Contains(msg, n.sentinel) {
			return nil, n.authError()
		}
		return nil, schema.NewErrorf(schema.ErrCodeDecode, "capability reported error: %s", msg)
	}
	if events, ok := m[CollectionField]; ok {
		if events == nil {
			return []any{}, nil
		}
		return n.unwrap(events, depth+1)
	}
	return m, nil
}

func (n *Normalizer) unwrapList(items []any, depth int) (any, error) {
	out := make([]any, 0, len(items))
	for i, item := range items {
		v, err := n.unwrap(item, depth+1)
		if err != nil {
			return nil, elementError(i, err)
		}
		switch elem := v.(type) {
		case map[string]any:
			out = append(out, elem)
		case []any:
			// Collection wrappers inside a list flatten one level.
			for j, inner := range elem {
				m, ok := inner.(map[string]any)
				if !ok {
					return nil, schema.NewErrorf(schema.ErrCodeDecode,
						"element %d.%d is %T, expected object", i, j, inner)
				}
				out = append(out, m)
			}
		default:
			return nil, schema.NewErrorf(schema.ErrCodeDecode, "element %d is %T, expected object", i, v).
				WithDetails(map[string]any{"index": i})
		}
	}
	return out, nil
}

// hasSentinel scans raw strings without parsing them.
func (n *Normalizer) hasSentinel(v any, depth int) bool {
	if depth > n.maxDepth {
		return false
	}
	switch val := v.(type) {
	case string:
		return strings.Contains(val, n.sentinel)
	case []byte:
		return strings.Contains(string(val), n.sentinel)
	case json.RawMessage:
		return strings.Contains(string(val), n.sentinel)
	case map[string]any:
		for _, inner := range val {
			if n.hasSentinel(inner, depth+1) {
				return true
			}
		}
	case []any:
		for _, inner := range val {
			if n.hasSentinel(inner, depth+1) {
				return true
			}
		}
	case []map[string]any:
		for _, inner := range val {
			if n.hasSentinel(inner, depth+1) {
				return true
			}
		}
	case nil, float64, bool, int, int64:
	default:
		data, err := json.Marshal(val)
		return err == nil && strings.Contains(string(data), n.sentinel)
	}
	return false
}

func isTextWrapper(m map[string]any) bool {
	for k := range m {
		if !wrapperKeys[k] {
			return false
		}
	}
	return true
}

func isCollectionWrapper(m map[string]any) bool {
	_, events := m[CollectionField]
	_, qt := m["query_time_ms"]
	return events || qt
}

func elementError(i int, err error) error {
	if schema.CodeOf(err) == schema.ErrCodeAuth {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeDecode, "element %d: %s", i, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"index": i})
}

func preview(s string) string {
	const max = 60
	if len(s) <= max {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%q...", s[:max])
}
