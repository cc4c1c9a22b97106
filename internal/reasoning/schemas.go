package reasoning

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/callflow/pkg/schema"
)

// Built-in schema names.
const (
	SchemaRepeatedCall = "repeated_call"
	SchemaCause        = "cause"
	SchemaReview       = "review"
)

const repeatedCallSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["is_repeated_call", "analysis", "conclusion"],
  "properties": {
    "is_repeated_call": {"type": "boolean"},
    "analysis": {"type": "string"},
    "conclusion": {"type": "string", "minLength": 1}
  }
}`

const causeSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["is_operations_cause", "analysis", "conclusion"],
  "properties": {
    "is_operations_cause": {"type": "boolean"},
    "product_id": {"type": ["string", "integer", "null"]},
    "analysis": {"type": "string"},
    "conclusion": {"type": "string", "minLength": 1}
  }
}`

const reviewSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["approved"],
  "properties": {
    "approved": {"type": "boolean"},
    "feedback": {"type": "string"}
  }
}`

// Schemas holds compiled JSON Schemas for structured replies, keyed by name.
// It is safe for concurrent use.
type Schemas struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// NewSchemas returns a set preloaded with the built-in verdict schemas.
func NewSchemas() (*Schemas, error) {
	s := &Schemas{compiled: make(map[string]*jsonschema.Schema)}
	builtin := map[string]string{
		SchemaRepeatedCall: repeatedCallSchemaJSON,
		SchemaCause:        causeSchemaJSON,
		SchemaReview:       reviewSchemaJSON,
	}
	for name, doc := range builtin {
		if err := s.Add(name, []byte(doc)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add compiles and registers a schema, replacing any previous one with that name.
func (s *Schemas) Add(name string, doc []byte) error {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return fmt.Errorf("unmarshal schema %s: %w", name, err)
	}

	url := "callflow://schemas/" + name + ".json"
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, parsed); err != nil {
		return fmt.Errorf("add schema %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", name, err)
	}

	s.mu.Lock()
	s.compiled[name] = compiled
	s.mu.Unlock()
	return nil
}

// Names lists the registered schemas.
func (s *Schemas) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.compiled))
	for n := range s.compiled {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks a JSON document against the named schema.
func (s *Schemas) Validate(name string, doc []byte) error {
	s.mu.RLock()
	compiled, ok := s.compiled[name]
	s.mu.RUnlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schema %q not registered", name)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return schema.NewError(schema.ErrCodeDecode, "reply is not valid JSON").WithCause(err)
	}
	if err := compiled.Validate(inst); err != nil {
		return toDecodeError(name, err)
	}
	return nil
}

func toDecodeError(name string, err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeDecode, "reply violates %s schema: %s", name, err.Error())
	}
	violations := collectViolations(verr)
	return schema.NewErrorf(schema.ErrCodeDecode, "reply violates %s schema: %s", name, strings.Join(violations, "; ")).
		WithDetails(map[string]any{"schema": name, "violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
