package expressions

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/rendis/callflow/pkg/schema"
)

// GoJQEngine runs jq programs over normalized capability payloads, e.g.
// ".customer" on a {"customer": {...}} response. Programs cannot read the
// process environment.
type GoJQEngine struct {
	cache *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: newProgramCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string { return "jq" }

func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Query(ctx, expression, data)
}

// Query runs expression over any JSON-shaped input. One output is returned
// as-is, several are collected into []any, none yields nil. A runtime jq
// error means the payload did not have the expected shape: DECODE_ERROR.
func (e *GoJQEngine) Query(ctx context.Context, expression string, input any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	code, err := e.cache.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, input)
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if runErr, isErr := val.(error); isErr {
			return nil, expressionError(schema.ErrCodeDecode, e.Name(), expression, "failed", runErr)
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Compile checks an expression without running it.
func (e *GoJQEngine) Compile(expression string) error {
	_, err := e.cache.get(expression, e.compile)
	return err
}

func (e *GoJQEngine) compile(src string) (*gojq.Code, error) {
	query, err := gojq.Parse(src)
	if err != nil {
		return nil, expressionError(codeInvalid, e.Name(), src, "does not parse", err)
	}
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, expressionError(codeInvalid, e.Name(), src, "does not compile", err)
	}
	return code, nil
}

var _ Engine = (*GoJQEngine)(nil)
