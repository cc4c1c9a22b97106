package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/callflow/pkg/schema"
)

const codeInvalid = schema.ErrCodeValidation

// CELEngine evaluates CEL programs over a fixed set of dynamically typed
// variables. A declared variable missing from the data binds to an empty map.
type CELEngine struct {
	env   *cel.Env
	vars  []string
	cache *programCache[cel.Program]
}

// NewCELEngine declares vars as the only top-level names expressions may use.
func NewCELEngine(vars ...string) (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(vars))
	for _, v := range vars {
		opts = append(opts, cel.Variable(v, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{
		env:   env,
		vars:  append([]string(nil), vars...),
		cache: newProgramCache[cel.Program](),
	}, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.cache.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	act := make(map[string]any, len(e.vars))
	for _, key := range e.vars {
		if v, ok := data[key]; ok && v != nil {
			act[key] = v
		} else {
			act[key] = map[string]any{}
		}
	}
	out, _, err := prg.ContextEval(ctx, act)
	if err != nil {
		return nil, expressionError(codeInvalid, e.Name(), expression, "failed", err)
	}
	return out.Value(), nil
}

// Compile checks an expression without evaluating it. Config validation uses it.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.cache.get(expression, e.compile)
	return err
}

func (e *CELEngine) compile(src string) (cel.Program, error) {
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, expressionError(codeInvalid, e.Name(), src, "does not compile", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, expressionError(codeInvalid, e.Name(), src, "cannot be planned", err)
	}
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
