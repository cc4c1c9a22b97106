package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang programs. The data map is the environment;
// the first evaluation of an expression fixes its inferred types.
type ExprEngine struct {
	cache *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env := data
	if env == nil {
		env = map[string]any{}
	}

	prg, err := e.cache.get(expression, func(src string) (*vm.Program, error) {
		p, cErr := expr.Compile(src, expr.Env(env), expr.AllowUndefinedVariables())
		if cErr != nil {
			return nil, expressionError(codeInvalid, e.Name(), src, "does not compile", cErr)
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, expressionError(codeInvalid, e.Name(), expression, "failed", err)
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
