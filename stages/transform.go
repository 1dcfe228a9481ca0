package stages

import (
	"context"
	"fmt"

	"stageflow/vars"
)

// ExpressionRunner evaluates an expression against the variable environment
// and returns its value. *rules.ExprEvaluator satisfies it.
type ExpressionRunner interface {
	Eval(expression string, env map[string]any) (any, error)
}

// TransformExecutor shapes data already present in the environment.
//
// Config: template (any value; placeholders are substituted before the
// executor runs, so the rendered value is the result) or expr (an expression
// evaluated against the environment for computed values). With both set,
// expr wins.
type TransformExecutor struct {
	Eval ExpressionRunner
}

func (e *TransformExecutor) Execute(_ context.Context, cfg map[string]any, env vars.Env) (any, error) {
	if expression := stringValue(cfg, "expr"); expression != "" {
		if e.Eval == nil {
			return nil, fmt.Errorf("%w: transform has no expression evaluator", ErrConfiguration)
		}
		result, err := e.Eval.Eval(expression, env)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransform, err)
		}
		return result, nil
	}

	result, ok := cfg["template"]
	if !ok {
		return nil, fmt.Errorf("%w: transform requires \"template\" or \"expr\"", ErrConfiguration)
	}
	return result, nil
}
