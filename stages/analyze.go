package stages

import (
	"context"
	"fmt"

	"stageflow/vars"
)

// Reasoner is the structured-reasoning capability (typically an LLM) consumed
// by the analyze kind. It receives an already-rendered prompt plus optional
// structured data and returns a structured summary.
type Reasoner interface {
	Analyze(ctx context.Context, prompt string, data map[string]any) (map[string]any, error)
}

// AnalyzeExecutor delegates to a Reasoner.
//
// Config: prompt (required), data (optional map passed alongside the prompt).
type AnalyzeExecutor struct {
	Reasoner Reasoner
}

func (e *AnalyzeExecutor) Execute(ctx context.Context, cfg map[string]any, _ vars.Env) (any, error) {
	if e.Reasoner == nil {
		return nil, fmt.Errorf("%w: analyze has no reasoner configured", ErrConfiguration)
	}
	prompt, err := requireString(cfg, "prompt", KindAnalyze)
	if err != nil {
		return nil, err
	}
	return e.Reasoner.Analyze(ctx, prompt, mapValue(cfg, "data"))
}
