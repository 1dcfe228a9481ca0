package stages

import (
	"context"

	"stageflow/vars"
)

// ApproveExecutor never performs a side effect: it packages the rendered
// prompt and optional data snapshot into an Approval, which the engine turns
// into a suspended run. The non-empty-prompt requirement is enforced by the
// compiler before execution starts.
//
// Config: prompt, data (optional map shown to the approver).
type ApproveExecutor struct{}

func (e *ApproveExecutor) Execute(_ context.Context, cfg map[string]any, _ vars.Env) (any, error) {
	return &Approval{
		Prompt: stringValue(cfg, "prompt"),
		Data:   mapValue(cfg, "data"),
	}, nil
}
