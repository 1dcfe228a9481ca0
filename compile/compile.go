// Package compile statically validates a pipeline definition before any run
// is created. Errors block execution; warnings are best-effort advisories.
package compile

import (
	"errors"
	"fmt"
	"strings"

	"stageflow/stages"
	"stageflow/types"
	"stageflow/vars"
)

// ErrValidation indicates the definition failed compilation.
var ErrValidation = errors.New("pipeline validation failed")

// Issue is one compiler finding, tied to a stage where applicable.
type Issue struct {
	StageID string `json:"stage_id,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.StageID == "" {
		return i.Message
	}
	return fmt.Sprintf("stage %q: %s", i.StageID, i.Message)
}

// Result is the outcome of compiling a definition.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Err returns nil for a valid result, otherwise ErrValidation wrapped with
// every error message.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, issue := range r.Errors {
		msgs[i] = issue.String()
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}

// Compile validates def against the registered stage kinds. It never
// executes anything and has no side effects.
func Compile(def types.Definition, reg *stages.Registry) Result {
	c := &compiler{reg: reg}

	if def.Name == "" {
		c.errorf("", "pipeline name is required")
	}
	if len(def.Stages) == 0 {
		c.errorf("", "pipeline has no stages")
	}

	c.seen = make(map[string]bool)
	c.known = map[string]bool{
		types.BuiltinDatetime:  true,
		types.BuiltinJobID:     true,
		types.BuiltinWorkspace: true,
	}
	for name := range def.Vars {
		c.known[name] = true
	}

	c.checkStages(def.Stages)

	return Result{Valid: len(c.errors) == 0, Errors: c.errors, Warnings: c.warnings}
}

type compiler struct {
	reg      *stages.Registry
	seen     map[string]bool
	known    map[string]bool
	errors   []Issue
	warnings []Issue
}

func (c *compiler) errorf(stageID, format string, args ...any) {
	c.errors = append(c.errors, Issue{StageID: stageID, Message: fmt.Sprintf(format, args...)})
}

func (c *compiler) warnf(stageID, format string, args ...any) {
	c.warnings = append(c.warnings, Issue{StageID: stageID, Message: fmt.Sprintf(format, args...)})
}

// checkStages validates a stage list in execution order, accumulating output
// bindings into the known-variable set as it goes. Branch stages are checked
// with the bindings visible at their splice point.
func (c *compiler) checkStages(specs []types.StageSpec) {
	for i, st := range specs {
		c.checkStage(i, st)

		if st.Output != "" {
			c.known[st.Output] = true
		}

		// Branch stages see everything bound before (and by) their parent.
		// A variable bound only inside a branch stays visible afterwards —
		// permissive on purpose: whether the branch runs is a runtime fact.
		c.checkStages(st.OnApprove)
		c.checkStages(st.OnReject)
	}
}

func (c *compiler) checkStage(index int, st types.StageSpec) {
	if st.ID == "" {
		c.errorf("", "stage[%d] has no id", index)
	} else if c.seen[st.ID] {
		c.errorf(st.ID, "duplicate stage id")
	} else {
		c.seen[st.ID] = true
	}

	if st.Kind == "" {
		c.errorf(st.ID, "stage has no kind")
		return
	}
	if !c.reg.Has(st.Kind) {
		c.errorf(st.ID, "unknown stage kind %q", st.Kind)
		return
	}

	switch st.Kind {
	case stages.KindApprove:
		if prompt, _ := st.Config["prompt"].(string); strings.TrimSpace(prompt) == "" {
			c.errorf(st.ID, "approve stage requires a non-empty prompt")
		}
	case stages.KindSendEmail:
		if to, _ := st.Config["to"].(string); strings.TrimSpace(to) == "" {
			c.errorf(st.ID, "send_email stage requires a recipient")
		}
	}

	for _, ref := range vars.References(st.Config) {
		if !c.known[ref] {
			c.warnf(st.ID, "template references %q, which is neither a declared variable, a built-in, nor an earlier stage output", ref)
		}
	}
}
