package types

import "time"

// Run states
const (
	StatusRunning          = "running"
	StatusAwaitingApproval = "awaiting_approval"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
)

// Variables bound into every run before the first stage executes.
const (
	BuiltinDatetime  = "datetime"
	BuiltinJobID     = "jobId"
	BuiltinWorkspace = "workspace"
)

// Definition is a parsed pipeline: a name, declared variables, and an ordered
// stage list. It is constructed once per load and never mutated; the engine
// copies it into each Run so branch splicing stays local to that Run.
type Definition struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Vars        map[string]any `json:"vars,omitempty" yaml:"vars,omitempty"`
	Stages      []StageSpec    `json:"stages" yaml:"stages"`
}

// StageSpec is one typed unit of work inside a Definition.
type StageSpec struct {
	ID     string         `json:"id" yaml:"id"`
	Kind   string         `json:"kind" yaml:"kind"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	// Output names the variable under which the stage result is bound.
	Output string `json:"output,omitempty" yaml:"output,omitempty"`

	// When is an optional boolean expression; when it evaluates false the
	// stage is skipped and the run advances.
	When string `json:"when,omitempty" yaml:"when,omitempty"`

	// Branch stages spliced in after this stage when an approval gate is
	// resolved. Only meaningful on "approve" stages.
	OnApprove []StageSpec `json:"on_approve,omitempty" yaml:"on_approve,omitempty"`
	OnReject  []StageSpec `json:"on_reject,omitempty" yaml:"on_reject,omitempty"`
}

// Run is one durable execution of a Definition. The Definition is embedded so
// a suspended run can be resumed after a process restart without a separate
// definition store, and so spliced branch stages never leak across runs.
type Run struct {
	ID           string         `json:"id"`
	PipelineName string         `json:"pipeline_name"`
	Status       string         `json:"status"`
	CurrentStage int            `json:"current_stage"`
	Vars         map[string]any `json:"vars"`
	Definition   Definition     `json:"definition"`

	// Approval state, populated only while Status == StatusAwaitingApproval.
	ResumeToken  string         `json:"resume_token,omitempty"`
	Prompt       string         `json:"prompt,omitempty"`
	ApprovalData map[string]any `json:"approval_data,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Finished reports whether the run reached a terminal state.
func (r Run) Finished() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Outputs collects the values bound by stages that declared an output name.
func (r Run) Outputs() map[string]any {
	out := make(map[string]any)
	for _, st := range r.Definition.Stages {
		if st.Output == "" {
			continue
		}
		if v, ok := r.Vars[st.Output]; ok {
			out[st.Output] = v
		}
	}
	return out
}
