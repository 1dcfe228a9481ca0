// Package stages defines the stage executor registry and the built-in stage
// kinds. An executor performs one kind's effect against already-substituted
// config; the registry maps kind names to executors and is a constructed
// value, so engines with different capabilities can coexist in one process.
package stages

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"stageflow/vars"
)

// Stage kind names registered by DefaultRegistry.
const (
	KindFetch     = "fetch"
	KindTransform = "transform"
	KindAnalyze   = "analyze"
	KindApprove   = "approve"
	KindSendEmail = "send_email"
	KindNotify    = "notify"
	KindSave      = "save"
	KindCommand   = "command"
)

// Errors
var (
	ErrConfiguration = errors.New("stage configuration invalid")
	ErrFetch         = errors.New("fetch failed")
	ErrTransform     = errors.New("transform failed")
)

// Approval is the sentinel result an approval gate returns instead of a plain
// value. The engine suspends the run when it sees one.
type Approval struct {
	Prompt string
	Data   map[string]any
}

// Executor performs one stage kind's effect. cfg arrives with placeholders
// already substituted; env is the run's live variable environment, provided
// read-only for executors that evaluate expressions against it.
type Executor interface {
	Execute(ctx context.Context, cfg map[string]any, env vars.Env) (any, error)
}

// ExecutorFunc is a function adapter for Executor.
type ExecutorFunc func(ctx context.Context, cfg map[string]any, env vars.Env) (any, error)

// Execute implements the Executor interface.
func (f ExecutorFunc) Execute(ctx context.Context, cfg map[string]any, env vars.Env) (any, error) {
	return f(ctx, cfg, env)
}

// Registry maps stage kinds to executors.
type Registry struct {
	execs map[string]Executor
	mu    sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{execs: make(map[string]Executor)}
}

// Register registers an executor under a kind name.
func (r *Registry) Register(kind string, exec Executor) error {
	if kind == "" || exec == nil {
		return errors.New("kind and executor are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs[kind] = exec
	return nil
}

// Get returns the executor for a kind.
func (r *Registry) Get(kind string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.execs[kind]
	return exec, ok
}

// Has reports whether a kind is registered.
func (r *Registry) Has(kind string) bool {
	_, ok := r.Get(kind)
	return ok
}

// Kinds returns the registered kind names, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.execs))
	for k := range r.execs {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Collaborators wire the external capabilities the built-in executors wrap.
// Any of them may be nil; the corresponding executor then fails with
// ErrConfiguration when invoked. Fetch uses Client directly.
type Collaborators struct {
	Client   HTTPDoer
	Shell    Shell
	Mailer   Mailer
	Notifier Notifier
	Reasoner Reasoner
	Eval     ExpressionRunner

	// AllowedCommands restricts the command kind to listed binaries
	// (matched on the base name). Empty means no command is allowed.
	AllowedCommands []string
}

// DefaultRegistry builds a Registry with all built-in kinds wired to the
// given collaborators.
func DefaultRegistry(c Collaborators) *Registry {
	r := NewRegistry()
	r.Register(KindFetch, &FetchExecutor{Client: c.Client})
	r.Register(KindTransform, &TransformExecutor{Eval: c.Eval})
	r.Register(KindAnalyze, &AnalyzeExecutor{Reasoner: c.Reasoner})
	r.Register(KindApprove, &ApproveExecutor{})
	r.Register(KindSendEmail, &EmailExecutor{Mailer: c.Mailer})
	r.Register(KindNotify, &NotifyExecutor{Notifier: c.Notifier})
	r.Register(KindSave, &SaveExecutor{})
	r.Register(KindCommand, &CommandExecutor{Shell: c.Shell, Allowed: c.AllowedCommands})
	return r
}

// --- config access helpers ---

func stringValue(cfg map[string]any, key string) string {
	v, ok := cfg[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func requireString(cfg map[string]any, key, kind string) (string, error) {
	s := stringValue(cfg, key)
	if s == "" {
		return "", fmt.Errorf("%w: %s requires %q", ErrConfiguration, kind, key)
	}
	return s, nil
}

func mapValue(cfg map[string]any, key string) map[string]any {
	v, ok := cfg[key]
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}
