// Package engine drives pipeline runs: it executes a definition stage by
// stage, persists the run after every transition, suspends at approval gates,
// and resumes suspended runs from durable state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"stageflow/compile"
	"stageflow/events"
	"stageflow/rules"
	"stageflow/stages"
	"stageflow/storage"
	"stageflow/types"
	"stageflow/vars"
)

// Standard error definitions
var (
	ErrUnknownKind = errors.New("unknown stage kind")
)

// Event types published on the bus
const (
	EventRunStarted       = "run_started"
	EventStageCompleted   = "stage_completed"
	EventStageSkipped     = "stage_skipped"
	EventAwaitingApproval = "awaiting_approval"
	EventRunResumed       = "run_resumed"
	EventRunCompleted     = "run_completed"
	EventRunFailed        = "run_failed"
)

// Config holds optional engine settings.
type Config struct {
	// WorkspaceRoot is where per-run scratch directories are created.
	// Empty means a "stageflow" directory under the OS temp dir.
	WorkspaceRoot string

	// TokenSecret signs resume tokens. Empty means a random per-process
	// secret; supply a stable one so tokens survive restarts.
	TokenSecret []byte

	// Evaluator decides stage `when` conditions. Nil means expr-lang.
	Evaluator rules.Evaluator

	// Logger receives structured execution logs. Nil means silent.
	Logger *slog.Logger
}

// Engine executes and resumes pipeline runs. Runs are sequential internally;
// distinct runs may execute concurrently because the store is keyed by run id
// and each run owns its workspace exclusively.
type Engine struct {
	registry      *stages.Registry
	store         storage.RunStore
	evaluator     rules.Evaluator
	bus           *events.EventBus
	generate      generator.Generator
	tokens        *TokenCodec
	logger        *slog.Logger
	workspaceRoot string
}

// New creates an Engine. The generator and registry are required; a nil
// store falls back to in-memory persistence.
func New(generate generator.Generator, store storage.RunStore, registry *stages.Registry, cfg Config) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	evaluator := cfg.Evaluator
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	workspaceRoot := cfg.WorkspaceRoot
	if workspaceRoot == "" {
		workspaceRoot = filepath.Join(os.TempDir(), "stageflow")
	}

	return &Engine{
		registry:      registry,
		store:         store,
		evaluator:     evaluator,
		bus:           events.NewEventBus(),
		generate:      generate,
		tokens:        NewTokenCodec(cfg.TokenSecret),
		logger:        logger,
		workspaceRoot: workspaceRoot,
	}, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.bus.Subscribe(eventType, handler)
}

// Stop shuts down the engine's event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.bus.Stop()
		return nil
	}
}

// GetRun retrieves a run by id.
func (e *Engine) GetRun(ctx context.Context, id string) (types.Run, error) {
	return e.store.GetRun(ctx, id)
}

// ListRuns returns all stored runs, newest first.
func (e *Engine) ListRuns(ctx context.Context) ([]types.Run, error) {
	return e.store.ListRuns(ctx)
}

// FindPendingRun looks up the run currently holding a resume token without
// resolving its gate. Used by approval surfaces to show the prompt.
func (e *Engine) FindPendingRun(ctx context.Context, token string) (types.Run, error) {
	if _, err := e.tokens.Decode(token); err != nil {
		return types.Run{}, err
	}
	run, err := e.store.GetRunByToken(ctx, token)
	if err != nil {
		return types.Run{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return run, nil
}

// Execute compiles def, creates a fresh run seeded with declared variables,
// caller overrides, and the built-ins, and drives it forward. Compilation
// failure surfaces before any run state exists. Each call creates a new run;
// runs are never merged or deduplicated.
//
// The returned run is terminal (completed or failed) or awaiting approval;
// execution errors are reported through the run's status and Error field,
// not the error return, which covers only infrastructure faults.
func (e *Engine) Execute(ctx context.Context, def types.Definition, overrides map[string]any) (*types.Run, error) {
	if res := compile.Compile(def, e.registry); !res.Valid {
		return nil, res.Err()
	}

	n, err := e.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run id: %w", err)
	}
	runID := strconv.FormatUint(n, 10)

	workspace := filepath.Join(e.workspaceRoot, runID)
	if err := os.MkdirAll(workspace, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	now := time.Now()
	env := make(map[string]any, len(def.Vars)+len(overrides)+3)
	for k, v := range def.Vars {
		env[k] = v
	}
	for k, v := range overrides {
		env[k] = v
	}
	env[types.BuiltinDatetime] = now.Format(time.RFC3339)
	env[types.BuiltinJobID] = runID
	env[types.BuiltinWorkspace] = workspace

	run := types.Run{
		ID:           runID,
		PipelineName: def.Name,
		Status:       types.StatusRunning,
		CurrentStage: 0,
		Vars:         env,
		Definition:   def,
		StartedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.saveRun(ctx, run); err != nil {
		return nil, err
	}
	e.publishEvent(ctx, EventRunStarted, run.ID, map[string]any{"pipeline": def.Name})
	e.logger.Info("run started", "run_id", run.ID, "pipeline", def.Name)

	return e.advance(ctx, &run)
}

// Resume converts a human decision plus a resume token back into forward
// progress. A failed resume never mutates the stored run.
func (e *Engine) Resume(ctx context.Context, token string, approve bool, reason string) (*types.Run, error) {
	payload, err := e.tokens.Decode(token)
	if err != nil {
		return nil, err
	}

	run, err := e.store.GetRun(ctx, payload.RunID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if run.Status != types.StatusAwaitingApproval || run.ResumeToken != token {
		return nil, fmt.Errorf("%w: run %s is not awaiting approval", ErrInvalidToken, run.ID)
	}
	if run.CurrentStage >= len(run.Definition.Stages) {
		return nil, fmt.Errorf("%w: stage cursor out of range", ErrInvalidToken)
	}
	st := run.Definition.Stages[run.CurrentStage]
	if st.ID != payload.StageID {
		return nil, fmt.Errorf("%w: token does not match the suspended stage", ErrInvalidToken)
	}

	decision := map[string]any{"approved": approve}
	if reason != "" {
		decision["reason"] = reason
	}
	if st.Output != "" {
		run.Vars[st.Output] = decision
	}

	// Splice the decision's branch immediately after the gate. The branch
	// extends the normal advance: its stages run first, then the original
	// remainder.
	branch := st.OnApprove
	if !approve {
		branch = st.OnReject
	}
	if len(branch) > 0 {
		all := run.Definition.Stages
		at := run.CurrentStage + 1
		spliced := make([]types.StageSpec, 0, len(all)+len(branch))
		spliced = append(spliced, all[:at]...)
		spliced = append(spliced, branch...)
		spliced = append(spliced, all[at:]...)
		run.Definition.Stages = spliced
	}

	run.ResumeToken = ""
	run.Prompt = ""
	run.ApprovalData = nil
	run.Status = types.StatusRunning
	run.CurrentStage++
	run.UpdatedAt = time.Now()

	if err := e.saveRun(ctx, run); err != nil {
		return nil, err
	}
	e.publishEvent(ctx, EventRunResumed, run.ID, map[string]any{"approved": approve, "stage": st.ID})
	e.logger.Info("run resumed", "run_id", run.ID, "stage", st.ID, "approved", approve)

	return e.advance(ctx, &run)
}

// advance is the single code path that moves a run forward, used by both
// Execute and Resume. It renders each stage's config fresh against the live
// environment, executes it, binds outputs, and persists after every
// transition, so a crash between stages loses at most the in-flight stage's
// side effect.
func (e *Engine) advance(ctx context.Context, run *types.Run) (*types.Run, error) {
	for run.CurrentStage < len(run.Definition.Stages) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		st := run.Definition.Stages[run.CurrentStage]
		env := vars.Env(run.Vars)

		if st.When != "" {
			ok, err := e.evaluator.Evaluate(st.When, run.Vars)
			if err != nil {
				e.logger.Warn("condition evaluation failed, skipping stage", "run_id", run.ID, "stage", st.ID, "error", err)
			}
			if !ok {
				if st.Output != "" {
					run.Vars[st.Output] = map[string]any{"skipped": true}
				}
				run.CurrentStage++
				run.UpdatedAt = time.Now()
				if err := e.saveRun(ctx, *run); err != nil {
					return nil, err
				}
				e.publishEvent(ctx, EventStageSkipped, run.ID, map[string]any{"stage": st.ID})
				continue
			}
		}

		exec, ok := e.registry.Get(st.Kind)
		if !ok {
			// Compilation catches this before execution; it can only
			// surface when a persisted run is resumed against an engine
			// missing a capability.
			return e.failRun(ctx, run, st, fmt.Errorf("%w: %s", ErrUnknownKind, st.Kind))
		}

		result, err := exec.Execute(ctx, env.SubstituteMap(st.Config), env)
		if err != nil {
			return e.failRun(ctx, run, st, err)
		}

		if approval, ok := result.(*stages.Approval); ok {
			token, err := e.tokens.Encode(run.ID, st.ID)
			if err != nil {
				return e.failRun(ctx, run, st, err)
			}
			run.Status = types.StatusAwaitingApproval
			run.ResumeToken = token
			run.Prompt = approval.Prompt
			run.ApprovalData = approval.Data
			run.UpdatedAt = time.Now()
			if err := e.saveRun(ctx, *run); err != nil {
				return nil, err
			}
			e.publishEvent(ctx, EventAwaitingApproval, run.ID, map[string]any{"stage": st.ID, "prompt": approval.Prompt})
			e.logger.Info("run awaiting approval", "run_id", run.ID, "stage", st.ID)
			return run, nil
		}

		if st.Output != "" {
			run.Vars[st.Output] = result
		}
		run.CurrentStage++
		run.UpdatedAt = time.Now()
		if err := e.saveRun(ctx, *run); err != nil {
			return nil, err
		}
		e.publishEvent(ctx, EventStageCompleted, run.ID, map[string]any{"stage": st.ID})
	}

	now := time.Now()
	run.Status = types.StatusCompleted
	run.CompletedAt = &now
	run.UpdatedAt = now
	if err := e.saveRun(ctx, *run); err != nil {
		return nil, err
	}
	e.publishEvent(ctx, EventRunCompleted, run.ID, map[string]any{"pipeline": run.PipelineName})
	e.logger.Info("run completed", "run_id", run.ID, "stages", run.CurrentStage)
	return run, nil
}

// failRun marks the run failed, persists it, and returns it. No further
// stages execute and no retry is attempted; retry policy belongs to callers.
func (e *Engine) failRun(ctx context.Context, run *types.Run, st types.StageSpec, cause error) (*types.Run, error) {
	run.Status = types.StatusFailed
	run.Error = fmt.Sprintf("stage %s: %v", st.ID, cause)
	run.UpdatedAt = time.Now()
	if err := e.saveRun(ctx, *run); err != nil {
		return nil, fmt.Errorf("original error: %v, failed to save error state: %w", cause, err)
	}
	e.publishEvent(ctx, EventRunFailed, run.ID, map[string]any{"stage": st.ID, "error": run.Error})
	e.logger.Error("run failed", "run_id", run.ID, "stage", st.ID, "error", cause)
	return run, nil
}

func (e *Engine) saveRun(ctx context.Context, run types.Run) error {
	if err := e.store.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// publishEvent publishes an event asynchronously to the event bus.
func (e *Engine) publishEvent(ctx context.Context, eventType, runID string, data map[string]any) {
	go e.bus.Publish(ctx, events.Event{
		Type:  eventType,
		RunID: runID,
		Data:  data,
	})
}
