// Package storage persists pipeline runs. Backends are keyed by run id and
// support independent, non-blocking access per run, so concurrent runs never
// contend on each other's records.
package storage

import (
	"context"
	"errors"

	"stageflow/types"
)

// Errors
var (
	ErrRunNotFound = errors.New("run not found")
)

// RunStore is the durable store for pipeline runs.
type RunStore interface {
	// SaveRun writes the full run record. Writes must be atomic: a crash
	// mid-save may lose the update but never leave a half-written record.
	SaveRun(ctx context.Context, run types.Run) error

	// GetRun retrieves a run by id.
	GetRun(ctx context.Context, id string) (types.Run, error)

	// GetRunByToken retrieves the run currently holding the given resume
	// token. Only runs awaiting approval carry a token.
	GetRunByToken(ctx context.Context, token string) (types.Run, error)

	// ListRuns returns all stored runs, newest first.
	ListRuns(ctx context.Context) ([]types.Run, error)

	// DeleteRun removes a run record.
	DeleteRun(ctx context.Context, id string) error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
