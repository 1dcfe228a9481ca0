package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"stageflow/types"
)

// MemoryStore is an in-memory implementation of RunStore, used for tests and
// embedding the engine without durable state.
type MemoryStore struct {
	runs map[string]types.Run
	mu   sync.RWMutex
}

// NewMemoryStore creates a new MemoryStore instance.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]types.Run)}
}

// SaveRun saves a run to memory.
func (s *MemoryStore) SaveRun(ctx context.Context, run types.Run) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.runs[run.ID] = run
		return nil
	})
}

// GetRun retrieves a run from memory.
func (s *MemoryStore) GetRun(ctx context.Context, id string) (types.Run, error) {
	return withContext(ctx, func() (types.Run, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		run, ok := s.runs[id]
		if !ok {
			return types.Run{}, fmt.Errorf("%w: id=%s", ErrRunNotFound, id)
		}
		return run, nil
	})
}

// GetRunByToken finds the run holding the given resume token.
func (s *MemoryStore) GetRunByToken(ctx context.Context, token string) (types.Run, error) {
	return withContext(ctx, func() (types.Run, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if token != "" {
			for _, run := range s.runs {
				if run.ResumeToken == token {
					return run, nil
				}
			}
		}
		return types.Run{}, fmt.Errorf("%w: no run with matching token", ErrRunNotFound)
	})
}

// ListRuns returns all runs, newest first.
func (s *MemoryStore) ListRuns(ctx context.Context) ([]types.Run, error) {
	return withContext(ctx, func() ([]types.Run, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		runs := make([]types.Run, 0, len(s.runs))
		for _, run := range s.runs {
			runs = append(runs, run)
		}
		sort.Slice(runs, func(i, j int) bool {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		})
		return runs, nil
	})
}

// DeleteRun removes a run.
func (s *MemoryStore) DeleteRun(ctx context.Context, id string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.runs[id]; !ok {
			return fmt.Errorf("%w: id=%s", ErrRunNotFound, id)
		}
		delete(s.runs, id)
		return nil
	})
}

// ClearFinished removes completed or failed runs.
func (s *MemoryStore) ClearFinished(ctx context.Context) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, run := range s.runs {
			if run.Finished() {
				delete(s.runs, id)
			}
		}
		return nil
	})
}
