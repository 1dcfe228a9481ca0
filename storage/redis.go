package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"stageflow/types"
)

const runPrefix = "pipeline:run:"

// RedisStore is a Redis-backed implementation of RunStore.
type RedisStore struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with the settings this store uses.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStore creates a RedisStore and verifies the connection.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStore{client: client}, nil
}

// SaveRun saves a run to Redis. A Redis SET is atomic, satisfying the
// no-half-written-record requirement.
func (s *RedisStore) SaveRun(ctx context.Context, run types.Run) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to marshal run %s: %v", run.ID, err)
		}
		key := runPrefix + run.ID
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// GetRun retrieves a run from Redis.
func (s *RedisStore) GetRun(ctx context.Context, id string) (types.Run, error) {
	return withContext(ctx, func() (types.Run, error) {
		key := runPrefix + id
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return types.Run{}, fmt.Errorf("%w: id=%s", ErrRunNotFound, id)
		} else if err != nil {
			return types.Run{}, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}
		var run types.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return types.Run{}, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return run, nil
	})
}

// GetRunByToken scans run records for one holding the given resume token.
func (s *RedisStore) GetRunByToken(ctx context.Context, token string) (types.Run, error) {
	return withContext(ctx, func() (types.Run, error) {
		if token != "" {
			runs, err := s.loadAll(ctx)
			if err != nil {
				return types.Run{}, err
			}
			for _, run := range runs {
				if run.ResumeToken == token {
					return run, nil
				}
			}
		}
		return types.Run{}, fmt.Errorf("%w: no run with matching token", ErrRunNotFound)
	})
}

// ListRuns returns all runs, newest first.
func (s *RedisStore) ListRuns(ctx context.Context) ([]types.Run, error) {
	return withContext(ctx, func() ([]types.Run, error) {
		runs, err := s.loadAll(ctx)
		if err != nil {
			return nil, err
		}
		sort.Slice(runs, func(i, j int) bool {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		})
		return runs, nil
	})
}

// DeleteRun removes a run record from Redis.
func (s *RedisStore) DeleteRun(ctx context.Context, id string) error {
	return withContextError(ctx, func() error {
		n, err := s.client.Del(ctx, runPrefix+id).Result()
		if err != nil {
			return fmt.Errorf("failed to delete %s from Redis: %v", id, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: id=%s", ErrRunNotFound, id)
		}
		return nil
	})
}

// ClearFinished removes completed or failed runs from Redis.
func (s *RedisStore) ClearFinished(ctx context.Context) error {
	return withContextError(ctx, func() error {
		runs, err := s.loadAll(ctx)
		if err != nil {
			return err
		}
		pipe := s.client.Pipeline()
		deleted := false
		for _, run := range runs {
			if run.Finished() {
				pipe.Del(ctx, runPrefix+run.ID)
				deleted = true
			}
		}
		if !deleted {
			return nil
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for deletion: %v", err)
		}
		return nil
	})
}

func (s *RedisStore) loadAll(ctx context.Context) ([]types.Run, error) {
	keys, err := s.client.Keys(ctx, runPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan run keys: %v", err)
	}
	runs := make([]types.Run, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("failed to get %s: %v", key, err)
		}
		var run types.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
