package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"stageflow/types"
)

// FileStore persists each run as one JSON file under a directory. Writes go
// to a temp file first and are renamed into place, so a crash mid-persist
// cannot leave a half-written record.
type FileStore struct {
	dir string
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("filestore: create dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("filestore: invalid run id %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

// SaveRun writes the run record atomically.
func (s *FileStore) SaveRun(ctx context.Context, run types.Run) error {
	return withContextError(ctx, func() error {
		path, err := s.path(run.ID)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return fmt.Errorf("filestore: marshal run %s: %w", run.ID, err)
		}
		tmp, err := os.CreateTemp(s.dir, "."+run.ID+"-*")
		if err != nil {
			return fmt.Errorf("filestore: temp file: %w", err)
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("filestore: write run %s: %w", run.ID, err)
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("filestore: close temp: %w", err)
		}
		if err := os.Rename(tmp.Name(), path); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("filestore: rename run %s: %w", run.ID, err)
		}
		return nil
	})
}

// GetRun reads a run record by id.
func (s *FileStore) GetRun(ctx context.Context, id string) (types.Run, error) {
	return withContext(ctx, func() (types.Run, error) {
		path, err := s.path(id)
		if err != nil {
			return types.Run{}, err
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return types.Run{}, fmt.Errorf("%w: id=%s", ErrRunNotFound, id)
		} else if err != nil {
			return types.Run{}, fmt.Errorf("filestore: read run %s: %w", id, err)
		}
		var run types.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return types.Run{}, fmt.Errorf("filestore: unmarshal run %s: %w", id, err)
		}
		return run, nil
	})
}

// GetRunByToken scans stored runs for one holding the given resume token.
func (s *FileStore) GetRunByToken(ctx context.Context, token string) (types.Run, error) {
	return withContext(ctx, func() (types.Run, error) {
		if token != "" {
			runs, err := s.loadAll()
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
func (s *FileStore) ListRuns(ctx context.Context) ([]types.Run, error) {
	return withContext(ctx, func() ([]types.Run, error) {
		runs, err := s.loadAll()
		if err != nil {
			return nil, err
		}
		sort.Slice(runs, func(i, j int) bool {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		})
		return runs, nil
	})
}

// DeleteRun removes a run record.
func (s *FileStore) DeleteRun(ctx context.Context, id string) error {
	return withContextError(ctx, func() error {
		path, err := s.path(id)
		if err != nil {
			return err
		}
		if err := os.Remove(path); errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: id=%s", ErrRunNotFound, id)
		} else if err != nil {
			return fmt.Errorf("filestore: delete run %s: %w", id, err)
		}
		return nil
	})
}

func (s *FileStore) loadAll() ([]types.Run, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("filestore: read dir: %w", err)
	}
	var runs []types.Run
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var run types.Run
		if err := json.Unmarshal(data, &run); err != nil {
			// In-flight temp renames never surface here; a malformed file
			// is operator damage and is skipped rather than fatal.
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}
