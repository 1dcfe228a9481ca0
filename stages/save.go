package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"stageflow/types"
	"stageflow/vars"
)

// SaveExecutor writes rendered content into the run's workspace directory.
// Paths are confined to the workspace; each run owns its workspace
// exclusively, so saves from concurrent runs never collide.
//
// Config: path (required, relative), content (required; non-string values are
// written as indented JSON). Returns {saved, path}.
type SaveExecutor struct{}

func (e *SaveExecutor) Execute(_ context.Context, cfg map[string]any, env vars.Env) (any, error) {
	rel, err := requireString(cfg, "path", KindSave)
	if err != nil {
		return nil, err
	}
	content, ok := cfg["content"]
	if !ok {
		return nil, fmt.Errorf("%w: save requires %q", ErrConfiguration, "content")
	}

	wsVal, ok := env.Resolve(types.BuiltinWorkspace)
	if !ok {
		return nil, fmt.Errorf("%w: save has no workspace", ErrConfiguration)
	}
	workspace, _ := wsVal.(string)
	if workspace == "" {
		return nil, fmt.Errorf("%w: save has no workspace", ErrConfiguration)
	}

	full := filepath.Join(workspace, filepath.Clean(rel))
	if full != workspace && !strings.HasPrefix(full, workspace+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: path %q escapes workspace", ErrConfiguration, rel)
	}

	var data []byte
	switch v := content.(type) {
	case string:
		data = []byte(v)
	default:
		data, err = json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("save %s: marshal content: %w", rel, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return nil, fmt.Errorf("save %s: %w", rel, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return nil, fmt.Errorf("save %s: %w", rel, err)
	}
	return map[string]any{"saved": true, "path": full}, nil
}
