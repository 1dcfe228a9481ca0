package stages

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	"stageflow/vars"
)

// Shell is the command execution capability consumed by the command kind.
type Shell interface {
	Execute(ctx context.Context, command string, args []string, workDir string) (stdout, stderr string, err error)
}

// CommandExecutor wraps a Shell with an allowlist check on the command's base
// name. An empty allowlist rejects every command.
//
// Config: command (required), args (list), dir (working directory).
// Returns {stdout, stderr}.
type CommandExecutor struct {
	Shell   Shell
	Allowed []string
}

func (e *CommandExecutor) Execute(ctx context.Context, cfg map[string]any, _ vars.Env) (any, error) {
	if e.Shell == nil {
		return nil, fmt.Errorf("%w: command has no shell configured", ErrConfiguration)
	}
	command, err := requireString(cfg, "command", KindCommand)
	if err != nil {
		return nil, err
	}
	if !e.allowed(command) {
		return nil, fmt.Errorf("%w: command %q not in allowlist", ErrConfiguration, command)
	}

	var args []string
	if raw, ok := cfg["args"].([]any); ok {
		args = make([]string, 0, len(raw))
		for _, a := range raw {
			args = append(args, fmt.Sprint(a))
		}
	}

	stdout, stderr, err := e.Shell.Execute(ctx, command, args, stringValue(cfg, "dir"))
	if err != nil {
		return nil, fmt.Errorf("command %s: %w", command, err)
	}
	return map[string]any{"stdout": stdout, "stderr": stderr}, nil
}

func (e *CommandExecutor) allowed(command string) bool {
	base := filepath.Base(command)
	for _, a := range e.Allowed {
		if base == a {
			return true
		}
	}
	return false
}

// LocalShell runs commands on the local machine via os/exec.
type LocalShell struct{}

// Execute runs the command and captures stdout and stderr.
func (LocalShell) Execute(ctx context.Context, command string, args []string, workDir string) (string, string, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
