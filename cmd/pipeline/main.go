// Command pipeline runs, validates, plans, and resumes stage pipelines.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"stageflow/compile"
	"stageflow/engine"
	"stageflow/rules"
	"stageflow/stages"
	"stageflow/storage"
	"stageflow/types"
)

const usage = `Usage: pipeline <command> [flags]

Commands:
  run <file|inline>   parse and execute a pipeline
  compile <file>      validate a pipeline without executing
  plan <file>         print the ordered stage list
  resume              resolve a pending approval
  serve               expose run/resume over HTTP

Run "pipeline <command> -h" for command flags.`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:])
	case "compile":
		err = cmdCompile(os.Args[2:])
	case "plan":
		err = cmdPlan(os.Args[2:])
	case "resume":
		err = cmdResume(os.Args[2:])
	case "serve":
		err = cmdServe(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Println(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// varFlags collects repeated --var k=v flags.
type varFlags map[string]any

func (v varFlags) String() string { return "" }

func (v varFlags) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	v[key] = value
	return nil
}

// storeFlags are shared by every command that touches persisted runs.
type storeFlags struct {
	dir       string
	redisAddr string
	workspace string
	verbose   bool
}

func (f *storeFlags) register(fs *flag.FlagSet) {
	home, _ := os.UserHomeDir()
	defDir := filepath.Join(home, ".stageflow")
	fs.StringVar(&f.dir, "store", defDir, "directory for run state and token secret")
	fs.StringVar(&f.redisAddr, "redis", "", "redis address for run state (overrides the file store)")
	fs.StringVar(&f.workspace, "workspace", "", "root for per-run scratch directories")
	fs.BoolVar(&f.verbose, "v", false, "verbose logging")
}

func (f *storeFlags) logger() *slog.Logger {
	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func (f *storeFlags) buildEngine() (*engine.Engine, error) {
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	secret, err := loadOrCreateSecret(filepath.Join(f.dir, "token.secret"))
	if err != nil {
		return nil, err
	}

	var store storage.RunStore
	if f.redisAddr != "" {
		rs, err := storage.NewRedisStore(storage.RedisOptions{Addr: f.redisAddr, PoolSize: 10})
		if err != nil {
			return nil, err
		}
		store = rs
	} else {
		fs, err := storage.NewFileStore(filepath.Join(f.dir, "runs"))
		if err != nil {
			return nil, err
		}
		store = fs
	}

	logger := f.logger()
	evaluator := rules.NewExprEvaluator()
	registry := stages.DefaultRegistry(stages.Collaborators{
		Client:          &http.Client{Timeout: 30 * time.Second},
		Shell:           stages.LocalShell{},
		Mailer:          mailerFromEnv(),
		Notifier:        &logNotifier{logger: logger},
		Eval:            evaluator,
		AllowedCommands: strings.FieldsFunc(os.Getenv("PIPELINE_ALLOWED_COMMANDS"), func(r rune) bool { return r == ',' }),
	})

	workspace := f.workspace
	if workspace == "" {
		workspace = filepath.Join(f.dir, "workspaces")
	}

	return engine.New(
		generator.NewSnowflake(time.Now().Add(-1*time.Second), 1),
		store,
		registry,
		engine.Config{
			WorkspaceRoot: workspace,
			TokenSecret:   secret,
			Evaluator:     evaluator,
			Logger:        logger,
		},
	)
}

// loadOrCreateSecret keeps the token-signing secret next to the run state so
// resume tokens stay valid across process restarts.
func loadOrCreateSecret(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		secret, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("corrupt token secret at %s: %w", path, err)
		}
		return secret, nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write token secret: %w", err)
	}
	return secret, nil
}

// loadDefinition reads a YAML file, or falls back to the inline
// `kind:k=v | kind` shorthand when the argument is not an existing file.
func loadDefinition(source string) (types.Definition, error) {
	if _, err := os.Stat(source); err == nil {
		return types.ParseFile(source)
	}
	if strings.Contains(source, "|") || strings.Contains(source, ":") || !strings.ContainsAny(source, "./") {
		return types.ParseInline(source)
	}
	return types.Definition{}, fmt.Errorf("no such pipeline file: %s", source)
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

// runReport is the JSON shape every run-producing command prints.
type runReport struct {
	Status          string         `json:"status"`
	RunID           string         `json:"runId"`
	StagesCompleted int            `json:"stagesCompleted"`
	Outputs         map[string]any `json:"outputs,omitempty"`
	Prompt          string         `json:"prompt,omitempty"`
	ResumeToken     string         `json:"resumeToken,omitempty"`
	Error           string         `json:"error,omitempty"`
}

func report(run *types.Run) runReport {
	return runReport{
		Status:          run.Status,
		RunID:           run.ID,
		StagesCompleted: run.CurrentStage,
		Outputs:         run.Outputs(),
		Prompt:          run.Prompt,
		ResumeToken:     run.ResumeToken,
		Error:           run.Error,
	}
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	overrides := varFlags{}
	fs.Var(overrides, "var", "initial variable binding key=value (repeatable)")
	var sf storeFlags
	sf.register(fs)
	fs.Parse(args)

	if fs.NArg() != 1 {
		return errors.New("run requires exactly one pipeline source")
	}
	def, err := loadDefinition(fs.Arg(0))
	if err != nil {
		return err
	}

	eng, err := sf.buildEngine()
	if err != nil {
		return err
	}
	defer eng.Stop(context.Background())

	run, err := eng.Execute(context.Background(), def, overrides)
	if err != nil {
		return err
	}
	printJSON(report(run))
	if run.Status == types.StatusFailed {
		os.Exit(1)
	}
	return nil
}

func cmdCompile(args []string) error {
	fs := flag.NewFlagSet("compile", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("compile requires exactly one pipeline file")
	}
	def, err := types.ParseFile(fs.Arg(0))
	if err != nil {
		return err
	}
	res := compile.Compile(def, defaultKindSet())
	printJSON(res)
	if !res.Valid {
		os.Exit(1)
	}
	return nil
}

func cmdPlan(args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("plan requires exactly one pipeline file")
	}
	def, err := types.ParseFile(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("pipeline %s (%d stages)\n", def.Name, len(def.Stages))
	for i, st := range def.Stages {
		line := fmt.Sprintf("%3d. %-20s %s", i+1, st.ID, st.Kind)
		if st.Output != "" {
			line += " -> " + st.Output
		}
		fmt.Println(line)
		for _, b := range st.OnApprove {
			fmt.Printf("       on approve: %s (%s)\n", b.ID, b.Kind)
		}
		for _, b := range st.OnReject {
			fmt.Printf("       on reject:  %s (%s)\n", b.ID, b.Kind)
		}
	}
	return nil
}

func cmdResume(args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	token := fs.String("token", "", "resume token of the suspended run")
	approveFlag := fs.Bool("approve", false, "approve the pending gate")
	rejectFlag := fs.Bool("reject", false, "reject the pending gate")
	reason := fs.String("reason", "", "optional decision reason")
	var sf storeFlags
	sf.register(fs)
	fs.Parse(args)

	if *token == "" {
		return errors.New("resume requires --token")
	}
	if *approveFlag == *rejectFlag {
		return errors.New("resume requires exactly one of --approve or --reject")
	}

	eng, err := sf.buildEngine()
	if err != nil {
		return err
	}
	defer eng.Stop(context.Background())

	run, err := eng.Resume(context.Background(), *token, *approveFlag, *reason)
	if err != nil {
		return err
	}
	printJSON(report(run))
	if run.Status == types.StatusFailed {
		os.Exit(1)
	}
	return nil
}

// defaultKindSet builds a registry for compile-only commands: the kind names
// must match what run would use, but no collaborator ever executes.
func defaultKindSet() *stages.Registry {
	return stages.DefaultRegistry(stages.Collaborators{})
}

// logNotifier delivers notify-stage messages to the structured log.
type logNotifier struct {
	logger *slog.Logger
}

func (n *logNotifier) Notify(_ context.Context, channel, message string) error {
	n.logger.Info("notification", "channel", channel, "message", message)
	return nil
}
