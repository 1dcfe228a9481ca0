package stages

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageflow/types"
	"stageflow/vars"
)

type fakeMailer struct {
	to, subject, body string
	err               error
}

func (m *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	m.to, m.subject, m.body = to, subject, body
	return m.err
}

type fakeNotifier struct {
	channel, message string
}

func (n *fakeNotifier) Notify(_ context.Context, channel, message string) error {
	n.channel, n.message = channel, message
	return nil
}

type fakeReasoner struct {
	prompt string
	result map[string]any
}

func (r *fakeReasoner) Analyze(_ context.Context, prompt string, _ map[string]any) (map[string]any, error) {
	r.prompt = prompt
	return r.result, nil
}

type fakeEval struct{}

func (fakeEval) Eval(expression string, env map[string]any) (any, error) {
	if expression == "boom" {
		return nil, fmt.Errorf("compile error")
	}
	return env["answer"], nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("custom", ExecutorFunc(func(context.Context, map[string]any, vars.Env) (any, error) {
		return "ok", nil
	})))

	assert.True(t, r.Has("custom"))
	assert.False(t, r.Has("missing"))

	exec, ok := r.Get("custom")
	require.True(t, ok)
	got, err := exec.Execute(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	assert.Error(t, r.Register("", nil))
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry(Collaborators{})
	assert.Equal(t, []string{
		KindAnalyze, KindApprove, KindCommand, KindFetch,
		KindNotify, KindSave, KindSendEmail, KindTransform,
	}, r.Kinds())
}

func TestFetchExecutor(t *testing.T) {
	ctx := context.Background()

	t.Run("json response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			w.Write([]byte(`{"total": 42}`))
		}))
		defer srv.Close()

		exec := &FetchExecutor{Client: srv.Client()}
		got, err := exec.Execute(ctx, map[string]any{
			"url":     srv.URL,
			"format":  "json",
			"headers": map[string]any{"Authorization": "Bearer tok"},
		}, nil)
		require.NoError(t, err)

		result := got.(map[string]any)
		assert.Equal(t, http.StatusOK, result["status"])
		assert.Equal(t, map[string]any{"total": float64(42)}, result["body"])
	})

	t.Run("text response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("plain text"))
		}))
		defer srv.Close()

		exec := &FetchExecutor{Client: srv.Client()}
		got, err := exec.Execute(ctx, map[string]any{"url": srv.URL}, nil)
		require.NoError(t, err)
		assert.Equal(t, "plain text", got.(map[string]any)["body"])
	})

	t.Run("http error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusBadGateway)
		}))
		defer srv.Close()

		exec := &FetchExecutor{Client: srv.Client()}
		_, err := exec.Execute(ctx, map[string]any{"url": srv.URL}, nil)
		assert.ErrorIs(t, err, ErrFetch)
	})

	t.Run("post with body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			w.Write([]byte("ok"))
		}))
		defer srv.Close()

		exec := &FetchExecutor{Client: srv.Client()}
		_, err := exec.Execute(ctx, map[string]any{
			"url": srv.URL, "method": "post", "body": `{"x":1}`,
		}, nil)
		require.NoError(t, err)
	})

	t.Run("missing url", func(t *testing.T) {
		exec := &FetchExecutor{Client: http.DefaultClient}
		_, err := exec.Execute(ctx, map[string]any{}, nil)
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("no client", func(t *testing.T) {
		exec := &FetchExecutor{}
		_, err := exec.Execute(ctx, map[string]any{"url": "http://x"}, nil)
		assert.ErrorIs(t, err, ErrConfiguration)
	})
}

func TestTransformExecutor(t *testing.T) {
	ctx := context.Background()

	t.Run("expr wins", func(t *testing.T) {
		exec := &TransformExecutor{Eval: fakeEval{}}
		got, err := exec.Execute(ctx, map[string]any{"expr": "answer", "template": "ignored"}, vars.Env{"answer": 42})
		require.NoError(t, err)
		assert.Equal(t, 42, got)
	})

	t.Run("template passes through", func(t *testing.T) {
		exec := &TransformExecutor{}
		got, err := exec.Execute(ctx, map[string]any{"template": map[string]any{"k": "v"}}, nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"k": "v"}, got)
	})

	t.Run("expr failure", func(t *testing.T) {
		exec := &TransformExecutor{Eval: fakeEval{}}
		_, err := exec.Execute(ctx, map[string]any{"expr": "boom"}, nil)
		assert.ErrorIs(t, err, ErrTransform)
	})

	t.Run("neither configured", func(t *testing.T) {
		exec := &TransformExecutor{}
		_, err := exec.Execute(ctx, map[string]any{}, nil)
		assert.ErrorIs(t, err, ErrConfiguration)
	})
}

func TestAnalyzeExecutor(t *testing.T) {
	ctx := context.Background()

	t.Run("delegates to reasoner", func(t *testing.T) {
		r := &fakeReasoner{result: map[string]any{"summary": "fine"}}
		exec := &AnalyzeExecutor{Reasoner: r}
		got, err := exec.Execute(ctx, map[string]any{"prompt": "summarize this"}, nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"summary": "fine"}, got)
		assert.Equal(t, "summarize this", r.prompt)
	})

	t.Run("no reasoner", func(t *testing.T) {
		exec := &AnalyzeExecutor{}
		_, err := exec.Execute(ctx, map[string]any{"prompt": "x"}, nil)
		assert.ErrorIs(t, err, ErrConfiguration)
	})
}

func TestApproveExecutor(t *testing.T) {
	exec := &ApproveExecutor{}
	got, err := exec.Execute(context.Background(), map[string]any{
		"prompt": "Ship it?",
		"data":   map[string]any{"diff": "3 files"},
	}, nil)
	require.NoError(t, err)

	approval, ok := got.(*Approval)
	require.True(t, ok)
	assert.Equal(t, "Ship it?", approval.Prompt)
	assert.Equal(t, map[string]any{"diff": "3 files"}, approval.Data)
}

func TestEmailExecutor(t *testing.T) {
	ctx := context.Background()

	t.Run("sends", func(t *testing.T) {
		m := &fakeMailer{}
		exec := &EmailExecutor{Mailer: m}
		got, err := exec.Execute(ctx, map[string]any{
			"to": "ops@example.com", "subject": "report", "body": "done",
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "ops@example.com", m.to)
		assert.Equal(t, map[string]any{"sent": true, "to": "ops@example.com", "subject": "report"}, got)
	})

	t.Run("missing recipient", func(t *testing.T) {
		exec := &EmailExecutor{Mailer: &fakeMailer{}}
		_, err := exec.Execute(ctx, map[string]any{"subject": "x"}, nil)
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("no mailer", func(t *testing.T) {
		exec := &EmailExecutor{}
		_, err := exec.Execute(ctx, map[string]any{"to": "a@b"}, nil)
		assert.ErrorIs(t, err, ErrConfiguration)
	})
}

func TestNotifyExecutor(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults channel", func(t *testing.T) {
		n := &fakeNotifier{}
		exec := &NotifyExecutor{Notifier: n}
		got, err := exec.Execute(ctx, map[string]any{"message": "hello"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "default", n.channel)
		assert.Equal(t, "hello", n.message)
		assert.Equal(t, map[string]any{"notified": true, "channel": "default"}, got)
	})

	t.Run("missing message", func(t *testing.T) {
		exec := &NotifyExecutor{Notifier: &fakeNotifier{}}
		_, err := exec.Execute(ctx, map[string]any{}, nil)
		assert.ErrorIs(t, err, ErrConfiguration)
	})
}

func TestSaveExecutor(t *testing.T) {
	ctx := context.Background()
	exec := &SaveExecutor{}

	t.Run("writes string content", func(t *testing.T) {
		ws := t.TempDir()
		env := vars.Env{types.BuiltinWorkspace: ws}
		got, err := exec.Execute(ctx, map[string]any{"path": "out/report.md", "content": "# done"}, env)
		require.NoError(t, err)

		full := got.(map[string]any)["path"].(string)
		data, err := os.ReadFile(full)
		require.NoError(t, err)
		assert.Equal(t, "# done", string(data))
		assert.Equal(t, filepath.Join(ws, "out", "report.md"), full)
	})

	t.Run("marshals structured content", func(t *testing.T) {
		ws := t.TempDir()
		env := vars.Env{types.BuiltinWorkspace: ws}
		_, err := exec.Execute(ctx, map[string]any{
			"path": "data.json", "content": map[string]any{"total": 42},
		}, env)
		require.NoError(t, err)

		data, err := os.ReadFile(filepath.Join(ws, "data.json"))
		require.NoError(t, err)
		assert.Contains(t, string(data), `"total": 42`)
	})

	t.Run("rejects escape", func(t *testing.T) {
		env := vars.Env{types.BuiltinWorkspace: t.TempDir()}
		_, err := exec.Execute(ctx, map[string]any{"path": "../outside", "content": "x"}, env)
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("no workspace", func(t *testing.T) {
		_, err := exec.Execute(ctx, map[string]any{"path": "a", "content": "x"}, vars.Env{})
		assert.ErrorIs(t, err, ErrConfiguration)
	})
}

type fakeShell struct {
	command string
	args    []string
}

func (s *fakeShell) Execute(_ context.Context, command string, args []string, _ string) (string, string, error) {
	s.command, s.args = command, args
	return "out", "err", nil
}

func TestCommandExecutor(t *testing.T) {
	ctx := context.Background()

	t.Run("allowlisted command runs", func(t *testing.T) {
		sh := &fakeShell{}
		exec := &CommandExecutor{Shell: sh, Allowed: []string{"git"}}
		got, err := exec.Execute(ctx, map[string]any{
			"command": "/usr/bin/git", "args": []any{"status", "--short"},
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "/usr/bin/git", sh.command)
		assert.Equal(t, []string{"status", "--short"}, sh.args)
		assert.Equal(t, map[string]any{"stdout": "out", "stderr": "err"}, got)
	})

	t.Run("empty allowlist rejects everything", func(t *testing.T) {
		exec := &CommandExecutor{Shell: &fakeShell{}}
		_, err := exec.Execute(ctx, map[string]any{"command": "ls"}, nil)
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("unlisted command rejected", func(t *testing.T) {
		exec := &CommandExecutor{Shell: &fakeShell{}, Allowed: []string{"git"}}
		_, err := exec.Execute(ctx, map[string]any{"command": "rm"}, nil)
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("no shell", func(t *testing.T) {
		exec := &CommandExecutor{Allowed: []string{"ls"}}
		_, err := exec.Execute(ctx, map[string]any{"command": "ls"}, nil)
		assert.ErrorIs(t, err, ErrConfiguration)
	})
}
