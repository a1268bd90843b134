package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/axe/pkg/config"
	"github.com/kadirpekel/axe/pkg/operation"
)

func newTestRunner(t *testing.T, policy *config.PolicyConfig, opts ...Option) *Runner {
	t.Helper()
	if policy == nil {
		policy = &config.PolicyConfig{}
	}
	if policy.SandboxMode == "" {
		policy.SandboxMode = config.SandboxPathCheck
	}
	if policy.ExecutionTimeoutSeconds == 0 {
		policy.ExecutionTimeoutSeconds = 10
	}
	r, err := New(t.TempDir(), policy, opts...)
	require.NoError(t, err)
	return r
}

func TestRun_ReadAllowed(t *testing.T) {
	r := newTestRunner(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(r.Workspace(), "notes.md"), []byte("hi"), 0o644))

	res := r.Run(context.Background(), operation.Operation{Kind: operation.Read, Path: "notes.md"})
	assert.Equal(t, operation.StatusOK, res.Status)
	assert.Equal(t, "hi", res.Text)
}

func TestRun_ReadEscapeDenied(t *testing.T) {
	r := newTestRunner(t, nil)

	for _, path := range []string{"/etc/passwd", "../outside.txt", "sub/../../escape"} {
		res := r.Run(context.Background(), operation.Operation{Kind: operation.Read, Path: path})
		assert.Equal(t, operation.StatusDenied, res.Status, "path %q", path)
		assert.Equal(t, ReasonOutsideWorkspace, res.ErrorMessage, "path %q", path)
	}
}

func TestRun_SymlinkEscapeDenied(t *testing.T) {
	r := newTestRunner(t, nil)

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(r.Workspace(), "link")))

	res := r.Run(context.Background(), operation.Operation{Kind: operation.Read, Path: "link/secret"})
	assert.Equal(t, operation.StatusDenied, res.Status)
}

func TestRun_WriteCreatesParents(t *testing.T) {
	r := newTestRunner(t, nil)

	res := r.Run(context.Background(), operation.Operation{
		Kind: operation.Write, Path: "deep/nested/file.txt", Content: "content",
	})
	require.Equal(t, operation.StatusOK, res.Status)
	assert.Equal(t, 7, res.BytesWritten)

	data, err := os.ReadFile(filepath.Join(r.Workspace(), "deep/nested/file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestRun_Append(t *testing.T) {
	r := newTestRunner(t, nil)

	ctx := context.Background()
	r.Run(ctx, operation.Operation{Kind: operation.Write, Path: "log.txt", Content: "a\n"})
	res := r.Run(ctx, operation.Operation{Kind: operation.Append, Path: "log.txt", Content: "b\n"})
	require.Equal(t, operation.StatusOK, res.Status)

	data, err := os.ReadFile(filepath.Join(r.Workspace(), "log.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(data))
}

func TestRun_WritablePathsEnforced(t *testing.T) {
	ws := t.TempDir()
	policy := &config.PolicyConfig{
		SandboxMode:             config.SandboxPathCheck,
		ExecutionTimeoutSeconds: 10,
		WritablePaths:           []string{filepath.Join(ws, "out")},
	}
	r, err := New(ws, policy)
	require.NoError(t, err)

	ctx := context.Background()
	res := r.Run(ctx, operation.Operation{Kind: operation.Write, Path: "out/ok.txt", Content: "x"})
	assert.Equal(t, operation.StatusOK, res.Status)

	res = r.Run(ctx, operation.Operation{Kind: operation.Write, Path: "elsewhere.txt", Content: "x"})
	assert.Equal(t, operation.StatusDenied, res.Status)
	assert.Equal(t, "path_not_writable", res.ErrorMessage)

	// Reads are unaffected by writable_paths.
	require.NoError(t, os.WriteFile(filepath.Join(ws, "readable.txt"), []byte("y"), 0o644))
	res = r.Run(ctx, operation.Operation{Kind: operation.Read, Path: "readable.txt"})
	assert.Equal(t, operation.StatusOK, res.Status)
}

func TestRun_ForbiddenPathPrefix(t *testing.T) {
	ws := t.TempDir()
	policy := &config.PolicyConfig{
		SandboxMode:             config.SandboxPathCheck,
		ExecutionTimeoutSeconds: 10,
		ForbiddenPaths:          []string{filepath.Join(ws, "secrets")},
	}
	r, err := New(ws, policy)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "secrets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "secrets", "key"), []byte("k"), 0o644))

	res := r.Run(context.Background(), operation.Operation{Kind: operation.Read, Path: "secrets/key"})
	assert.Equal(t, operation.StatusDenied, res.Status)
	assert.Equal(t, "path_forbidden", res.ErrorMessage)
}

func TestRun_ListDir(t *testing.T) {
	r := newTestRunner(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(r.Workspace(), "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(r.Workspace(), "a.txt"), nil, 0o644))

	res := r.Run(context.Background(), operation.Operation{Kind: operation.ListDir, Path: "."})
	require.Equal(t, operation.StatusOK, res.Status)
	assert.Equal(t, "a.txt\nsub/", res.Text)
}

func TestRun_ExecSimple(t *testing.T) {
	r := newTestRunner(t, &config.PolicyConfig{AllowList: []string{"echo"}})

	res := r.Run(context.Background(), operation.Operation{Kind: operation.Exec, Command: "echo hello"})
	require.Equal(t, operation.StatusOK, res.Status)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
	assert.Greater(t, res.DurationS, 0.0)
}

func TestRun_ExecPipeline(t *testing.T) {
	r := newTestRunner(t, &config.PolicyConfig{AllowList: []string{"printf", "grep"}})

	res := r.Run(context.Background(), operation.Operation{
		Kind: operation.Exec, Command: "printf 'a\\nb\\nab\\n' | grep a",
	})
	require.Equal(t, operation.StatusOK, res.Status)
	assert.Equal(t, "a\nab\n", res.Stdout)
}

func TestRun_ExecHeredocPreserved(t *testing.T) {
	r := newTestRunner(t, &config.PolicyConfig{AllowList: []string{"cat"}})

	cmd := "cat > out.md << 'EOF'\n# Title\n- a\nEOF"
	res := r.Run(context.Background(), operation.Operation{Kind: operation.Exec, Command: cmd})
	require.Equal(t, operation.StatusOK, res.Status, "stripped form is the single command cat: %s", res.ErrorMessage)

	data, err := os.ReadFile(filepath.Join(r.Workspace(), "out.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Title\n- a\n", string(data))
}

func TestRun_ExecDeniedCommand(t *testing.T) {
	r := newTestRunner(t, &config.PolicyConfig{AllowList: []string{"ls"}})

	res := r.Run(context.Background(), operation.Operation{Kind: operation.Exec, Command: "wget http://x"})
	assert.Equal(t, operation.StatusDenied, res.Status)
}

func TestRun_ExecNonZeroExit(t *testing.T) {
	r := newTestRunner(t, &config.PolicyConfig{AllowList: []string{"sh", "false"}})

	res := r.Run(context.Background(), operation.Operation{Kind: operation.Exec, Command: "false"})
	assert.Equal(t, operation.StatusOK, res.Status, "non-zero exit is a normal outcome")
	assert.Equal(t, 1, res.ExitCode)
}

func TestRun_ExecTimeout(t *testing.T) {
	r := newTestRunner(t, &config.PolicyConfig{
		AllowList:               []string{"sleep"},
		ExecutionTimeoutSeconds: 1,
	})

	res := r.Run(context.Background(), operation.Operation{Kind: operation.Exec, Command: "sleep 5"})
	assert.Equal(t, operation.StatusError, res.Status)
	assert.Equal(t, "timeout", res.ErrorMessage)
}

func TestRun_ExecOutputTruncated(t *testing.T) {
	r := newTestRunner(t, &config.PolicyConfig{AllowList: []string{"head"}}, WithOutputLimit(100))

	res := r.Run(context.Background(), operation.Operation{
		Kind: operation.Exec, Command: "head -c 1000 /dev/zero",
	})
	require.Equal(t, operation.StatusOK, res.Status)
	assert.Len(t, res.Stdout, 100+len("\n...[output truncated]"))
}

func TestRun_StderrCapturedSeparately(t *testing.T) {
	r := newTestRunner(t, &config.PolicyConfig{AllowList: []string{"sh", "echo"}})

	res := r.Run(context.Background(), operation.Operation{
		Kind: operation.Exec, Command: "echo out; echo err >&2",
	})
	require.Equal(t, operation.StatusOK, res.Status)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

func TestNew_RelativeWorkspaceRejected(t *testing.T) {
	_, err := New("./ws", &config.PolicyConfig{})
	assert.Error(t, err)
}
