// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runner

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/kadirpekel/axe/pkg/config"
	"github.com/kadirpekel/axe/pkg/operation"
)

// sandboxHelper is the namespace-isolation binary probed for when
// sandbox_mode is namespace.
const sandboxHelper = "bwrap"

// shellMetaPattern decides whether the command needs a shell. Anything
// with pipes, logic operators, redirects, substitution, or quoting runs
// under `sh -c`; a plain word list is spawned directly.
func needsShell(cmd string) bool {
	return strings.ContainsAny(cmd, "|&;<>`$\n'\"*?~")
}

// execCommand validates and runs one Exec operation. The raw command
// string is the source of truth for execution; validation only ever sees
// the derived, heredoc-stripped view.
func (r *Runner) execCommand(ctx context.Context, raw string) operation.Result {
	if denial := r.validateCommand(raw); denial != "" {
		return operation.Denied(denial)
	}

	timeout := r.policy.ExecutionTimeout(firstCommandName(raw))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	switch {
	case r.useNamespace():
		cmd = r.namespaceCmd(ctx, raw)
	case needsShell(raw):
		cmd = exec.CommandContext(ctx, "sh", "-c", raw)
	default:
		words := splitWords(raw)
		if len(words) == 0 {
			return operation.Denied("no command")
		}
		cmd = exec.CommandContext(ctx, words[0], words[1:]...)
	}
	cmd.Dir = r.workspace

	// Run the child in its own process group so a timeout tears down the
	// whole tree, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start).Seconds()

	result := operation.Result{
		Status:    operation.StatusOK,
		Stdout:    r.truncate(stdout.String()),
		Stderr:    r.truncate(stderr.String()),
		DurationS: duration,
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.Status = operation.StatusError
			result.ErrorMessage = "timeout"
			return result
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// A non-zero exit is a normal outcome; the agent reads the
			// code from the result.
			result.ExitCode = exitErr.ExitCode()
			return result
		}
		result.Status = operation.StatusError
		result.ErrorMessage = err.Error()
		return result
	}
	return result
}

// firstCommandName yields the command used for per-tool timeout lookup.
func firstCommandName(raw string) string {
	names := ExtractCommandNames(StripHeredocs(raw))
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// useNamespace reports whether the namespace sandbox should wrap this
// execution, probing for the helper once per runner. When the helper is
// missing the runner degrades to path_check and warns exactly once.
func (r *Runner) useNamespace() bool {
	if r.policy.SandboxMode != config.SandboxNamespace {
		return false
	}
	r.sandboxOnce.Do(func() {
		path, err := exec.LookPath(sandboxHelper)
		if err != nil {
			slog.Warn("Namespace sandbox helper unavailable, falling back to path_check", "helper", sandboxHelper)
			if r.fallbackWarn != nil {
				r.fallbackWarn("namespace sandbox unavailable (" + sandboxHelper + " not found); running with path_check only")
			}
			return
		}
		r.sandboxPath = path
	})
	return r.sandboxPath != ""
}

// namespaceCmd wraps the command in the isolation helper: read-only root
// view, workspace bind-mounted writable, no network, dying with the
// parent.
func (r *Runner) namespaceCmd(ctx context.Context, raw string) *exec.Cmd {
	args := []string{
		"--ro-bind", "/", "/",
		"--bind", r.workspace, r.workspace,
		"--dev", "/dev",
		"--proc", "/proc",
		"--tmpfs", "/tmp",
		"--unshare-net",
		"--die-with-parent",
		"--chdir", r.workspace,
		"sh", "-c", raw,
	}
	return exec.CommandContext(ctx, r.sandboxPath, args...)
}

// splitWords performs POSIX-style word splitting with single and double
// quote handling, for the no-shell execution path.
func splitWords(cmd string) []string {
	var words []string
	var cur strings.Builder
	var quote rune
	inWord := false

	for _, c := range cmd {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteRune(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inWord = true
		case c == ' ' || c == '\t':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(c)
			inWord = true
		}
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words
}
