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

// Package runner validates operations against policy and executes them
// inside the session workspace while preserving shell semantics (pipes,
// heredocs, redirects, subshells).
//
// The runner never propagates execution failures as Go errors: every
// outcome, including denials and timeouts, is an ordinary Result. It
// knows nothing about the parser or the scheduler.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kadirpekel/axe/pkg/config"
	"github.com/kadirpekel/axe/pkg/operation"
)

// DefaultOutputLimit is the per-stream byte budget for captured
// stdout/stderr before truncation.
const DefaultOutputLimit = 64 * 1024

const truncationMarker = "\n...[output truncated]"

// ReasonOutsideWorkspace is the denial reason for escape attempts.
const ReasonOutsideWorkspace = "path_outside_workspace"

// Runner executes single operations under a ToolPolicy.
type Runner struct {
	workspace   string // canonical absolute workspace root
	policy      *config.PolicyConfig
	outputLimit int

	sandboxOnce  sync.Once
	sandboxPath  string // resolved helper binary, empty when unavailable
	fallbackWarn func(string)
}

// Option configures a Runner.
type Option func(*Runner)

// WithOutputLimit overrides the stdout/stderr byte budget.
func WithOutputLimit(n int) Option {
	return func(r *Runner) { r.outputLimit = n }
}

// WithFallbackWarning registers a callback invoked at most once when the
// namespace sandbox helper is unavailable and the runner falls back to
// path_check. The scheduler appends it to the transcript.
func WithFallbackWarning(fn func(string)) Option {
	return func(r *Runner) { r.fallbackWarn = fn }
}

// New creates a Runner rooted at the given workspace.
func New(workspace string, policy *config.PolicyConfig, opts ...Option) (*Runner, error) {
	if !filepath.IsAbs(workspace) {
		return nil, fmt.Errorf("workspace must be an absolute path, got %q", workspace)
	}
	canonical, err := filepath.EvalSymlinks(workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace %q: %w", workspace, err)
	}

	r := &Runner{
		workspace:   canonical,
		policy:      policy,
		outputLimit: DefaultOutputLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Workspace returns the canonical workspace root.
func (r *Runner) Workspace() string {
	return r.workspace
}

// Run validates and executes a single operation. It never returns a Go
// error; unexpected internal failures become error Results.
func (r *Runner) Run(ctx context.Context, op operation.Operation) (res operation.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Runner panic recovered", "op", op.String(), "panic", rec)
			res = operation.Errorf("internal runner failure: %v", rec)
		}
	}()

	switch op.Kind {
	case operation.Read:
		return r.readFile(op.Path)
	case operation.Write:
		return r.writeFile(op.Path, op.Content, false)
	case operation.Append:
		return r.writeFile(op.Path, op.Content, true)
	case operation.ListDir:
		return r.listDir(op.Path)
	case operation.Exec:
		return r.execCommand(ctx, op.Command)
	default:
		return operation.Errorf("unknown operation kind %q", op.Kind)
	}
}

func (r *Runner) readFile(path string) operation.Result {
	resolved, denial := r.resolvePath(path)
	if denial != "" {
		return operation.Denied(denial)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return operation.Errorf("failed to read %s: %v", path, err)
	}
	return operation.Result{Status: operation.StatusOK, Text: string(data)}
}

func (r *Runner) writeFile(path, content string, appendMode bool) operation.Result {
	resolved, denial := r.resolvePath(path)
	if denial != "" {
		return operation.Denied(denial)
	}
	if denial := r.checkWritable(resolved); denial != "" {
		return operation.Denied(denial)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return operation.Errorf("failed to create parent directories for %s: %v", path, err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return operation.Errorf("failed to open %s: %v", path, err)
	}
	defer f.Close()

	n, err := f.WriteString(content)
	if err != nil {
		return operation.Errorf("failed to write %s: %v", path, err)
	}
	return operation.Result{Status: operation.StatusOK, BytesWritten: n}
}

func (r *Runner) listDir(path string) operation.Result {
	if path == "" {
		path = "."
	}
	resolved, denial := r.resolvePath(path)
	if denial != "" {
		return operation.Denied(denial)
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return operation.Errorf("failed to list %s: %v", path, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return operation.Result{Status: operation.StatusOK, Text: strings.Join(names, "\n")}
}

// resolvePath canonicalizes the agent-supplied path and confines it to
// the workspace. The returned denial reason is empty when the path is
// acceptable. Symlinks are resolved so a link pointing outside the
// workspace is caught even when the textual path looks contained.
func (r *Runner) resolvePath(path string) (string, string) {
	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(r.workspace, path)
	}

	canonical, err := resolveSymlinks(abs)
	if err != nil {
		return "", ReasonOutsideWorkspace
	}

	if !pathWithin(canonical, r.workspace) {
		return "", ReasonOutsideWorkspace
	}
	for _, prefix := range r.policy.ForbiddenPaths {
		if pathWithin(canonical, filepath.Clean(prefix)) {
			return "", "path_forbidden"
		}
	}
	return canonical, ""
}

// checkWritable enforces writable_paths on a canonical path. An empty
// list leaves the whole workspace writable.
func (r *Runner) checkWritable(canonical string) string {
	if len(r.policy.WritablePaths) == 0 {
		return ""
	}
	for _, prefix := range r.policy.WritablePaths {
		if pathWithin(canonical, filepath.Clean(prefix)) {
			return ""
		}
	}
	return "path_not_writable"
}

// pathWithin reports whether path equals root or sits under it with a
// separator-aligned prefix, so /tmp/wsx never matches root /tmp/ws.
func pathWithin(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// resolveSymlinks canonicalizes a path that may not exist yet by
// resolving its deepest existing ancestor and re-appending the rest.
func resolveSymlinks(path string) (string, error) {
	remainder := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Clean(filepath.Join(resolved, remainder)), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %s", path)
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}

// truncate clips s to the output budget, appending the marker.
func (r *Runner) truncate(s string) string {
	if len(s) <= r.outputLimit {
		return s
	}
	return s[:r.outputLimit] + truncationMarker
}
