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

// Package operation defines the parsed tool call variants exchanged
// between the parser and the runner, and the result shape appended to
// the transcript.
package operation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Kind tags the operation variant. The runner matches on the variant,
// never on a tool-name string.
type Kind string

const (
	Read    Kind = "read"
	Write   Kind = "write"
	Append  Kind = "append"
	Exec    Kind = "exec"
	ListDir Kind = "list_dir"
)

// Operation is a parsed, not-yet-executed tool call. Paths are carried
// verbatim as the agent emitted them; policy is applied by the runner.
type Operation struct {
	Kind    Kind
	Path    string // Read, Write, Append, ListDir
	Content string // Write, Append
	Command string // Exec
}

// Key returns an order-preserving dedup key: identical operations (same
// kind and same arguments/content) collapse to the same key regardless
// of the syntactic form they were parsed from.
func (op Operation) Key() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s", op.Kind, op.Path, op.Command, op.Content)
	return hex.EncodeToString(h.Sum(nil))
}

func (op Operation) String() string {
	switch op.Kind {
	case Exec:
		return fmt.Sprintf("exec(%s)", op.Command)
	case Write, Append:
		return fmt.Sprintf("%s(%s, %d bytes)", op.Kind, op.Path, len(op.Content))
	default:
		return fmt.Sprintf("%s(%s)", op.Kind, op.Path)
	}
}

// ResultStatus classifies the outcome of executing an operation.
type ResultStatus string

const (
	StatusOK     ResultStatus = "ok"
	StatusDenied ResultStatus = "denied"
	StatusError  ResultStatus = "error"
)

// Result is the outcome of executing one Operation. Which fields are
// populated depends on the operation kind: Read fills Text, Write/Append
// fill BytesWritten, Exec fills Stdout/Stderr/ExitCode/DurationS.
type Result struct {
	Status       ResultStatus `json:"status"`
	Text         string       `json:"text,omitempty"`
	BytesWritten int          `json:"bytes_written,omitempty"`
	Stdout       string       `json:"stdout,omitempty"`
	Stderr       string       `json:"stderr,omitempty"`
	ExitCode     int          `json:"exit_code,omitempty"`
	DurationS    float64      `json:"duration_s,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// Denied builds a denial result with the given reason.
func Denied(reason string) Result {
	return Result{Status: StatusDenied, ErrorMessage: reason}
}

// Errorf builds an error result with a formatted message.
func Errorf(format string, args ...any) Result {
	return Result{Status: StatusError, ErrorMessage: fmt.Sprintf(format, args...)}
}
