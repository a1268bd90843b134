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

// Package parser decodes LLM free text into a normalized operation list.
//
// Several competing surface forms are recognized in a single pass: fenced
// directive blocks (READ/WRITE/APPEND/EXEC), shell fenced blocks
// (bash/sh/shell), inline <bash> tags, simple named tags, and the
// structured <function_calls> invocation envelope. Operations are emitted
// in the order first encountered and deduplicated, so a reply that
// restates the same call in two syntactic forms executes it once.
//
// The parser never fails: malformed fragments are silently dropped and an
// unrecognizable reply yields an empty list. Policy is not applied here;
// path traversal attempts are preserved verbatim for the runner to reject.
package parser

import (
	"regexp"
	"sort"
	"strings"

	"github.com/kadirpekel/axe/pkg/operation"
)

const fence = "```"

// candidate pairs an operation with its byte offset in the reply so the
// different surface forms can be interleaved in textual order.
type candidate struct {
	pos int
	op  operation.Operation
}

// span marks a fenced region; tag forms inside fences are not parsed
// (fences often quote example payloads).
type span struct {
	start, end int
}

// Parse extracts the deduplicated, ordered operations from a reply.
func Parse(content string) []operation.Operation {
	if content == "" {
		return nil
	}

	cands, spans := parseFences(content)

	masked := maskSpans(content, spans)
	cands = append(cands, parseBashTags(masked)...)
	cands = append(cands, parseSimpleTags(masked)...)
	cands = append(cands, parseInvocations(masked)...)

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].pos < cands[j].pos })

	seen := make(map[string]bool, len(cands))
	ops := make([]operation.Operation, 0, len(cands))
	for _, c := range cands {
		key := c.op.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		ops = append(ops, c.op)
	}
	return ops
}

// parseFences walks every three-backtick fenced block and decodes
// directive and shell fences. All fence spans are reported, including
// blocks with unrelated tags, so the tag scanners skip quoted material.
func parseFences(content string) ([]candidate, []span) {
	var cands []candidate
	var spans []span

	i := 0
	for {
		openRel := strings.Index(content[i:], fence)
		if openRel == -1 {
			break
		}
		open := i + openRel

		closeRel := strings.Index(content[open+len(fence):], fence)
		if closeRel == -1 {
			break // unclosed fence, drop
		}
		bodyStart := open + len(fence)
		bodyEnd := bodyStart + closeRel
		block := content[bodyStart:bodyEnd]
		spans = append(spans, span{open, bodyEnd + len(fence)})
		i = bodyEnd + len(fence)

		head, rest := block, ""
		if nl := strings.IndexByte(block, '\n'); nl != -1 {
			head, rest = block[:nl], block[nl+1:]
		}
		head = strings.TrimSpace(head)

		tag, inline := head, ""
		if sp := strings.IndexAny(head, " \t"); sp != -1 {
			tag, inline = head[:sp], strings.TrimSpace(head[sp+1:])
		}

		// Tags are case-sensitive.
		switch tag {
		case "READ":
			if path := sanitizePath(inline); path != "" {
				cands = append(cands, candidate{open, operation.Operation{Kind: operation.Read, Path: path}})
			}
		case "EXEC":
			// Only the inline argument is used; body lines are not valid here.
			if inline != "" {
				cands = append(cands, candidate{open, operation.Operation{Kind: operation.Exec, Command: inline}})
			}
		case "WRITE", "APPEND":
			path := sanitizePath(inline)
			if path == "" || rest == "" {
				continue
			}
			kind := operation.Write
			if tag == "APPEND" {
				kind = operation.Append
			}
			cands = append(cands, candidate{open, operation.Operation{Kind: kind, Path: path, Content: rest}})
		case "bash", "sh", "shell":
			cands = append(cands, parseShellBlock(open, inline, rest)...)
		}
	}

	return cands, spans
}

// heredocPattern matches << LABEL, << 'LABEL', <<- LABEL, and <<< forms.
var heredocPattern = regexp.MustCompile(`<<<|<<-?\s*['"]?[A-Za-z_]`)

// parseShellBlock turns a shell fence into operations. Each non-empty,
// non-comment line is a separate Exec, except when the block contains a
// heredoc: then the whole block is one Exec so the body survives intact.
// The inline form (command on the fence line itself) is permitted.
func parseShellBlock(pos int, inline, body string) []candidate {
	full := body
	if inline != "" {
		if full == "" {
			full = inline
		} else {
			full = inline + "\n" + full
		}
	}
	if strings.TrimSpace(full) == "" {
		return nil
	}

	if heredocPattern.MatchString(full) {
		cmd := strings.TrimRight(full, "\n")
		return []candidate{{pos, operation.Operation{Kind: operation.Exec, Command: cmd}}}
	}

	var cands []candidate
	for _, line := range strings.Split(full, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cands = append(cands, candidate{pos, operation.Operation{Kind: operation.Exec, Command: line}})
	}
	return cands
}

var (
	bashTagPattern  = regexp.MustCompile(`(?s)<bash>(.*?)</bash>`)
	shellTagPattern = regexp.MustCompile(`(?s)<shell>(.*?)</shell>`)
	readTagPattern  = regexp.MustCompile(`(?s)<read_file>(.*?)</read_file>`)
	writeTagPattern = regexp.MustCompile(`(?s)<write_file\s+path="([^"]*)"\s*>(.*?)</write_file>`)
)

// parseBashTags handles the inline <bash>command</bash> form; one Exec
// per tag occurrence.
func parseBashTags(content string) []candidate {
	var cands []candidate
	for _, m := range bashTagPattern.FindAllStringSubmatchIndex(content, -1) {
		cmd := strings.TrimSpace(content[m[2]:m[3]])
		if cmd == "" {
			continue
		}
		cands = append(cands, candidate{m[0], operation.Operation{Kind: operation.Exec, Command: cmd}})
	}
	return cands
}

// parseSimpleTags handles <read_file>, <shell>, and <write_file path="">.
func parseSimpleTags(content string) []candidate {
	var cands []candidate

	for _, m := range readTagPattern.FindAllStringSubmatchIndex(content, -1) {
		path := sanitizePath(content[m[2]:m[3]])
		if path == "" {
			continue
		}
		cands = append(cands, candidate{m[0], operation.Operation{Kind: operation.Read, Path: path}})
	}
	for _, m := range shellTagPattern.FindAllStringSubmatchIndex(content, -1) {
		cmd := strings.TrimSpace(content[m[2]:m[3]])
		if cmd == "" {
			continue
		}
		cands = append(cands, candidate{m[0], operation.Operation{Kind: operation.Exec, Command: cmd}})
	}
	for _, m := range writeTagPattern.FindAllStringSubmatchIndex(content, -1) {
		path := sanitizePath(content[m[2]:m[3]])
		if path == "" {
			continue
		}
		cands = append(cands, candidate{m[0], operation.Operation{Kind: operation.Write, Path: path, Content: content[m[4]:m[5]]}})
	}

	return cands
}

// Tool name synonyms for the invocation envelope. Unknown names are
// ignored rather than erroring, so a hallucinated tool cannot derail the
// session.
var toolSynonyms = map[string]operation.Kind{
	"read_file": operation.Read, "read": operation.Read, "cat": operation.Read,
	"get_file": operation.Read, "view_file": operation.Read,

	"write_file": operation.Write, "write": operation.Write,
	"create_file": operation.Write, "save_file": operation.Write,

	"append_file": operation.Append, "append": operation.Append,
	"append_to_file": operation.Append,

	"shell": operation.Exec, "bash": operation.Exec, "exec": operation.Exec,
	"run_shell": operation.Exec, "execute": operation.Exec, "run_command": operation.Exec,

	"list_dir": operation.ListDir, "list_directory": operation.ListDir,
	"ls": operation.ListDir, "listdir": operation.ListDir,
}

// Parameter name synonyms, matched per target kind.
var (
	pathParams    = []string{"file_path", "path", "filename", "file"}
	contentParams = []string{"content", "data", "text", "contents"}
	commandParams = []string{"command", "cmd", "shell_command"}
	dirParams     = []string{"path", "directory", "dir"}
)

var (
	envelopePattern  = regexp.MustCompile(`(?s)<function_calls>(.*?)</function_calls>`)
	invokePattern    = regexp.MustCompile(`(?s)<invoke\s+name="([^"]*)"\s*>(.*?)</invoke>`)
	parameterPattern = regexp.MustCompile(`(?s)<parameter\s+name="([^"]*)"\s*>(.*?)</parameter>`)
)

// parseInvocations handles the structured <function_calls> envelope.
func parseInvocations(content string) []candidate {
	var cands []candidate

	for _, env := range envelopePattern.FindAllStringSubmatchIndex(content, -1) {
		body := content[env[2]:env[3]]
		base := env[2]

		for _, inv := range invokePattern.FindAllStringSubmatchIndex(body, -1) {
			name := strings.TrimSpace(body[inv[2]:inv[3]])
			kind, ok := toolSynonyms[name]
			if !ok {
				continue
			}

			params := map[string]string{}
			for _, p := range parameterPattern.FindAllStringSubmatch(body[inv[4]:inv[5]], -1) {
				params[strings.TrimSpace(p[1])] = p[2]
			}

			pos := base + inv[0]
			if op, ok := buildInvocation(kind, params); ok {
				cands = append(cands, candidate{pos, op})
			}
		}
	}

	return cands
}

// buildInvocation maps synonym parameters onto the operation variant.
// Invocations missing a required argument are dropped.
func buildInvocation(kind operation.Kind, params map[string]string) (operation.Operation, bool) {
	lookup := func(names []string) (string, bool) {
		for _, n := range names {
			if v, ok := params[n]; ok {
				return v, true
			}
		}
		return "", false
	}

	switch kind {
	case operation.Read:
		if path, ok := lookup(pathParams); ok {
			if path = sanitizePath(path); path != "" {
				return operation.Operation{Kind: operation.Read, Path: path}, true
			}
		}
	case operation.Write, operation.Append:
		path, okPath := lookup(pathParams)
		body, okBody := lookup(contentParams)
		if okPath && okBody {
			if path = sanitizePath(path); path != "" {
				return operation.Operation{Kind: kind, Path: path, Content: body}, true
			}
		}
	case operation.Exec:
		if cmd, ok := lookup(commandParams); ok {
			if cmd = strings.TrimSpace(cmd); cmd != "" {
				return operation.Operation{Kind: operation.Exec, Command: cmd}, true
			}
		}
	case operation.ListDir:
		if dir, ok := lookup(dirParams); ok {
			if dir = sanitizePath(dir); dir != "" {
				return operation.Operation{Kind: operation.ListDir, Path: dir}, true
			}
		}
	}
	return operation.Operation{}, false
}

// sanitizePath strips trailing backticks, surrounding quotes, and
// trailing whitespace from a path argument. Traversal attempts (..) are
// preserved verbatim; rejecting them is the runner's job.
func sanitizePath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.TrimRight(path, "`")
	path = strings.TrimSpace(path)
	for len(path) >= 2 {
		first, last := path[0], path[len(path)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			path = path[1 : len(path)-1]
			continue
		}
		break
	}
	return strings.TrimSpace(path)
}

// maskSpans blanks the given regions with spaces, preserving offsets so
// match positions in the masked text map back to the original.
func maskSpans(content string, spans []span) string {
	if len(spans) == 0 {
		return content
	}
	b := []byte(content)
	for _, s := range spans {
		for i := s.start; i < s.end && i < len(b); i++ {
			if b[i] != '\n' {
				b[i] = ' '
			}
		}
	}
	return string(b)
}
