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
	"regexp"
	"strings"
)

// Command validation operates on a derived view of the raw command: the
// heredoc bodies are excised so their content cannot smuggle command
// names past the allow list, then command names are extracted from each
// pipeline segment. The original command string is preserved byte for
// byte for execution.

var (
	hereStringPattern  = regexp.MustCompile(`<<<\s*(?:"[^"]*"|'[^']*'|\S+)`)
	heredocOpenPattern = regexp.MustCompile(`<<(-?)\s*(?:'([A-Za-z_][A-Za-z0-9_]*)'|"([A-Za-z_][A-Za-z0-9_]*)"|([A-Za-z_][A-Za-z0-9_]*))`)
)

// StripHeredocs returns the command with every heredoc marker and body
// removed, for validation purposes only. The <<- form honors tab
// stripping when matching the terminator; the <<< here-string form
// removes only its single argument token.
func StripHeredocs(cmd string) string {
	cmd = hereStringPattern.ReplaceAllString(cmd, "")

	for {
		loc := heredocOpenPattern.FindStringSubmatchIndex(cmd)
		if loc == nil {
			return cmd
		}

		dashTab := cmd[loc[2]:loc[3]] == "-"
		label := firstGroup(cmd, loc, 2, 3, 4)

		// Body starts on the line after the marker.
		bodyStart := strings.IndexByte(cmd[loc[1]:], '\n')
		if bodyStart == -1 {
			// Marker with no body on this input; drop just the marker.
			cmd = cmd[:loc[0]] + cmd[loc[1]:]
			continue
		}
		bodyStart += loc[1] + 1

		end := findTerminator(cmd, bodyStart, label, dashTab)
		// Keep a newline so any command following the heredoc stays in
		// its own segment.
		cmd = cmd[:loc[0]] + cmd[loc[1]:bodyStart-1] + "\n" + cmd[end:]
	}
}

// firstGroup returns the first non-empty capture among the given groups.
func firstGroup(s string, loc []int, groups ...int) string {
	for _, g := range groups {
		if loc[2*g] != -1 {
			return s[loc[2*g]:loc[2*g+1]]
		}
	}
	return ""
}

// findTerminator locates the end offset just past the terminator line,
// using beginning-of-line matching. Unterminated heredocs consume the
// rest of the string, mirroring what a shell would read from stdin.
func findTerminator(cmd string, from int, label string, stripTabs bool) int {
	pos := from
	for pos <= len(cmd) {
		lineEnd := strings.IndexByte(cmd[pos:], '\n')
		var line string
		var next int
		if lineEnd == -1 {
			line = cmd[pos:]
			next = len(cmd)
		} else {
			line = cmd[pos : pos+lineEnd]
			next = pos + lineEnd + 1
		}

		candidate := line
		if stripTabs {
			candidate = strings.TrimLeft(candidate, "\t")
		}
		if candidate == label {
			return next
		}
		if lineEnd == -1 {
			break
		}
		pos = next
	}
	return len(cmd)
}

// envAssignPattern matches leading VAR=value tokens.
var envAssignPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

// redirect constructs removed from a segment before command-name
// extraction; order matters (&-forms before plain > forms).
var redirectPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d?>&\d`),      // 2>&1, >&2
	regexp.MustCompile(`&>>?\s*\S+`),   // &> file, &>> file
	regexp.MustCompile(`\d?>>?\s*\S+`), // > file, >> file, 2> file, 2>> file
	regexp.MustCompile(`<\s*\S+`),      // < file, grep<input
	regexp.MustCompile(`\d?>>?\s*$`),   // trailing operator with no target
	regexp.MustCompile(`<\s*$`),
}

// ExtractCommandNames returns the command name of every pipeline segment
// in the (heredoc-stripped) command. Separators |, &&, ||, and ; are
// honored while single, double, and backtick quoting protect their
// contents. Environment assignments, redirect operators with their
// targets, and surrounding parentheses are discarded.
func ExtractCommandNames(stripped string) []string {
	var names []string
	for _, segment := range splitSegments(stripped) {
		if name := commandName(segment); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// splitSegments splits on | && || ; outside of quotes.
func splitSegments(cmd string) []string {
	var segments []string
	var cur strings.Builder
	var quote rune // 0 when unquoted; otherwise ', ", or `

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			segments = append(segments, s)
		}
		cur.Reset()
	}

	runes := []rune(cmd)
	for i := 0; i < len(runes); i++ {
		c := runes[i]

		if quote != 0 {
			cur.WriteRune(c)
			if c == quote {
				quote = 0
			}
			continue
		}

		switch c {
		case '\'', '"', '`':
			quote = c
			cur.WriteRune(c)
		case '|':
			if i+1 < len(runes) && runes[i+1] == '|' {
				i++
			}
			flush()
		case '&':
			if i+1 < len(runes) && runes[i+1] == '&' {
				i++
				flush()
			} else {
				cur.WriteRune(c) // lone & (background or &>) handled later
			}
		case ';', '\n':
			flush()
		default:
			cur.WriteRune(c)
		}
	}
	flush()
	return segments
}

// commandName extracts the first real command token of one segment.
func commandName(segment string) string {
	for _, p := range redirectPatterns {
		segment = p.ReplaceAllString(segment, " ")
	}

	for _, token := range strings.Fields(segment) {
		token = strings.Trim(token, "()")
		if token == "" {
			continue
		}
		if envAssignPattern.MatchString(token) {
			continue
		}
		// Pure redirect leftovers never count as commands.
		if strings.Trim(token, "<>&0123456789") == "" {
			continue
		}
		return token
	}
	return ""
}

// validateCommand checks the policy for a raw command string and returns
// a denial reason, or empty when the command may run.
func (r *Runner) validateCommand(raw string) string {
	stripped := StripHeredocs(raw)
	names := ExtractCommandNames(stripped)
	if len(names) == 0 {
		return "no command"
	}

	allowed := make(map[string]bool, len(r.policy.AllowList))
	for _, a := range r.policy.AllowList {
		allowed[a] = true
	}
	denied := make(map[string]bool, len(r.policy.DenyList))
	for _, d := range r.policy.DenyList {
		denied[d] = true
	}

	for _, name := range names {
		if denied[name] {
			return "command_denied: " + name
		}
		if len(allowed) > 0 && !allowed[name] {
			return "command_not_allowed: " + name
		}
	}

	// The raw string, heredoc bodies included, must not mention a
	// forbidden path.
	for _, prefix := range r.policy.ForbiddenPaths {
		if prefix != "" && strings.Contains(raw, prefix) {
			return "forbidden_path_reference: " + prefix
		}
	}
	return ""
}
