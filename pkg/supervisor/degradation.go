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

package supervisor

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/kadirpekel/axe/pkg/operation"
)

// degradationWindow bounds how many recent operations feed the score.
const degradationWindow = 20

// observation is one classified operation outcome.
type observation struct {
	syntaxError bool
	testFailure bool
	smell       bool
	diffAnomaly bool
}

// Composite score weights. Syntax errors dominate because they are the
// strongest signal of a model producing broken output.
const (
	weightSyntax  = 0.4
	weightTest    = 0.3
	weightSmell   = 0.2
	weightAnomaly = 0.1
)

// observe classifies one result into the agent's sliding window.
// Callers hold s.mu.
func (s *Supervisor) observe(st *workState, op operation.Operation, res operation.Result) {
	obs := observation{
		syntaxError: isSyntaxError(res),
		testFailure: isTestFailure(op, res),
		smell:       res.Status == operation.StatusDenied,
	}
	if op.Kind == operation.Write {
		obs.diffAnomaly = isDiffAnomaly(st, op.Path, op.Content)
		st.lastWrite[op.Path] = op.Content
	}

	st.window = append(st.window, obs)
	if len(st.window) > degradationWindow {
		st.window = st.window[len(st.window)-degradationWindow:]
	}
}

// score computes the weighted composite over the window.
func score(window []observation) float64 {
	if len(window) == 0 {
		return 0
	}
	var syntax, test, smell, anomaly int
	for _, o := range window {
		if o.syntaxError {
			syntax++
		}
		if o.testFailure {
			test++
		}
		if o.smell {
			smell++
		}
		if o.diffAnomaly {
			anomaly++
		}
	}
	n := float64(len(window))
	return weightSyntax*float64(syntax)/n +
		weightTest*float64(test)/n +
		weightSmell*float64(smell)/n +
		weightAnomaly*float64(anomaly)/n
}

func isSyntaxError(res operation.Result) bool {
	for _, out := range []string{res.Stderr, res.ErrorMessage} {
		lower := strings.ToLower(out)
		if strings.Contains(lower, "syntax error") || strings.Contains(lower, "syntaxerror") {
			return true
		}
	}
	return false
}

var testRunners = []string{"go test", "pytest", "npm test", "make test", "cargo test"}

func isTestFailure(op operation.Operation, res operation.Result) bool {
	if op.Kind != operation.Exec || res.ExitCode == 0 {
		return false
	}
	for _, runner := range testRunners {
		if strings.Contains(op.Command, runner) {
			return true
		}
	}
	return false
}

// isDiffAnomaly flags a wholesale rewrite: a write replacing almost all
// of a previously written non-trivial file.
func isDiffAnomaly(st *workState, path, content string) bool {
	old, ok := st.lastWrite[path]
	if !ok || len(old) < 200 {
		return false
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(old, content, false)

	var unchanged int
	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffEqual {
			unchanged += len(d.Text)
		}
	}
	return float64(unchanged)/float64(len(old)) < 0.1
}
