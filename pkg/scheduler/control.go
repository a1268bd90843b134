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

package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kadirpekel/axe/pkg/agent"
	"github.com/kadirpekel/axe/pkg/transcript"
)

// Control tokens are exact, case-sensitive literals in agent replies.
var (
	sleepPattern     = regexp.MustCompile(`\[\[SLEEP:\s*(\d+)\s*,\s*([^\]]*)\]\]`)
	breakPattern     = regexp.MustCompile(`\[\[BREAK:\s*(\d+)\s*,\s*([^\]]*)\]\]`)
	emergencyPattern = regexp.MustCompile(`(?s)\[\[EMERGENCY\]\](.*?)\[\[/EMERGENCY\]\]`)
	githubPattern    = regexp.MustCompile(`\[\[GITHUB_READY:\s*([^,\]]+)\s*,\s*([^\]]*)\]\]`)
)

const taskCompleteToken = "[[TASK_COMPLETE]]"

// controlSet is everything extracted from one reply.
type controlSet struct {
	sleepMinutes int
	sleepReason  string
	sleepAsked   bool

	breakMinutes int
	breakReason  string
	breakAsked   bool

	emergencyPayload string
	emergencyAsked   bool

	githubBranch  string
	githubMessage string
	githubAsked   bool

	taskComplete bool
}

func parseControls(reply string) controlSet {
	var c controlSet

	if m := sleepPattern.FindStringSubmatch(reply); m != nil {
		c.sleepAsked = true
		c.sleepMinutes, _ = strconv.Atoi(m[1])
		c.sleepReason = strings.TrimSpace(m[2])
	}
	if m := breakPattern.FindStringSubmatch(reply); m != nil {
		c.breakAsked = true
		c.breakMinutes, _ = strconv.Atoi(m[1])
		c.breakReason = strings.TrimSpace(m[2])
	}
	if m := emergencyPattern.FindStringSubmatch(reply); m != nil {
		c.emergencyAsked = true
		c.emergencyPayload = strings.TrimSpace(m[1])
	}
	if m := githubPattern.FindStringSubmatch(reply); m != nil {
		c.githubAsked = true
		c.githubBranch = strings.TrimSpace(m[1])
		c.githubMessage = strings.TrimSpace(m[2])
	}
	c.taskComplete = strings.Contains(reply, taskCompleteToken)
	return c
}

// handleControls forwards extracted intents to the supervisor and the
// GitHub collaborator. Outcomes are surfaced as system notes.
func (s *Scheduler) handleControls(ctx context.Context, a *agent.Agent, c controlSet) {
	if c.sleepAsked {
		if err := s.deps.Supervisor.RequestSleep(a.ID, c.sleepMinutes, c.sleepReason); err != nil {
			s.note(fmt.Sprintf("sleep request by %s failed: %v", a.Alias, err))
		} else {
			s.note(fmt.Sprintf("%s is sleeping for %d minutes: %s", a.Alias, c.sleepMinutes, c.sleepReason))
		}
	}
	if c.breakAsked {
		granted, why := s.deps.Supervisor.RequestBreak(a.ID, c.breakMinutes, c.breakReason)
		if granted {
			s.note(fmt.Sprintf("%s is on a %d minute break", a.Alias, c.breakMinutes))
		} else {
			s.note(fmt.Sprintf("break denied for %s: %s", a.Alias, why))
		}
	}
	if c.emergencyAsked {
		// Deposit failures never reach the requesting agent.
		s.deps.Supervisor.Emergency(a.Alias, c.emergencyPayload)
	}
	if c.githubAsked {
		s.handleGitHub(ctx, a, c.githubBranch, c.githubMessage)
	}
}

func (s *Scheduler) handleGitHub(ctx context.Context, a *agent.Agent, branch, message string) {
	if !s.deps.Config.GitHub.Enabled || s.deps.GitHub == nil {
		s.note(fmt.Sprintf("github push requested by %s ignored: github disabled", a.Alias))
		return
	}
	if prefix := s.deps.Config.GitHub.BranchPrefix; prefix != "" && !strings.HasPrefix(branch, prefix) {
		branch = prefix + branch
	}
	if err := s.deps.GitHub.PushReady(ctx, branch, message); err != nil {
		s.note(fmt.Sprintf("github push for %s failed: %v", a.Alias, err))
		return
	}
	s.note(fmt.Sprintf("github push surfaced to operator: branch=%s by %s", branch, a.Alias))
}

func (s *Scheduler) note(body string) {
	if _, err := s.deps.Transcript.Append(transcript.AuthorSystem, transcript.KindSystemNote, body); err != nil {
		s.log.Error("failed to append system note", "error", err)
	}
}
