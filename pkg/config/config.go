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

// Package config defines the engine configuration surface and its YAML
// loader. Unknown keys are logged and ignored; they never silently change
// behavior.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// SandboxMode selects the isolation level for command execution.
type SandboxMode string

const (
	SandboxOff       SandboxMode = "off"
	SandboxPathCheck SandboxMode = "path_check"
	SandboxNamespace SandboxMode = "namespace"
)

// AgentConfig describes one worker in the pool.
type AgentConfig struct {
	Alias               string `yaml:"alias"`
	Role                string `yaml:"role"`
	ModelRef            string `yaml:"model_ref"`
	DefaultSystemPrompt string `yaml:"default_system_prompt"`
}

// SessionConfig bounds a single run.
type SessionConfig struct {
	TimeBudgetSeconds int   `yaml:"time_budget_seconds"`
	TokenBudgetTotal  int64 `yaml:"token_budget_total"`
}

// PolicyConfig governs what the tool runner may execute and touch.
type PolicyConfig struct {
	AllowList               []string       `yaml:"allow_list"`
	DenyList                []string       `yaml:"deny_list"`
	ForbiddenPaths          []string       `yaml:"forbidden_paths"`
	WritablePaths           []string       `yaml:"writable_paths"`
	SandboxMode             SandboxMode    `yaml:"sandbox_mode"`
	ExecutionTimeoutSeconds int            `yaml:"execution_timeout_seconds"`
	PerToolTimeouts         map[string]int `yaml:"per_tool_timeouts"`
}

// SupervisorConfig carries the safety-plane thresholds.
type SupervisorConfig struct {
	WorkHoursThreshold         float64 `yaml:"work_hours_threshold"`
	TokenThreshold             int64   `yaml:"token_threshold"`
	SleepMinutes               int     `yaml:"sleep_minutes"`
	DegradationScoreThreshold  float64 `yaml:"degradation_score_threshold"`
	DegradationCheckTurns      int     `yaml:"degradation_check_turns"`
	BreakMaxConcurrentFraction float64 `yaml:"break_max_concurrent_fraction"`
	BreakPerHour               int     `yaml:"break_per_hour"`
	BreakMaxMinutes            int     `yaml:"break_max_minutes"`
	MailboxDir                 string  `yaml:"mailbox_dir"`
	OperatorPublicKey          string  `yaml:"operator_public_key"`
}

// RateLimitConfig is the per-agent request/token budget per minute.
type RateLimitConfig struct {
	RPM int `yaml:"rpm"`
	TPM int `yaml:"tpm"`
}

// GitHubConfig controls the optional push collaborator.
type GitHubConfig struct {
	Enabled      bool   `yaml:"enabled"`
	BranchPrefix string `yaml:"branch_prefix"`
}

// TranscriptConfig bounds the shared conversation log.
//
// ContextTokens is the canonical name for the prompt window size. The
// loader also accepts window_tokens and the deprecated context_window
// spelling and folds them into this field.
type TranscriptConfig struct {
	CompressionHighWaterTokens int `yaml:"compression_high_water_tokens"`
	ContextTokens              int `yaml:"context_tokens"`
}

// DatabaseConfig locates the single-file store. An empty path resolves to
// axe.db next to the installed binary so agent history survives workspace
// changes.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Config is the root configuration document.
type Config struct {
	WorkspaceRoot string           `yaml:"workspace_root"`
	Agents        []AgentConfig    `yaml:"agents"`
	Session       SessionConfig    `yaml:"session"`
	Policy        PolicyConfig     `yaml:"policy"`
	Supervisor    SupervisorConfig `yaml:"supervisor"`
	RateLimit     RateLimitConfig  `yaml:"rate_limit"`
	GitHub        GitHubConfig     `yaml:"github"`
	Transcript    TranscriptConfig `yaml:"transcript"`
	Database      DatabaseConfig   `yaml:"database"`
}

// SetDefaults fills zero-valued fields with working defaults.
func (c *Config) SetDefaults() {
	if c.Session.TimeBudgetSeconds == 0 {
		c.Session.TimeBudgetSeconds = 8 * 3600
	}
	if c.Session.TokenBudgetTotal == 0 {
		c.Session.TokenBudgetTotal = 2_000_000
	}
	if c.Policy.SandboxMode == "" {
		c.Policy.SandboxMode = SandboxPathCheck
	}
	if c.Policy.ExecutionTimeoutSeconds == 0 {
		c.Policy.ExecutionTimeoutSeconds = 60
	}
	if c.Supervisor.WorkHoursThreshold == 0 {
		c.Supervisor.WorkHoursThreshold = 6
	}
	if c.Supervisor.TokenThreshold == 0 {
		c.Supervisor.TokenThreshold = 500_000
	}
	if c.Supervisor.SleepMinutes == 0 {
		c.Supervisor.SleepMinutes = 30
	}
	if c.Supervisor.DegradationScoreThreshold == 0 {
		c.Supervisor.DegradationScoreThreshold = 0.20
	}
	if c.Supervisor.DegradationCheckTurns == 0 {
		c.Supervisor.DegradationCheckTurns = 5
	}
	if c.Supervisor.BreakMaxConcurrentFraction == 0 {
		c.Supervisor.BreakMaxConcurrentFraction = 0.4
	}
	if c.Supervisor.BreakPerHour == 0 {
		c.Supervisor.BreakPerHour = 2
	}
	if c.Supervisor.BreakMaxMinutes == 0 {
		c.Supervisor.BreakMaxMinutes = 15
	}
	if c.RateLimit.RPM == 0 {
		c.RateLimit.RPM = 30
	}
	if c.RateLimit.TPM == 0 {
		c.RateLimit.TPM = 100_000
	}
	if c.GitHub.BranchPrefix == "" {
		c.GitHub.BranchPrefix = "axe/"
	}
	if c.Transcript.CompressionHighWaterTokens == 0 {
		c.Transcript.CompressionHighWaterTokens = 120_000
	}
	if c.Transcript.ContextTokens == 0 {
		c.Transcript.ContextTokens = 32_000
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspace_root is required")
	}
	if !filepath.IsAbs(c.WorkspaceRoot) {
		return fmt.Errorf("workspace_root must be an absolute path, got %q", c.WorkspaceRoot)
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	seen := make(map[string]bool, len(c.Agents))
	supervisors := 0
	for i, a := range c.Agents {
		if a.Alias == "" {
			return fmt.Errorf("agents[%d]: alias is required", i)
		}
		if a.ModelRef == "" {
			return fmt.Errorf("agent %q: model_ref is required", a.Alias)
		}
		if seen[a.Alias] {
			return fmt.Errorf("duplicate agent alias %q", a.Alias)
		}
		seen[a.Alias] = true
		if a.Role == "supervisor" {
			supervisors++
		}
	}
	if supervisors > 1 {
		return fmt.Errorf("at most one agent may hold the supervisor role, got %d", supervisors)
	}
	switch c.Policy.SandboxMode {
	case SandboxOff, SandboxPathCheck, SandboxNamespace:
	default:
		return fmt.Errorf("invalid sandbox_mode %q (valid: off, path_check, namespace)", c.Policy.SandboxMode)
	}
	for _, p := range c.Policy.ForbiddenPaths {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("forbidden_paths entries must be absolute, got %q", p)
		}
	}
	if f := c.Supervisor.BreakMaxConcurrentFraction; f < 0 || f > 1 {
		return fmt.Errorf("break_max_concurrent_fraction must be in [0,1], got %v", f)
	}
	return nil
}

// ExecutionTimeout returns the timeout for a given command name, honoring
// any per-tool override.
func (p *PolicyConfig) ExecutionTimeout(command string) time.Duration {
	if secs, ok := p.PerToolTimeouts[command]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(p.ExecutionTimeoutSeconds) * time.Second
}
