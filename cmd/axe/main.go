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

// Command axe runs a pool of LLM-backed agents against a shared workspace.
//
// Usage:
//
//	axe run --config axe.yaml
//	axe resume 2f6c1b8e-... --config axe.yaml
//	axe validate --config axe.yaml
//	axe mailbox decrypt --key operator.pem .axe-mailbox/169...-....jwe
//	axe stats
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/kadirpekel/axe"
	"github.com/kadirpekel/axe/pkg/agent"
	"github.com/kadirpekel/axe/pkg/config"
	"github.com/kadirpekel/axe/pkg/logger"
	"github.com/kadirpekel/axe/pkg/observability"
	"github.com/kadirpekel/axe/pkg/provider"
	"github.com/kadirpekel/axe/pkg/ratelimit"
	"github.com/kadirpekel/axe/pkg/runner"
	"github.com/kadirpekel/axe/pkg/scheduler"
	"github.com/kadirpekel/axe/pkg/store"
	"github.com/kadirpekel/axe/pkg/supervisor"
	"github.com/kadirpekel/axe/pkg/transcript"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Run      RunCmd      `cmd:"" help:"Start a new orchestration session."`
	Resume   ResumeCmd   `cmd:"" help:"Resume an interrupted session."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration file."`
	Mailbox  MailboxCmd  `cmd:"" help:"Operator emergency mailbox tools."`
	Stats    StatsCmd    `cmd:"" help:"Show workshop and session statistics."`

	Config    string `short:"c" help:"Path to config file." default:"axe.yaml" type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(axe.GetVersion().String())
	return nil
}

// RunCmd starts a new session.
type RunCmd struct {
	Workspace   string `help:"Override workspace_root from the config." type:"path"`
	MaxTurns    int    `name:"max-turns" help:"Hard turn cap for the session (0 = budget-bounded)."`
	Parallelism int    `help:"Max concurrent provider dispatches." default:"1"`
	Watch       bool   `help:"Watch config file and hot-reload supervisor thresholds."`
}

func (c *RunCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if c.Workspace != "" {
		cfg.WorkspaceRoot = c.Workspace
	}
	return runSession(cli, cfg, uuid.NewString(), false, c.MaxTurns, c.Parallelism, c.Watch)
}

// ResumeCmd continues an interrupted session from the store.
type ResumeCmd struct {
	SessionID string `arg:"" help:"Session id to resume."`
}

func (c *ResumeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	return runSession(cli, cfg, c.SessionID, true, 0, 1, false)
}

func runSession(cli *CLI, cfg *config.Config, sessionID string, resume bool, maxTurns, parallelism int, watch bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.GetLogger().Info("Shutting down...")
		cancel()
	}()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	reg, ctrl := agent.NewRegistry(st)
	if err := populateRegistry(reg, st, cfg); err != nil {
		return err
	}

	if resume {
		sess, err := st.GetSession(sessionID)
		if err != nil {
			return err
		}
		cfg.WorkspaceRoot = sess.WorkspaceRoot
		cfg.Session.TimeBudgetSeconds = sess.TimeBudgetSeconds
		cfg.Session.TokenBudgetTotal = sess.TokenBudgetTotal
	}

	counter, err := transcript.NewTokenCounter(cfg.Agents[0].ModelRef)
	if err != nil {
		return err
	}

	prov, err := buildProvider()
	if err != nil {
		return err
	}

	tr := transcript.New(sessionID, counter,
		transcript.WithMirror(st),
		transcript.WithHighWater(cfg.Transcript.CompressionHighWaterTokens),
		transcript.WithSummarizer(providerSummarizer(prov, cfg.Agents[0].ModelRef)),
	)
	if resume {
		entries, err := st.LoadTranscript(sessionID)
		if err != nil {
			return err
		}
		tr.Load(entries)
	}

	supOpts := []supervisor.Option{supervisor.WithTimerSink(st)}
	if cfg.Supervisor.OperatorPublicKey != "" {
		mailbox, err := supervisor.NewMailbox(cfg.Supervisor.MailboxDir, cfg.Supervisor.OperatorPublicKey)
		if err != nil {
			return fmt.Errorf("failed to open emergency mailbox: %w", err)
		}
		supOpts = append(supOpts, supervisor.WithMailbox(mailbox))
	} else {
		logger.GetLogger().Warn("No operator public key configured, emergency mailbox disabled")
	}
	sup := supervisor.New(cfg.Supervisor, sessionID, reg, ctrl, supOpts...)

	if watch {
		go func() {
			err := config.Watch(ctx, cli.Config, func(next *config.Config) {
				sup.UpdateThresholds(next.Supervisor)
			})
			if err != nil && ctx.Err() == nil {
				logger.GetLogger().Error("Config watch error", "error", err)
			}
		}()
	}

	run, err := runner.New(cfg.WorkspaceRoot, &cfg.Policy,
		runner.WithFallbackWarning(func(msg string) {
			if _, err := tr.Append(transcript.AuthorSystem, transcript.KindSystemNote, msg); err != nil {
				logger.GetLogger().Error("Failed to append sandbox warning", "error", err)
			}
		}))
	if err != nil {
		return err
	}

	if !resume {
		if err := saveSessionRow(st, cfg, sessionID, reg); err != nil {
			return err
		}
	}

	sched, err := scheduler.New(sessionID, scheduler.Deps{
		Config:     cfg,
		Registry:   reg,
		Supervisor: sup,
		Transcript: tr,
		Runner:     run,
		Provider:   prov,
		Limiter:    ratelimit.New(&cfg.RateLimit),
		Store:      st,
		GitHub:     operatorNotifier{},
		Metrics:    observability.NewMetrics(),
	},
		scheduler.WithMaxTurns(maxTurns),
		scheduler.WithParallelism(parallelism),
	)
	if err != nil {
		return err
	}

	fmt.Printf("Session %s started with %d agents in %s\n", sessionID, len(cfg.Agents), cfg.WorkspaceRoot)
	result, err := sched.Run(ctx)
	if result != nil {
		printResult(result, reg)
	}
	return err
}

func openStore(cfg *config.Config) (*store.Store, error) {
	path := cfg.Database.Path
	if path == "" {
		var err error
		if path, err = store.DefaultPath(); err != nil {
			return nil, err
		}
	}
	return store.Open(path)
}

// populateRegistry adopts agents already known to the store and registers
// the rest, so XP and level survive across sessions.
func populateRegistry(reg *agent.Registry, st *store.Store, cfg *config.Config) error {
	for _, ac := range cfg.Agents {
		stored, err := st.GetAgent(ac.Alias)
		if err == nil {
			stored.Role = ac.Role
			stored.ModelRef = ac.ModelRef
			if err := reg.Adopt(stored); err != nil {
				return err
			}
			continue
		}
		if _, err := reg.Register(ac.Alias, ac.Role, ac.ModelRef); err != nil {
			return err
		}
	}
	return nil
}

func saveSessionRow(st *store.Store, cfg *config.Config, sessionID string, reg *agent.Registry) error {
	policy, err := json.Marshal(cfg.Policy)
	if err != nil {
		return err
	}
	var ids []string
	for _, a := range reg.List() {
		ids = append(ids, a.ID)
	}
	return st.SaveSession(&store.Session{
		ID:                sessionID,
		WorkspaceRoot:     cfg.WorkspaceRoot,
		ActiveAgents:      ids,
		TimeBudgetSeconds: cfg.Session.TimeBudgetSeconds,
		TokenBudgetTotal:  cfg.Session.TokenBudgetTotal,
		GitHubEnabled:     cfg.GitHub.Enabled,
		PolicyJSON:        string(policy),
		StartedAt:         time.Now(),
	})
}

func buildProvider() (provider.Provider, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}
	var opts []provider.AnthropicOption
	if host := os.Getenv("ANTHROPIC_BASE_URL"); host != "" {
		opts = append(opts, provider.WithHost(host))
	}
	return provider.NewAnthropic(apiKey, opts...)
}

// providerSummarizer asks the model to compress a transcript range into a
// short summary for the compressed_summary entry.
func providerSummarizer(p provider.Provider, modelRef string) transcript.Summarizer {
	return func(ctx context.Context, entries []transcript.Entry, targetTokens int) (string, error) {
		var b strings.Builder
		for _, e := range entries {
			fmt.Fprintf(&b, "[%s/%s] %s\n", e.Author, e.Kind, e.Body)
		}
		stream, err := p.Call(ctx, "summarizer", modelRef, []provider.Message{
			{Role: provider.RoleSystem, Content: fmt.Sprintf(
				"Summarize the following session transcript in at most %d tokens. Keep decisions, file paths, and open problems.", targetTokens)},
			{Role: provider.RoleUser, Content: b.String()},
		})
		if err != nil {
			return "", err
		}
		defer stream.Close()
		var sum strings.Builder
		for {
			chunk, err := stream.Recv()
			if err != nil {
				break
			}
			sum.WriteString(chunk)
		}
		return sum.String(), nil
	}
}

// operatorNotifier surfaces push intents without touching any remote.
// The operator decides what, if anything, gets pushed.
type operatorNotifier struct{}

func (operatorNotifier) PushReady(ctx context.Context, branch, commitMessage string) error {
	logger.GetLogger().Info("Agent reports branch ready for push", "branch", branch, "message", commitMessage)
	fmt.Printf("PUSH READY  branch=%s  message=%q\n", branch, commitMessage)
	return nil
}

func printResult(r *scheduler.Result, reg *agent.Registry) {
	fmt.Printf("\nSession ended: %s\n", r.Status)
	if r.FatalCause != "" {
		fmt.Printf("  fatal cause: %s\n", r.FatalCause)
	}
	fmt.Printf("  turns:       %d\n", r.Turns)
	fmt.Printf("  tokens used: %d\n", r.TokensUsed)
	for _, a := range reg.List() {
		delta := r.XPDeltas[a.Alias]
		fmt.Printf("  %-12s L%-2d xp=%d (%+d this session)\n", a.Alias, a.Level, a.XP, delta)
	}
}

// ValidateCmd checks the configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("Configuration valid: %d agents, workspace %s\n", len(cfg.Agents), cfg.WorkspaceRoot)
	return nil
}

// MailboxCmd groups operator-side mailbox tools.
type MailboxCmd struct {
	Decrypt MailboxDecryptCmd `cmd:"" help:"Decrypt an emergency message with the operator private key."`
}

// MailboxDecryptCmd decrypts one deposited message.
type MailboxDecryptCmd struct {
	Key  string `required:"" help:"Operator private key (PEM)." type:"path"`
	File string `arg:"" help:"Mailbox file to decrypt." type:"path"`
}

func (c *MailboxDecryptCmd) Run() error {
	keyPEM, err := os.ReadFile(c.Key)
	if err != nil {
		return fmt.Errorf("failed to read private key: %w", err)
	}
	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("failed to read mailbox file: %w", err)
	}
	plain, err := supervisor.DecryptMessage(keyPEM, data)
	if err != nil {
		return err
	}
	fmt.Println(string(plain))
	return nil
}

// StatsCmd prints workshop tool statistics and recent sessions.
type StatsCmd struct{}

func (c *StatsCmd) Run(cli *CLI) error {
	cfg := &config.Config{}
	if data, err := os.ReadFile(cli.Config); err == nil {
		if parsed, err := config.Parse(data); err == nil {
			cfg = parsed
		}
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.StatsByTool()
	if err != nil {
		return err
	}
	fmt.Println("Tool usage:")
	for _, s := range stats {
		fmt.Printf("  %-20s runs=%-5d failures=%-4d avg=%.2fs\n", s.ToolName, s.Count, s.Failures, s.AvgDurationS)
	}

	sessions, err := st.ListSessions()
	if err != nil {
		return err
	}
	fmt.Println("\nRecent sessions:")
	for i, sess := range sessions {
		if i >= 10 {
			break
		}
		status := sess.EndStatus
		if status == "" {
			status = "running"
		}
		fmt.Printf("  %s  %-24s  started %s\n", sess.ID, status, sess.StartedAt.Format(time.RFC3339))
	}
	return nil
}

func main() {
	_ = godotenv.Load()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("axe"),
		kong.Description("AXE - multi-agent orchestration engine"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	output := os.Stderr
	if cli.LogFile != "" {
		f, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = f
	}
	logger.Init(level, output, cli.LogFormat)

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
