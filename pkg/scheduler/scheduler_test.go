package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/axe/pkg/agent"
	"github.com/kadirpekel/axe/pkg/config"
	"github.com/kadirpekel/axe/pkg/provider"
	"github.com/kadirpekel/axe/pkg/ratelimit"
	"github.com/kadirpekel/axe/pkg/runner"
	"github.com/kadirpekel/axe/pkg/supervisor"
	"github.com/kadirpekel/axe/pkg/transcript"
)

type harness struct {
	sched  *Scheduler
	reg    *agent.Registry
	sup    *supervisor.Supervisor
	tr     *transcript.Transcript
	prov   *provider.Scripted
	agents map[string]*agent.Agent
	now    *time.Time
	ws     string
}

func testSchedulerConfig() *config.Config {
	return &config.Config{
		Session: config.SessionConfig{TimeBudgetSeconds: 3600, TokenBudgetTotal: 1_000_000},
		Policy: config.PolicyConfig{
			SandboxMode:             config.SandboxPathCheck,
			ExecutionTimeoutSeconds: 10,
			AllowList:               []string{"ls", "echo", "cat"},
		},
		Supervisor: config.SupervisorConfig{
			WorkHoursThreshold:         100,
			TokenThreshold:             1_000_000_000,
			SleepMinutes:               30,
			DegradationScoreThreshold:  0.20,
			DegradationCheckTurns:      1000,
			BreakMaxConcurrentFraction: 0.4,
			BreakPerHour:               2,
			BreakMaxMinutes:            15,
		},
		Transcript: config.TranscriptConfig{ContextTokens: 2000, CompressionHighWaterTokens: 1_000_000},
		GitHub:     config.GitHubConfig{BranchPrefix: "axe/"},
	}
}

func newHarness(t *testing.T, cfg *config.Config, limiter *ratelimit.Limiter, opts []Option, aliases ...string) *harness {
	t.Helper()
	if cfg == nil {
		cfg = testSchedulerConfig()
	}

	now := time.Now()
	clock := func() time.Time { return now }

	reg, ctrl := agent.NewRegistry(nil)
	sup := supervisor.New(cfg.Supervisor, "s-1", reg, ctrl, supervisor.WithClock(clock))
	tr := transcript.New("s-1", nil)
	prov := provider.NewScripted()

	ws := t.TempDir()
	run, err := runner.New(ws, &cfg.Policy)
	require.NoError(t, err)

	h := &harness{reg: reg, sup: sup, tr: tr, prov: prov, now: &now, ws: ws, agents: make(map[string]*agent.Agent)}
	for _, alias := range aliases {
		a, err := reg.Register(alias, "", "gpt-test")
		require.NoError(t, err)
		h.agents[alias] = a
	}

	allOpts := []Option{
		WithClock(clock),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			now = now.Add(d)
			return ctx.Err()
		}),
		WithMaxTurns(50),
		WithBackoff(provider.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond}),
	}
	allOpts = append(allOpts, opts...)

	if limiter != nil {
		limiter.SetClock(clock)
	}
	h.sched, err = New("s-1", Deps{
		Config:     cfg,
		Registry:   reg,
		Supervisor: sup,
		Transcript: tr,
		Runner:     run,
		Provider:   prov,
		Limiter:    limiter,
	}, allOpts...)
	require.NoError(t, err)
	return h
}

func (h *harness) opResults(t *testing.T) []transcript.Entry {
	t.Helper()
	var out []transcript.Entry
	for _, e := range h.tr.Entries() {
		if e.Kind == transcript.KindOperationResult {
			out = append(out, e)
		}
	}
	return out
}

func TestRun_TaskCompleteSingleAgent(t *testing.T) {
	h := newHarness(t, nil, nil, nil, "a1")
	h.prov.QueueText("a1", "all done [[TASK_COMPLETE]]")

	res, err := h.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EndTaskComplete, res.Status)
	assert.Equal(t, 1, res.Turns)
	assert.Equal(t, int64(25), res.XPDeltas["a1"])
}

func TestRun_ReadOperationAppendsResult(t *testing.T) {
	h := newHarness(t, nil, nil, nil, "a1")
	require.NoError(t, os.WriteFile(filepath.Join(h.ws, "notes.md"), []byte("hi"), 0o644))

	h.prov.QueueText("a1", "```READ notes.md```")
	h.prov.QueueText("a1", "[[TASK_COMPLETE]]")

	res, err := h.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EndTaskComplete, res.Status)

	results := h.opResults(t)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Body, `"status":"ok"`)
	assert.Contains(t, results[0].Body, `"text":"hi"`)
}

func TestRun_EscapeDenialRecorded(t *testing.T) {
	h := newHarness(t, nil, nil, nil, "a1")
	h.prov.QueueText("a1", "```READ /etc/passwd```")
	h.prov.QueueText("a1", "[[TASK_COMPLETE]]")

	_, err := h.sched.Run(context.Background())
	require.NoError(t, err)

	results := h.opResults(t)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Body, `"status":"denied"`)
	assert.Contains(t, results[0].Body, "path_outside_workspace")
}

func TestRun_DedupAcrossForms(t *testing.T) {
	h := newHarness(t, nil, nil, nil, "a1")
	h.prov.QueueText("a1", "<bash>ls -la</bash>\n```bash\nls -la\n```")
	h.prov.QueueText("a1", "[[TASK_COMPLETE]]")

	_, err := h.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.opResults(t), 1, "one execution for both forms")
}

func TestRun_RoundRobinAndUnanimity(t *testing.T) {
	h := newHarness(t, nil, nil, nil, "a1", "a2")
	h.prov.QueueText("a1", "still working", "[[TASK_COMPLETE]]")
	h.prov.QueueText("a2", "[[TASK_COMPLETE]]")

	res, err := h.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EndTaskComplete, res.Status)
	assert.Equal(t, 3, res.Turns)

	var order []string
	for _, c := range h.prov.Calls {
		order = append(order, c.AgentAlias)
	}
	assert.Equal(t, []string{"a1", "a2", "a1"}, order)
}

func TestRun_SingleVoteIsNotUnanimous(t *testing.T) {
	h := newHarness(t, nil, nil, []Option{WithMaxTurns(4)}, "a1", "a2")
	h.prov.QueueText("a1", "[[TASK_COMPLETE]]", "[[TASK_COMPLETE]]")
	h.prov.QueueText("a2", "not convinced yet", "still not done")

	res, err := h.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EndMaxTurns, res.Status, "one holdout blocks completion")
}

func TestRun_SleepingAgentNeverSelected(t *testing.T) {
	h := newHarness(t, nil, nil, nil, "a1", "a2")
	require.NoError(t, h.sup.RequestSleep(h.agents["a2"].ID, 30, "rest"))

	h.prov.QueueText("a1", "[[TASK_COMPLETE]]")

	res, err := h.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EndTaskComplete, res.Status)
	for _, c := range h.prov.Calls {
		assert.Equal(t, "a1", c.AgentAlias)
	}
}

func TestRun_TokenBudgetExhausted(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.Session.TokenBudgetTotal = 150
	h := newHarness(t, cfg, nil, nil, "a1")
	h.prov.Default = provider.ScriptedReply{
		Text:  "grinding away",
		Usage: provider.Usage{InputTokens: 100, OutputTokens: 20},
	}

	res, err := h.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EndTokenBudget, res.Status)
	assert.GreaterOrEqual(t, res.TokensUsed, int64(150))
}

func TestRun_RateLimitDefersWithoutConsumingTurns(t *testing.T) {
	limiter := ratelimit.New(&config.RateLimitConfig{RPM: 1})
	h := newHarness(t, nil, limiter, nil, "a1")
	h.prov.QueueText("a1", "first minute of work")
	h.prov.QueueText("a1", "[[TASK_COMPLETE]]")

	res, err := h.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EndTaskComplete, res.Status)
	assert.Equal(t, 2, res.Turns, "the deferral consumed no turn")
}

func TestRun_ProviderFailureParksAgent(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.Session.TimeBudgetSeconds = 60 // shorter than the degraded expiry
	h := newHarness(t, cfg, nil, nil, "a1")
	h.prov.Queue("a1", provider.ScriptedReply{Err: &provider.TransientError{Err: context.DeadlineExceeded}})

	res, err := h.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EndNoAgents, res.Status)

	a1, rerr := h.reg.Resolve("a1")
	require.NoError(t, rerr)
	assert.Equal(t, agent.StatusDegraded, a1.Status)
}

func TestRun_CancellationEndsSession(t *testing.T) {
	h := newHarness(t, nil, nil, nil, "a1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.sched.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, EndCancelled, res.Status)
}

func TestRun_ParallelDispatchStampsLogicalTurns(t *testing.T) {
	h := newHarness(t, nil, nil, []Option{WithParallelism(2)}, "a1", "a2")
	h.prov.QueueText("a1", "[[TASK_COMPLETE]]")
	h.prov.QueueText("a2", "[[TASK_COMPLETE]]")

	res, err := h.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EndTaskComplete, res.Status)

	stamps := make(map[int]bool)
	for _, e := range h.tr.Entries() {
		if e.Kind == transcript.KindMessage {
			stamps[e.LogicalTurn] = true
		}
	}
	assert.True(t, stamps[0] && stamps[1], "both selection-order stamps present")
}

func TestRun_FinalSummaryAppended(t *testing.T) {
	h := newHarness(t, nil, nil, nil, "a1")
	h.prov.QueueText("a1", "[[TASK_COMPLETE]]")

	_, err := h.sched.Run(context.Background())
	require.NoError(t, err)

	entries := h.tr.Entries()
	last := entries[len(entries)-1]
	assert.True(t, last.Pinned)
	assert.Contains(t, last.Body, "status=task_complete")
}

func TestParseControls(t *testing.T) {
	c := parseControls("work\n[[SLEEP: 20, tired]]\n[[BREAK: 5, coffee]]\n" +
		"[[EMERGENCY]]help me[[/EMERGENCY]]\n[[GITHUB_READY: fix-bug, fix the bug]]\n[[TASK_COMPLETE]]")

	assert.True(t, c.sleepAsked)
	assert.Equal(t, 20, c.sleepMinutes)
	assert.Equal(t, "tired", c.sleepReason)
	assert.True(t, c.breakAsked)
	assert.Equal(t, 5, c.breakMinutes)
	assert.True(t, c.emergencyAsked)
	assert.Equal(t, "help me", c.emergencyPayload)
	assert.True(t, c.githubAsked)
	assert.Equal(t, "fix-bug", c.githubBranch)
	assert.Equal(t, "fix the bug", c.githubMessage)
	assert.True(t, c.taskComplete)
}

func TestParseControls_CaseSensitive(t *testing.T) {
	c := parseControls("[[task_complete]] [[sleep: 5, x]]")
	assert.False(t, c.taskComplete)
	assert.False(t, c.sleepAsked)
}

type recordingGitHub struct {
	branch, message string
}

func (g *recordingGitHub) PushReady(ctx context.Context, branch, message string) error {
	g.branch, g.message = branch, message
	return nil
}

func TestRun_GitHubForwarded(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.GitHub.Enabled = true

	gh := &recordingGitHub{}
	h := newHarness(t, cfg, nil, nil, "a1")
	h.sched.deps.GitHub = gh

	h.prov.QueueText("a1", "[[GITHUB_READY: fix-parser, fix the parser]]")
	h.prov.QueueText("a1", "[[TASK_COMPLETE]]")

	_, err := h.sched.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "axe/fix-parser", gh.branch)
	assert.Equal(t, "fix the parser", gh.message)
}
