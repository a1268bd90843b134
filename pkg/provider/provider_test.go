package provider

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, s Stream) string {
	t.Helper()
	var out string
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out += chunk
	}
}

func TestScripted_RepliesInOrder(t *testing.T) {
	p := NewScripted()
	p.QueueText("kit", "first", "second")

	ctx := context.Background()
	s, err := p.Call(ctx, "kit", "m", nil)
	require.NoError(t, err)
	assert.Equal(t, "first", drain(t, s))

	s, err = p.Call(ctx, "kit", "m", nil)
	require.NoError(t, err)
	assert.Equal(t, "second", drain(t, s))
}

func TestScripted_UsageAfterEOF(t *testing.T) {
	p := NewScripted()
	p.Queue("kit", ScriptedReply{Text: "hi", Usage: Usage{InputTokens: 10, OutputTokens: 2}})

	s, err := p.Call(context.Background(), "kit", "m", nil)
	require.NoError(t, err)
	drain(t, s)
	assert.Equal(t, int64(12), s.Usage().Total())
}

func TestScripted_QueuedError(t *testing.T) {
	p := NewScripted()
	p.Queue("kit", ScriptedReply{Err: &TransientError{Err: fmt.Errorf("boom")}})

	_, err := p.Call(context.Background(), "kit", "m", nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestScripted_RecordsCalls(t *testing.T) {
	p := NewScripted()
	p.QueueText("kit", "x")

	_, err := p.Call(context.Background(), "kit", "gpt-test", []Message{{Role: RoleSystem, Content: "s"}})
	require.NoError(t, err)
	require.Len(t, p.Calls, 1)
	assert.Equal(t, "gpt-test", p.Calls[0].ModelRef)
}

func TestIsRateLimited(t *testing.T) {
	delay, ok := IsRateLimited(&RateLimitedError{RetryAfter: 3 * time.Second})
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, delay)

	_, ok = IsRateLimited(fmt.Errorf("other"))
	assert.False(t, ok)
}

func TestBackoff_DelayBounded(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 8 * time.Second}
	for attempt := 0; attempt < 10; attempt++ {
		d := b.Delay(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 8*time.Second)
	}
}

func TestBackoff_WaitHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Backoff{Base: time.Minute}.Wait(ctx, 5)
	assert.ErrorIs(t, err, context.Canceled)
}
