package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersCollectors(t *testing.T) {
	m := NewMetrics()

	m.TurnsTotal.Inc()
	m.OperationsTotal.WithLabelValues("exec", "ok").Inc()
	m.TokensTotal.WithLabelValues("input").Add(100)
	m.ProviderLatency.Observe(0.5)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["axe_turns_total"])
	assert.True(t, names["axe_operations_total"])
	assert.True(t, names["axe_tokens_total"])
	assert.True(t, names["axe_provider_latency_seconds"])
}

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.TurnsTotal.Inc()

	families, err := b.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "axe_turns_total" {
			assert.Zero(t, f.GetMetric()[0].GetCounter().GetValue())
		}
	}
}

func TestTracer_NoopByDefault(t *testing.T) {
	_, span := Tracer().Start(context.Background(), "turn")
	span.End()
	assert.False(t, span.SpanContext().IsValid())
}
