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

// Package observability collects engine metrics and traces. Metrics live
// in a private prometheus registry exposed through an accessor; no HTTP
// exporter is wired here.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the engine's instrument set.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal      prometheus.Counter
	OperationsTotal *prometheus.CounterVec // kind, status
	TokensTotal     *prometheus.CounterVec // direction: input|output
	ProviderLatency prometheus.Histogram
	ExecLatency     prometheus.Histogram
}

// NewMetrics creates and registers the instrument set on a fresh
// registry, so parallel tests never collide on the global one.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TurnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "axe_turns_total",
			Help: "Total scheduler turns completed",
		}),
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "axe_operations_total",
			Help: "Total tool operations executed",
		}, []string{"kind", "status"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "axe_tokens_total",
			Help: "Total provider tokens by direction",
		}, []string{"direction"}),
		ProviderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "axe_provider_latency_seconds",
			Help:    "Provider call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ExecLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "axe_exec_latency_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}
	m.registry.MustRegister(m.TurnsTotal, m.OperationsTotal, m.TokensTotal, m.ProviderLatency, m.ExecLatency)
	return m
}

// Registry exposes the collectors for scraping or inspection.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Tracer returns the engine tracer. Without an SDK installed this is a
// no-op tracer, so instrumented code pays nothing by default.
func Tracer() trace.Tracer {
	return otel.Tracer("github.com/kadirpekel/axe")
}
