// Package metrics defines the Prometheus collectors shared by the
// orchestration components and exposes them as an HTTP handler for the
// control-plane server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector on a private registry so tests can create
// isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	ForgeOps            *prometheus.CounterVec
	RateLimitDenials    *prometheus.CounterVec
	PipelineTransitions *prometheus.CounterVec
	PipelinesActive     prometheus.Gauge
	AgentsWorking       prometheus.Gauge
	LLMCalls            *prometheus.CounterVec
	IssuesDiscovered    prometheus.Counter
	ClaimsWon           prometheus.Counter
	ClaimsLost          prometheus.Counter
}

// New creates all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ForgeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_operations_total",
			Help: "Outbound forge operations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		RateLimitDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_denials_total",
			Help: "Operations denied by the rate limiter, by kind.",
		}, []string{"kind"}),
		PipelineTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_transitions_total",
			Help: "Pipeline phase transitions by destination phase.",
		}, []string{"phase"}),
		PipelinesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipelines_active",
			Help: "Pipelines currently in a non-terminal phase.",
		}),
		AgentsWorking: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agents_working",
			Help: "Agent instances currently in the working state.",
		}),
		LLMCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_calls_total",
			Help: "LLM completion calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		IssuesDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "issues_discovered_total",
			Help: "Actionable issues discovered by the polling engine.",
		}),
		ClaimsWon: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claims_won_total",
			Help: "Issue claims successfully acquired.",
		}),
		ClaimsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claims_lost_total",
			Help: "Issue claims lost to a competing claimant.",
		}),
	}
	reg.MustRegister(
		m.ForgeOps, m.RateLimitDenials, m.PipelineTransitions,
		m.PipelinesActive, m.AgentsWorking, m.LLMCalls,
		m.IssuesDiscovered, m.ClaimsWon, m.ClaimsLost,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
