// Package metrics exposes Prometheus collectors for wizard and conversation sessions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wizard"

// Metrics groups the collectors recorded by the engine.
type Metrics struct {
	registry *prometheus.Registry

	SessionsStarted  *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
	Actions          *prometheus.CounterVec
	ActionDuration   *prometheus.HistogramVec
	StaleResults     prometheus.Counter
	ConversationMsgs *prometheus.CounterVec
	Reprompts        *prometheus.CounterVec
	RevealLookups    *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry along with
// the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Wizard sessions started, by flow variant.",
		}, []string{"variant"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Wizard transitions applied, by operation.",
		}, []string{"op"}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_actions_total",
			Help:      "External actions resolved, by kind and result.",
		}, []string{"kind", "result"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "external_action_duration_seconds",
			Help:      "Latency of external actions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		StaleResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_results_total",
			Help:      "External results discarded because the session moved on.",
		}),
		ConversationMsgs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_messages_total",
			Help:      "Conversation turns handled, by flow.",
		}, []string{"flow"}),
		Reprompts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_reprompts_total",
			Help:      "Unrecognized inputs that caused a re-prompt, by flow and phase.",
		}, []string{"flow", "phase"}),
		RevealLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reveal_lookups_total",
			Help:      "Contact reveal lookups, by source (cache, list, upstream).",
		}, []string{"source"}),
	}

	reg.MustRegister(
		m.SessionsStarted,
		m.Transitions,
		m.Actions,
		m.ActionDuration,
		m.StaleResults,
		m.ConversationMsgs,
		m.Reprompts,
		m.RevealLookups,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
