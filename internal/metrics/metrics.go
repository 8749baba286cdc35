// Package metrics provides Prometheus metrics for the chat service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service counters. A nil *Metrics is a valid no-op
// receiver so instrumentation can stay optional in tests.
type Metrics struct {
	MessagesSent         prometheus.Counter
	ConversationsCreated prometheus.Counter
	InferenceRequests    prometheus.Counter
	InferenceFailures    prometheus.Counter
	RevealsStarted       prometheus.Counter
	RevealsCancelled     prometheus.Counter
	RevealsCompleted     prometheus.Counter
}

// New registers all counters on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "gemchat_messages_sent_total",
			Help: "Total number of user messages accepted",
		}),
		ConversationsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "gemchat_conversations_created_total",
			Help: "Total number of conversations created",
		}),
		InferenceRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "gemchat_inference_requests_total",
			Help: "Total number of inference calls issued",
		}),
		InferenceFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "gemchat_inference_failures_total",
			Help: "Total number of failed inference calls",
		}),
		RevealsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gemchat_reveals_started_total",
			Help: "Total number of typing reveals started",
		}),
		RevealsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "gemchat_reveals_cancelled_total",
			Help: "Total number of typing reveals abandoned before completion",
		}),
		RevealsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gemchat_reveals_completed_total",
			Help: "Total number of typing reveals run to completion",
		}),
	}
}

func (m *Metrics) IncMessagesSent() {
	if m != nil {
		m.MessagesSent.Inc()
	}
}

func (m *Metrics) IncConversationsCreated() {
	if m != nil {
		m.ConversationsCreated.Inc()
	}
}

func (m *Metrics) IncInferenceRequests() {
	if m != nil {
		m.InferenceRequests.Inc()
	}
}

func (m *Metrics) IncInferenceFailures() {
	if m != nil {
		m.InferenceFailures.Inc()
	}
}

func (m *Metrics) IncRevealsStarted() {
	if m != nil {
		m.RevealsStarted.Inc()
	}
}

func (m *Metrics) IncRevealsCancelled() {
	if m != nil {
		m.RevealsCancelled.Inc()
	}
}

func (m *Metrics) IncRevealsCompleted() {
	if m != nil {
		m.RevealsCompleted.Inc()
	}
}
