// Copyright 2024-2026 Aiku AI

package appservice

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the transport core. Per-event failures
// surface here and in the logs rather than failing transactions, so this is
// the primary operator-visible signal for handler and provisioning problems.
type Metrics struct {
	TransactionsReceived prometheus.Counter
	TransactionsReplayed prometheus.Counter
	TransactionsAborted  prometheus.Counter
	IntakeDuration       prometheus.Histogram

	EventsRouted prometheus.Counter
	EventErrors  prometheus.Counter

	ProvisioningAttempts prometheus.Counter
	ProvisioningFailures prometheus.Counter

	OutboundCalls        prometheus.Counter
	OutboundRetries      prometheus.Counter
	OutboundCallDuration prometheus.Histogram
}

// NewMetrics registers all transport core metrics with the given registerer.
// Pass a fresh prometheus.NewRegistry in tests to avoid collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TransactionsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "appservice_transactions_received_total",
			Help: "Total number of transactions pushed by the homeserver",
		}),
		TransactionsReplayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "appservice_transactions_replayed_total",
			Help: "Total number of duplicate transactions acknowledged without reprocessing",
		}),
		TransactionsAborted: factory.NewCounter(prometheus.CounterOpts{
			Name: "appservice_transactions_aborted_total",
			Help: "Total number of transaction intakes aborted before completion",
		}),
		IntakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "appservice_intake_duration_seconds",
			Help:    "Duration of transaction intake including routing",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		EventsRouted: factory.NewCounter(prometheus.CounterOpts{
			Name: "appservice_events_routed_total",
			Help: "Total number of events dispatched to handlers",
		}),
		EventErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "appservice_event_errors_total",
			Help: "Total number of per-event failures recorded during routing",
		}),
		ProvisioningAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "appservice_provisioning_attempts_total",
			Help: "Total number of identity provisioning calls issued",
		}),
		ProvisioningFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "appservice_provisioning_failures_total",
			Help: "Total number of failed identity provisioning calls",
		}),
		OutboundCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "appservice_outbound_calls_total",
			Help: "Total number of outbound homeserver HTTP attempts",
		}),
		OutboundRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "appservice_outbound_retries_total",
			Help: "Total number of outbound call retries after rate limits or transient failures",
		}),
		OutboundCallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "appservice_outbound_call_duration_seconds",
			Help:    "Duration of outbound homeserver calls including retries",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
}
