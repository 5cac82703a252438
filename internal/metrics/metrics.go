// Package metrics exposes the server's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InvocationsStarted counts agent invocations spawned across all sessions.
	InvocationsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "invocations_started_total",
		Help:      "Number of agent invocations started.",
	})

	// InvocationsFailed counts invocations that ended with an error outcome,
	// including spawn failures and idle-watchdog terminations.
	InvocationsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "invocations_failed_total",
		Help:      "Number of agent invocations that failed.",
	})

	// UpdatesEmitted counts normalized updates delivered into response
	// channels, labelled by update kind.
	UpdatesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "updates_emitted_total",
		Help:      "Number of normalized updates emitted, by kind.",
	}, []string{"kind"})

	// ApprovalsCreated counts approval requests opened by tools.
	ApprovalsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "approvals_created_total",
		Help:      "Number of approval requests created.",
	})

	// ApprovalsResolved counts approval outcomes, labelled approved, denied
	// or timeout.
	ApprovalsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "approvals_resolved_total",
		Help:      "Number of approval requests resolved, by outcome.",
	}, []string{"outcome"})

	// SessionsLive tracks the number of sessions currently registered.
	SessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "sessions_live",
		Help:      "Number of live sessions in the registry.",
	})
)
