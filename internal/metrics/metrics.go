// Package metrics exposes the daemon's Prometheus counters and gauges,
// served by GET /metrics in text format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClaimsTotal counts port-lease claims, split by whether an existing
	// lease was refreshed or a new one allocated.
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portdaddy_claims_total",
		Help: "Service lease claims processed.",
	}, []string{"existing"})

	// ReleasesTotal counts leases removed, by cause.
	ReleasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portdaddy_releases_total",
		Help: "Service leases released, expired, or reaped.",
	}, []string{"cause"})

	// LockAcquisitionsTotal counts lock acquisitions, split by outcome.
	LockAcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portdaddy_lock_acquisitions_total",
		Help: "Lock acquire attempts by outcome.",
	}, []string{"outcome"})

	// MessagesPublishedTotal counts pub/sub publishes.
	MessagesPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portdaddy_messages_published_total",
		Help: "Messages persisted by the messaging hub.",
	})

	// SSESubscribers gauges currently-attached SSE connections.
	SSESubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portdaddy_sse_subscribers",
		Help: "Currently attached SSE subscribers across all channels.",
	})

	// LongPollWaiters gauges currently-parked long-poll callers.
	LongPollWaiters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "portdaddy_longpoll_waiters",
		Help: "Currently parked long-poll waiters across all channels.",
	})

	// SweeperRunsTotal counts completed sweep passes.
	SweeperRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "portdaddy_sweeper_runs_total",
		Help: "Background sweep passes completed.",
	})

	// WebhookDeliveriesTotal counts webhook delivery outcomes.
	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portdaddy_webhook_deliveries_total",
		Help: "Webhook delivery attempts by final status.",
	}, []string{"status"})

	// HealthProbesTotal counts health probes by result.
	HealthProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portdaddy_health_probes_total",
		Help: "Health probes issued by result.",
	}, []string{"result"})
)
