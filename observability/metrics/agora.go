package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Shared collectors for the escrow service. Registration happens at package
// init through promauto against the default registry.
var (
	EscrowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_escrow_transitions_total",
		Help: "Escrow status transitions by target status.",
	}, []string{"status"})

	EscrowInconsistent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agora_escrow_inconsistent_total",
		Help: "Escrows where funds moved but the state flip failed.",
	})

	WebhooksDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_webhooks_delivered_total",
		Help: "Webhook delivery attempts by outcome.",
	}, []string{"outcome"})

	WebhooksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_webhooks_dropped_total",
		Help: "Webhook tasks dropped before delivery by reason.",
	}, []string{"reason"})

	SweeperRefunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_sweeper_refunds_total",
		Help: "Expiry sweeper refund attempts by outcome.",
	}, []string{"outcome"})

	AbuseFlags = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_abuse_flags_total",
		Help: "Abuse flags recorded by kind.",
	}, []string{"kind"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_http_requests_total",
		Help: "Handled HTTP requests by route and status class.",
	}, []string{"route", "status"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_rate_limited_total",
		Help: "Requests rejected by the sliding-window limiter, by operation.",
	}, []string{"operation"})
)
