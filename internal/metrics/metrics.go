// Package metrics holds the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Initiations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Name:      "initiations_total",
		Help:      "Payment initiations by gateway and outcome (redirect, inline, crypto, failed, error).",
	}, []string{"gateway", "outcome"})

	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Name:      "verifications_total",
		Help:      "Verification calls by gateway and resulting status.",
	}, []string{"gateway", "status"})

	Webhooks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Name:      "webhooks_total",
		Help:      "Inbound webhooks by gateway and result.",
	}, []string{"gateway", "result"})

	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Name:      "reconciliations_total",
		Help:      "Payment state transitions applied by the reconciler.",
	}, []string{"gateway", "outcome"})

	Refunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Name:      "refunds_total",
		Help:      "Refund requests by gateway and resulting status.",
	}, []string{"gateway", "status"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "paygate",
		Name:      "gateway_request_duration_seconds",
		Help:      "Latency of outbound gateway operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"gateway", "op"})
)
