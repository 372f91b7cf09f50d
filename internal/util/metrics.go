package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PurchasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ticket_purchases_total",
		Help: "Total number of purchase attempts received",
	})

	AdmissionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticket_admissions_rejected_total",
		Help: "Total number of purchase attempts rejected before a reservation was created",
	}, []string{"reason"})

	ReservationsPendingTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ticket_reservations_pending_total",
		Help: "Total number of reservations admitted as Pending",
	})

	ReservationsPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ticket_reservations_paid_total",
		Help: "Total number of reservations settled as Paid",
	})

	ReservationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticket_reservations_failed_total",
		Help: "Total number of reservations ended as Failed",
	}, []string{"reason"})

	LedgerReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ticket_ledger_reserve_latency_seconds",
		Help:    "Latency of the atomic admission check",
		Buckets: prometheus.DefBuckets,
	})

	GatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ticket_gateway_request_duration_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "outcome"})

	GatewayTokenFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticket_gateway_token_fetches_total",
		Help: "Total number of credential fetches against the gateway",
	}, []string{"outcome"})

	ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticket_reconciliations_total",
		Help: "Total number of reconciliation attempts by source and outcome",
	}, []string{"source", "outcome"})

	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticket_sweep_runs_total",
		Help: "Total number of stale-pending sweeps",
	}, []string{"outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
