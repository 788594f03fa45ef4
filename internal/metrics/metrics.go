// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clubapi"

var (
	// CacheLookups counts entity cache reads by kind and result
	// (hit, miss, not_found, error).
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Entity cache lookups by kind and result.",
	}, []string{"kind", "result"})

	// CacheRefreshes counts bulk refresh runs by kind and result.
	CacheRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "refreshes_total",
		Help:      "Periodic cache refresh runs by kind and result.",
	}, []string{"kind", "result"})

	// EngineOps counts attendance engine operations by outcome.
	EngineOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "attendance",
		Name:      "operations_total",
		Help:      "Registration and attendance operations by outcome.",
	}, []string{"op", "outcome"})

	// PartialWrites counts cross-document writes where one side did not apply.
	PartialWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "attendance",
		Name:      "partial_writes_total",
		Help:      "Cross-document writes that applied on one side only.",
	}, []string{"op", "side"})

	// Repairs counts journal entries processed by the repair worker.
	Repairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "journal",
		Name:      "repairs_total",
		Help:      "Repair attempts by final status.",
	}, []string{"status"})

	// GateRejections counts requests refused by the authorization gate.
	GateRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "gate_rejections_total",
		Help:      "Requests refused by the authorization gate by reason.",
	}, []string{"reason"})

	// HTTPDuration observes request latency per route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method, route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
