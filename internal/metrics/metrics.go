// Package metrics provides Prometheus metrics for order reconciliation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MergesTotal tracks merges by outcome (ok, replay, invalid, conflict, error).
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orders",
			Subsystem: "merge",
			Name:      "total",
			Help:      "Total number of extraction merges by outcome",
		},
		[]string{"outcome"},
	)

	// MergeDuration tracks end-to-end merge latency including persistence.
	MergeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "orders",
			Subsystem: "merge",
			Name:      "duration_seconds",
			Help:      "Duration of merge operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	// ItemChanges tracks merged items by change kind (added, modified, unchanged).
	ItemChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orders",
			Subsystem: "merge",
			Name:      "item_changes_total",
			Help:      "Items recorded in change sets by kind",
		},
		[]string{"kind"},
	)

	// MatchOutcomes tracks matcher results (exact, fuzzy, below_threshold, none, unmatchable).
	MatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orders",
			Subsystem: "matcher",
			Name:      "outcomes_total",
			Help:      "Item matcher outcomes",
		},
		[]string{"outcome"},
	)

	// MatchScore tracks the best fuzzy score seen per match attempt.
	MatchScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "orders",
			Subsystem: "matcher",
			Name:      "best_score",
			Help:      "Best blended similarity score per fuzzy match attempt",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
	)

	// ResolverLookups tracks alias/cache resolver results by source (cache, alias, miss, error).
	ResolverLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orders",
			Subsystem: "resolver",
			Name:      "lookups_total",
			Help:      "Alias resolver lookups by result source",
		},
		[]string{"source"},
	)

	// ExtractionsTotal tracks extractor calls by status.
	ExtractionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orders",
			Subsystem: "extract",
			Name:      "total",
			Help:      "Extractor calls by status",
		},
		[]string{"status"},
	)

	// ExtractionTokens tracks LLM token usage by direction (input, output).
	ExtractionTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orders",
			Subsystem: "extract",
			Name:      "tokens_total",
			Help:      "LLM tokens consumed by the extractor",
		},
		[]string{"direction"},
	)

	// CircuitState tracks breaker state per guarded service (0 closed, 1 open, 2 half-open).
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orders",
			Subsystem: "resilience",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per service",
		},
		[]string{"service"},
	)
)
