package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Engine operation metrics
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memoryd_operations_total",
			Help: "Total engine operations by kind and outcome",
		},
		[]string{"op", "status"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memoryd_operation_duration_seconds",
			Help:    "Engine operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Search metrics
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memoryd_searches_total",
			Help: "Search requests by path (semantic or keyword) and outcome",
		},
		[]string{"path", "status"},
	)

	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memoryd_search_duration_seconds",
			Help:    "Search pipeline duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memoryd_embedding_requests_total",
			Help: "Embedding requests by model and outcome (ok, error, lru_hit, cache_hit)",
		},
		[]string{"model", "status"},
	)

	EmbeddingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memoryd_embedding_duration_seconds",
			Help:    "Embedding call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RerankRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memoryd_rerank_requests_total",
			Help: "Reranker requests by outcome",
		},
		[]string{"status"},
	)

	// Vector index metrics
	VectorUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memoryd_vector_upserts_total",
			Help: "Vector index upserts by outcome",
		},
		[]string{"status"},
	)

	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memoryd_vector_searches_total",
			Help: "Vector index queries by outcome",
		},
		[]string{"status"},
	)

	// Maintenance metrics
	RebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memoryd_rebuilds_total",
			Help: "Vector index rebuilds by outcome",
		},
		[]string{"status"},
	)

	RebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memoryd_rebuild_duration_seconds",
			Help:    "Vector index rebuild duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)

	DirtyPersonas = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memoryd_dirty_personas",
			Help: "Number of personas whose vector index lags the store",
		},
	)

	DuplicateSuggestions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memoryd_duplicate_suggestions_total",
			Help: "Cleanup suggestions emitted by the duplicate detector",
		},
	)

	// Audit log metrics
	OpLogAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memoryd_oplog_appends_total",
			Help: "Operation log appends by outcome",
		},
		[]string{"status"},
	)
)
