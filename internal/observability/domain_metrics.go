package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	questionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querydeck_questions_total",
			Help: "Total number of natural-language questions received.",
		},
	)
	relevanceRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querydeck_relevance_rejections_total",
			Help: "Total number of questions rejected by the relevance gate.",
		},
	)
	sqlAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querydeck_sql_attempts_total",
			Help: "Total number of SQL execution attempts, including corrections.",
		},
	)
	retryExhaustionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querydeck_retry_exhaustions_total",
			Help: "Total number of questions that exhausted the correction budget.",
		},
	)
	pipelineSuccessTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querydeck_pipeline_success_total",
			Help: "Total number of questions answered with a successful result.",
		},
	)
	pipelineDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querydeck_pipeline_duration_seconds",
			Help:    "End-to-end pipeline latency per question.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60},
		},
	)
	resolverMatches = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querydeck_resolver_matches",
			Help:    "Number of column matches produced per enrichment.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
	)
	tablesLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "querydeck_tables_loaded",
			Help: "Current number of tables registered in the engine.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		questionsTotal,
		relevanceRejectionsTotal,
		sqlAttemptsTotal,
		retryExhaustionsTotal,
		pipelineSuccessTotal,
		pipelineDurationSeconds,
		resolverMatches,
		tablesLoaded,
	)
}

func ObserveQuestion() {
	questionsTotal.Inc()
}

func ObserveRelevanceRejection() {
	relevanceRejectionsTotal.Inc()
}

func ObservePipelineResult(success bool, attempts int, elapsed time.Duration) {
	if attempts > 0 {
		sqlAttemptsTotal.Add(float64(attempts))
	}
	if success {
		pipelineSuccessTotal.Inc()
	}
	pipelineDurationSeconds.Observe(elapsed.Seconds())
}

func ObserveRetryExhaustion() {
	retryExhaustionsTotal.Inc()
}

func ObserveResolverMatches(count int) {
	resolverMatches.Observe(float64(count))
}

func SetTablesLoaded(count int) {
	tablesLoaded.Set(float64(count))
}
