package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ChatRequests         *prometheus.CounterVec
	ContextBuilds        *prometheus.CounterVec
	SummaryCache         *prometheus.CounterVec
	Condensations        *prometheus.CounterVec
	EmergencyTruncations prometheus.Counter
	ContextTokens        prometheus.Histogram
	GenerationLatency    prometheus.Histogram
	PrunedSessions       prometheus.Counter
	WSMessages           *prometheus.CounterVec

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ChatRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat requests by transport and outcome.",
		}, []string{"transport", "outcome"}),
		ContextBuilds: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_builds_total",
			Help:      "Context assemblies by strategy.",
		}, []string{"strategy"}),
		SummaryCache: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_cache_lookups_total",
			Help:      "Exact-coverage summary cache lookups by result.",
		}, []string{"result"}),
		Condensations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "condensations_total",
			Help:      "Condensation calls by kind and outcome.",
		}, []string{"kind", "outcome"}),
		EmergencyTruncations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_truncations_total",
			Help:      "Assemblies cut back to the emergency recent window.",
		}),
		ContextTokens: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "context_estimated_tokens",
			Help:      "Estimated token size of assembled contexts.",
			Buckets:   []float64{500, 1000, 2500, 5000, 10000, 20000, 35000, 50000, 75000},
		}),
		GenerationLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_latency_ms",
			Help:      "Latency of generation model calls in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 15000, 30000, 60000},
		}),
		PrunedSessions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_pruned_sessions_total",
			Help:      "Sessions removed by retention cleanup.",
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveChat(transport, outcome string) {
	if m == nil {
		return
	}
	m.ChatRequests.WithLabelValues(transport, outcome).Inc()
}

func (m *Metrics) ObserveBuild(strategy string, estimatedTokens int, emergency bool) {
	if m == nil {
		return
	}
	m.ContextBuilds.WithLabelValues(strategy).Inc()
	m.ContextTokens.Observe(float64(estimatedTokens))
	if emergency {
		m.EmergencyTruncations.Inc()
		m.stages.ObserveIndicator("emergency_truncation")
	}
}

func (m *Metrics) ObserveCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.SummaryCache.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveCondensation(kind, outcome string) {
	if m == nil {
		return
	}
	m.Condensations.WithLabelValues(kind, outcome).Inc()
	if outcome != "ok" {
		m.stages.ObserveIndicator(kind + "_" + outcome)
	}
}

func (m *Metrics) ObserveGeneration(d time.Duration) {
	if m == nil {
		return
	}
	m.GenerationLatency.Observe(float64(d.Milliseconds()))
	m.ObserveStage(StageGeneration, d)
}

func (m *Metrics) ObservePruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PrunedSessions.Add(float64(n))
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// ObserveStage records one latency sample for the rolling perf window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
