package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Training run statuses used as metric labels.
const (
	StatusReady      = "ready"
	StatusFailed     = "failed"
	StatusError      = "error"
	StatusSuperseded = "superseded"
)

//nolint:gochecknoglobals // Prometheus collectors register once per process
var (
	// TrainingRunsTotal counts finished training runs by status.
	TrainingRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frictionlab_training_runs_total",
			Help: "Total friction model training runs by final status",
		},
		[]string{"status"}, // ready, failed, error, superseded
	)

	// TrainingDuration measures wall time of training runs in seconds.
	TrainingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "frictionlab_training_duration_seconds",
			Help:    "Friction model training duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"status"},
	)

	// ToolCallsTotal counts served MCP tool calls.
	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frictionlab_tool_calls_total",
			Help: "Total MCP tool calls by tool and result",
		},
		[]string{"tool", "result"}, // result: ok, error
	)

	// ToolRejectionsTotal counts calls rejected by runtime guardrails.
	ToolRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frictionlab_tool_rejections_total",
			Help: "Tool calls rejected by runtime limits",
		},
		[]string{"reason"}, // busy, timeout
	)

	// DatasetsOpen tracks datasets currently held in the handle cache.
	DatasetsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "frictionlab_datasets_open",
			Help: "Number of datasets currently loaded",
		},
	)

	// RowsDroppedTotal counts input rows rejected during dataset loading.
	RowsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "frictionlab_rows_dropped_total",
			Help: "Stage rows dropped by validation during dataset loads",
		},
	)
)

// ObserveTraining records a finished training run.
func ObserveTraining(status string, elapsed time.Duration) {
	TrainingRunsTotal.WithLabelValues(status).Inc()
	TrainingDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// StartMetricsServer serves /metrics on addr in the background and returns the server
// so callers can shut it down.
func StartMetricsServer(addr string, logger zerolog.Logger) *http.Server {
	sm := http.NewServeMux()
	sm.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 15 * time.Second,
		Handler:           sm,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	return srv
}
