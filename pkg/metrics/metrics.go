// Package metrics exposes process-wide conversation instruments and the
// optional Prometheus scrape endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"parley/pkg/proto"
)

// Registered on the default registry so these counters and the LLM
// middleware recorder share one scrape surface.
//
//nolint:gochecknoglobals // Package-level instruments, registered once
var (
	phaseTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_phase_transitions_total",
			Help: "Total number of committed phase transitions",
		},
		[]string{"from", "to"},
	)

	toolExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_executions_total",
			Help: "Total number of tool executions by tool name and status",
		},
		[]string{"tool", "status"},
	)

	toolExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tool_execution_duration_seconds",
			Help:    "Duration of tool executions in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	checkpointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkpoints_total",
			Help: "Total number of checkpoints committed per session",
		},
		[]string{"session_id"},
	)

	checkpointSeq = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "checkpoint_seq",
			Help: "Latest committed checkpoint sequence number per session",
		},
		[]string{"session_id"},
	)

	checkpointRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "checkpoint_write_retries_total",
			Help: "Total number of retried checkpoint writes",
		},
	)
)

// IncPhaseTransition records one committed phase transition.
func IncPhaseTransition(from, to proto.Phase) {
	phaseTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// ObserveToolExecution records one tool dispatch with its outcome and duration.
func ObserveToolExecution(tool string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	toolExecutionsTotal.WithLabelValues(tool, status).Inc()
	toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveCheckpoint records one committed checkpoint and its sequence number.
func ObserveCheckpoint(sessionID string, seq int64) {
	checkpointsTotal.WithLabelValues(sessionID).Inc()
	checkpointSeq.WithLabelValues(sessionID).Set(float64(seq))
}

// IncCheckpointRetry counts a checkpoint write that had to be retried.
func IncCheckpointRetry() {
	checkpointRetriesTotal.Inc()
}
