// Package metrics provides metrics recording for LLM client operations.
package metrics

import (
	"time"

	"parley/pkg/proto"
)

// StateProvider provides access to session state for metrics collection.
type StateProvider interface {
	// GetCurrentPhase returns the session's current phase.
	GetCurrentPhase() proto.Phase
	// GetSessionID returns the session ID.
	GetSessionID() string
}

// Recorder defines the interface for recording LLM operation metrics.
type Recorder interface {
	// ObserveRequest records metrics for a completed LLM request.
	ObserveRequest(
		model, sessionID, phase string,
		promptTokens, completionTokens int,
		cost float64,
		success bool,
		errorType string,
		duration time.Duration,
	)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveRequest does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveRequest(
	_, _, _ string,
	_, _ int,
	_ float64,
	_ bool,
	_ string,
	_ time.Duration,
) {
	// No-op
}
