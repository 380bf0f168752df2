// Package metrics provides internal metrics tracking for LLM operations.
package metrics

import (
	"sync"
	"time"
)

// InternalRecorder implements the Recorder interface using in-memory aggregation.
// This is much simpler than Prometheus and doesn't require external services.
type InternalRecorder struct {
	sessions map[string]*SessionMetrics // sessionID -> aggregated metrics
	mu       sync.RWMutex
}

// SessionMetrics represents aggregated metrics for a session.
//
//nolint:govet
type SessionMetrics struct {
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	RequestCount     int64     `json:"request_count"`
	FailureCount     int64     `json:"failure_count"`
	TotalCost        float64   `json:"total_cost_usd"`
	SessionID        string    `json:"session_id"`
	LastUpdated      time.Time `json:"last_updated"`
}

var (
	// Singleton instance and initialization synchronization.
	internalInstance *InternalRecorder //nolint:gochecknoglobals
	internalOnce     sync.Once         //nolint:gochecknoglobals
)

// NewInternalRecorder returns a singleton internal metrics recorder.
func NewInternalRecorder() *InternalRecorder {
	internalOnce.Do(func() {
		internalInstance = &InternalRecorder{
			sessions: make(map[string]*SessionMetrics),
		}
	})
	return internalInstance
}

// ObserveRequest records metrics for a completed LLM request.
func (r *InternalRecorder) ObserveRequest(
	_, sessionID, _ string,
	promptTokens, completionTokens int,
	cost float64,
	success bool,
	_ string,
	_ time.Duration,
) {
	if sessionID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Get or create session metrics
	session, exists := r.sessions[sessionID]
	if !exists {
		session = &SessionMetrics{
			SessionID: sessionID,
		}
		r.sessions[sessionID] = session
	}

	// Tokens and cost only accumulate on success; failures still count
	if success {
		session.PromptTokens += int64(promptTokens)
		session.CompletionTokens += int64(completionTokens)
		session.TotalTokens = session.PromptTokens + session.CompletionTokens
		session.TotalCost += cost
	} else {
		session.FailureCount++
	}
	session.RequestCount++
	session.LastUpdated = time.Now()
}

// GetSessionMetrics returns the aggregated metrics for a specific session.
func (r *InternalRecorder) GetSessionMetrics(sessionID string) *SessionMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if session, exists := r.sessions[sessionID]; exists {
		// Return a copy to prevent external modification
		copied := *session
		return &copied
	}
	return nil
}

// GetAllSessionMetrics returns metrics for all sessions.
func (r *InternalRecorder) GetAllSessionMetrics() map[string]*SessionMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*SessionMetrics)
	for sessionID, session := range r.sessions {
		copied := *session
		result[sessionID] = &copied
	}
	return result
}

// ClearSessionMetrics removes metrics for a specific session (useful for testing).
func (r *InternalRecorder) ClearSessionMetrics(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Reset clears all metrics (useful for testing).
func (r *InternalRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*SessionMetrics)
}
