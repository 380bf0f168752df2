package eventlog

import (
	"time"

	"parley/pkg/proto"
)

// EventType tags the kinds of conversation events recorded in the log.
type EventType string

const (
	// EventPhaseTransition records a committed phase change.
	EventPhaseTransition EventType = "phase_transition"

	// EventToolInvocation records one executed tool call.
	EventToolInvocation EventType = "tool_invocation"

	// EventSessionStarted records a fresh session beginning.
	EventSessionStarted EventType = "session_started"

	// EventSessionResumed records a session restored from its latest
	// checkpoint.
	EventSessionResumed EventType = "session_resumed"

	// EventContextWatermark records the conversation crossing the
	// configured context usage threshold.
	EventContextWatermark EventType = "context_watermark"
)

// Event is one line of the conversation transcript. Only the fields
// relevant to the event type are populated; the rest are omitted from
// the JSON encoding.
type Event struct {
	Timestamp  time.Time   `json:"timestamp"`
	SessionID  string      `json:"session_id"`
	Type       EventType   `json:"type"`
	From       proto.Phase `json:"from,omitempty"`
	To         proto.Phase `json:"to,omitempty"`
	Seq        int64       `json:"seq,omitempty"`
	Tool       string      `json:"tool,omitempty"`
	CallID     string      `json:"call_id,omitempty"`
	Status     string      `json:"status,omitempty"`
	DurationMS int64       `json:"duration_ms,omitempty"`
	Detail     string      `json:"detail,omitempty"`
}

// NewPhaseTransition builds the event for a committed phase change.
func NewPhaseTransition(change *proto.PhaseChange) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		SessionID: change.SessionID,
		Type:      EventPhaseTransition,
		From:      change.From,
		To:        change.To,
		Seq:       change.Seq,
	}
}

// NewToolInvocation builds the event for one executed tool call.
func NewToolInvocation(sessionID, tool, callID string, success bool, d time.Duration) *Event {
	status := "ok"
	if !success {
		status = "error"
	}
	return &Event{
		Timestamp:  time.Now().UTC(),
		SessionID:  sessionID,
		Type:       EventToolInvocation,
		Tool:       tool,
		CallID:     callID,
		Status:     status,
		DurationMS: d.Milliseconds(),
	}
}

// NewSessionStart builds the start-of-run event. Resumed sessions carry
// the checkpoint sequence they restored from.
func NewSessionStart(sessionID string, resumed bool, seq int64) *Event {
	typ := EventSessionStarted
	if resumed {
		typ = EventSessionResumed
	}
	return &Event{
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Type:      typ,
		Seq:       seq,
	}
}

// NewContextWatermark builds the event recorded when the estimated
// context usage crosses the warning threshold.
func NewContextWatermark(sessionID, detail string) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Type:      EventContextWatermark,
		Detail:    detail,
	}
}
