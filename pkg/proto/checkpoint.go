package proto

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Checkpoint is an immutable snapshot of session state. Checkpoints are
// only ever appended, with strictly increasing sequence numbers per
// session, so any committed point can be recovered after a crash.
type Checkpoint struct {
	CreatedAt time.Time `json:"created_at"`
	SessionID string    `json:"session_id"`
	Phase     Phase     `json:"phase"`
	Messages  []Message `json:"messages"`
	Seq       int64     `json:"seq"`
}

// Validate ensures checkpoint integrity before a store accepts it.
func (c *Checkpoint) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("checkpoint session ID is required")
	}
	if _, ok := ValidatePhase(string(c.Phase)); !ok {
		return fmt.Errorf("checkpoint has invalid phase: %s", c.Phase)
	}
	if err := ValidateHistory(c.Messages); err != nil {
		return fmt.Errorf("checkpoint history invalid: %w", err)
	}
	return nil
}

// Session is the conversation state owned by exactly one machine: an
// identifier, the ordered message history, and the current phase. It is
// never shared between goroutines.
type Session struct {
	ID       string    `json:"id"`
	Phase    Phase     `json:"phase"`
	Messages []Message `json:"messages"`
}

// NewSession creates a fresh session in the initial phase. An empty id
// gets a generated UUID so unnamed sessions never collide.
func NewSession(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		ID:    id,
		Phase: PhaseAwaitingUserInput,
	}
}

// RestoreSession rebuilds a session from a committed checkpoint.
func RestoreSession(cp *Checkpoint) *Session {
	return &Session{
		ID:       cp.SessionID,
		Phase:    cp.Phase,
		Messages: CloneMessages(cp.Messages),
	}
}

// Append adds messages to the history.
func (s *Session) Append(msgs ...Message) {
	s.Messages = append(s.Messages, msgs...)
}

// LastMessage returns the most recent message, or nil for an empty history.
func (s *Session) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// Snapshot produces a checkpoint of the current state with a deep-copied
// history. The store assigns the sequence number on append.
func (s *Session) Snapshot() Checkpoint {
	return Checkpoint{
		SessionID: s.ID,
		Phase:     s.Phase,
		Messages:  CloneMessages(s.Messages),
		CreatedAt: time.Now().UTC(),
	}
}
