package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageKind tags the variants of the Message union.
type MessageKind string

const (
	// KindUserText is a line of text supplied by the user.
	KindUserText MessageKind = "user_text"

	// KindAssistantText is a plain text reply from the model.
	KindAssistantText MessageKind = "assistant_text"

	// KindToolRequest is a model turn requesting one or more tool calls.
	KindToolRequest MessageKind = "tool_request"

	// KindToolResult is the outcome of a single requested tool call.
	KindToolResult MessageKind = "tool_result"
)

// ValidateMessageKind validates if a string is a valid message kind.
func ValidateMessageKind(s string) (MessageKind, bool) {
	switch MessageKind(s) {
	case KindUserText, KindAssistantText, KindToolRequest, KindToolResult:
		return MessageKind(s), true
	default:
		return "", false
	}
}

// String returns the string representation of MessageKind.
func (k MessageKind) String() string {
	return string(k)
}

// ToolCall is a single requested invocation of a named tool. The ID is
// unique within the tool request that carries it and ties the eventual
// result back to this call.
type ToolCall struct {
	Args map[string]any `json:"args,omitempty"`
	ID   string         `json:"id"`
	Name string         `json:"name"`
}

// Message is the tagged union making up conversation history. Exactly one
// variant's fields are populated, selected by Kind:
//
//	user_text:      Text
//	assistant_text: Text
//	tool_request:   ToolCalls
//	tool_result:    CallID, Content, IsError
type Message struct {
	Timestamp time.Time   `json:"timestamp"`
	ID        string      `json:"id"`
	Kind      MessageKind `json:"kind"`
	Text      string      `json:"text,omitempty"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
	CallID    string      `json:"call_id,omitempty"`
	Content   string      `json:"content,omitempty"`
	IsError   bool        `json:"is_error,omitempty"`
}

// NewUserText creates a user text message.
func NewUserText(text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      KindUserText,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

// NewAssistantText creates an assistant text message.
func NewAssistantText(text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      KindAssistantText,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

// NewToolRequest creates an assistant message requesting the given tool
// calls. Calls missing an ID are assigned one.
func NewToolRequest(calls []ToolCall) Message {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = uuid.NewString()
		}
	}
	return Message{
		ID:        uuid.NewString(),
		Kind:      KindToolRequest,
		ToolCalls: calls,
		Timestamp: time.Now().UTC(),
	}
}

// NewToolResult creates a successful tool result referencing callID.
func NewToolResult(callID, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      KindToolResult,
		CallID:    callID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// NewErrorToolResult creates an error-bearing tool result referencing
// callID. Tool failures travel through history this way rather than
// halting the conversation.
func NewErrorToolResult(callID, errText string) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      KindToolResult,
		CallID:    callID,
		Content:   errText,
		IsError:   true,
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks the per-message invariants of the union.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message ID is required")
	}
	if _, ok := ValidateMessageKind(string(m.Kind)); !ok {
		return fmt.Errorf("invalid message kind: %s", m.Kind)
	}
	switch m.Kind {
	case KindUserText, KindAssistantText:
		if len(m.ToolCalls) > 0 || m.CallID != "" {
			return fmt.Errorf("%s message must not carry tool fields", m.Kind)
		}
	case KindToolRequest:
		if len(m.ToolCalls) == 0 {
			return fmt.Errorf("tool_request message must carry at least one tool call")
		}
		seen := make(map[string]bool, len(m.ToolCalls))
		for i := range m.ToolCalls {
			tc := &m.ToolCalls[i]
			if tc.ID == "" {
				return fmt.Errorf("tool call %d is missing an ID", i)
			}
			if tc.Name == "" {
				return fmt.Errorf("tool call %s is missing a name", tc.ID)
			}
			if seen[tc.ID] {
				return fmt.Errorf("duplicate tool call ID %s", tc.ID)
			}
			seen[tc.ID] = true
		}
	case KindToolResult:
		if m.CallID == "" {
			return fmt.Errorf("tool_result message must reference a call ID")
		}
	}
	return nil
}

// ValidateHistory checks the ordering invariant across a whole message
// sequence: every tool_request is immediately followed by exactly one
// tool_result per requested call, in declaration order, before any other
// message kind appears. Results missing at the tail of history are a
// pending dispatch, not a violation; the request is checkpointed before
// its results exist.
func ValidateHistory(msgs []Message) error {
	for i := 0; i < len(msgs); i++ {
		m := &msgs[i]
		if err := m.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		switch m.Kind {
		case KindToolResult:
			// Results are consumed below while scanning their request;
			// one encountered here dangles.
			return fmt.Errorf("message %d: tool_result %s has no preceding tool_request", i, m.CallID)
		case KindToolRequest:
			for j, call := range m.ToolCalls {
				ri := i + 1 + j
				if ri >= len(msgs) {
					return nil
				}
				r := &msgs[ri]
				if r.Kind != KindToolResult {
					return fmt.Errorf("message %d: expected tool_result for call %s, got %s", ri, call.ID, r.Kind)
				}
				if r.CallID != call.ID {
					return fmt.Errorf("message %d: tool_result out of order: want call %s, got %s", ri, call.ID, r.CallID)
				}
			}
			i += len(m.ToolCalls)
		case KindUserText, KindAssistantText:
		}
	}
	return nil
}

// ToJSON serializes the message.
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// MessageFromJSON deserializes a single message.
func MessageFromJSON(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Message: %w", err)
	}
	return &m, nil
}

// CloneMessages returns a deep copy of a message sequence. Checkpoints
// snapshot history through this so later appends never alias committed
// state.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if len(msgs[i].ToolCalls) > 0 {
			calls := make([]ToolCall, len(msgs[i].ToolCalls))
			copy(calls, msgs[i].ToolCalls)
			for j := range calls {
				if msgs[i].ToolCalls[j].Args != nil {
					args := make(map[string]any, len(msgs[i].ToolCalls[j].Args))
					for k, v := range msgs[i].ToolCalls[j].Args {
						args[k] = v
					}
					calls[j].Args = args
				}
			}
			out[i].ToolCalls = calls
		}
	}
	return out
}
