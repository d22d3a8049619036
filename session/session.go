// Package session holds per-conversation state: the message log, the
// compression counter and the record of dataset transformations.
package session

import (
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/m4xw311/datapilot/errors"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one tool invocation requested by the model inside an
// assistant message. ID is unique within that message.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Message is the tagged union over the four conversation roles.
//
// ToolCalls is set only on assistant messages. ToolCallID and ToolName are
// set only on tool-result messages and tie the result back to the assistant
// message that issued the call.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// System returns a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User returns a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant returns a plain assistant message with no tool calls.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// ToolResult returns a tool-result message for the given call.
func ToolResult(callID, toolName, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, ToolName: toolName}
}

// IsToolResult reports whether m is a tool-result message.
func (m Message) IsToolResult() bool { return m.Role == RoleTool }

// HasToolCalls reports whether m is an assistant message requesting tools.
func (m Message) HasToolCalls() bool { return m.Role == RoleAssistant && len(m.ToolCalls) > 0 }

// ErrOrphanToolResult is returned by ValidatePairing when a tool result has
// no earlier assistant message carrying the matching tool call.
var ErrOrphanToolResult = errors.Sentinel("tool result without matching tool call")

// ValidatePairing checks the pairing invariant: every tool-result message
// must be preceded by an assistant message whose tool calls include the
// result's tool_call_id.
func ValidatePairing(msgs []Message) error {
	issued := make(map[string]bool)
	for _, m := range msgs {
		switch {
		case m.HasToolCalls():
			for _, tc := range m.ToolCalls {
				issued[tc.ID] = true
			}
		case m.IsToolResult():
			if !issued[m.ToolCallID] {
				return errors.Wrapf(ErrOrphanToolResult, "call id %q (tool %s)", m.ToolCallID, m.ToolName)
			}
		}
	}
	return nil
}

// Session is the long-lived per-conversation state. It is safe for
// concurrent use; concurrent requests on the same session interleave without
// further serialization.
type Session struct {
	ID string

	mu           sync.Mutex
	messages     []Message
	compressions int
	createdAt    time.Time
	lastUsed     time.Time
}

// New creates a session. An empty id gets a generated short id.
func New(id string) *Session {
	if id == "" {
		id = shortuuid.New()
	}
	now := time.Now()
	return &Session{ID: id, createdAt: now, lastUsed: now}
}

// Append adds messages to the log.
func (s *Session) Append(msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
	s.lastUsed = time.Now()
}

// Messages returns a copy of the message log.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Replace swaps the entire message log, used by the memory compressor.
func (s *Session) Replace(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = msgs
	s.lastUsed = time.Now()
}

// Len returns the number of messages.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// BumpCompressions increments and returns the compression counter.
func (s *Session) BumpCompressions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compressions++
	return s.compressions
}

// Compressions returns the number of compression passes so far.
func (s *Session) Compressions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compressions
}

// Touch refreshes the last-used timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()
}

// IdleSince returns the last-used timestamp.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// CreatedAt returns the creation timestamp.
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}
