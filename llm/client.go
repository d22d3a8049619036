// Package llm abstracts "chat completion with tool calling" over several
// providers. The agent core only ever sees this interface.
package llm

import (
	"context"
	"sync"

	"github.com/m4xw311/datapilot/session"
	"github.com/m4xw311/datapilot/tools"
)

// Request is one chat completion invocation.
type Request struct {
	// Model overrides the provider's default model when non-empty (rule
	// model hints).
	Model    string
	Messages []session.Message
	// Tools offered to the model. Empty means a plain, no-tool completion.
	Tools []tools.Tool
}

// Client is the capability contract every provider implements.
type Client interface {
	Chat(ctx context.Context, req Request) (*session.Message, error)
}

// ScriptedClient returns pre-recorded assistant messages in order and records
// every request it sees. It backs the agent and server tests.
type ScriptedClient struct {
	mu       sync.Mutex
	script   []session.Message
	requests []Request
}

// NewScriptedClient creates a client that replays the given messages.
func NewScriptedClient(script ...session.Message) *ScriptedClient {
	return &ScriptedClient{script: script}
}

// Chat pops the next scripted message. When the script runs dry it returns a
// terse assistant message, which ends the planner loop.
func (c *ScriptedClient) Chat(ctx context.Context, req Request) (*session.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.script) == 0 {
		return &session.Message{Role: session.RoleAssistant, Content: "done"}, nil
	}
	next := c.script[0]
	c.script = c.script[1:]
	return &next, nil
}

// Requests returns a copy of the recorded requests.
func (c *ScriptedClient) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, len(c.requests))
	copy(out, c.requests)
	return out
}

// Calls returns how many chat invocations were made.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}
