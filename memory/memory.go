// Package memory enforces the conversation token budget. Compression is a
// pure function over the message list that preserves the pairing between
// model-issued tool calls and their results.
package memory

import (
	"encoding/json"

	"github.com/m4xw311/datapilot/session"
	"github.com/m4xw311/datapilot/token"
)

// EstimateTokens returns the token estimate of a message list, including
// serialized tool-call arguments.
func EstimateTokens(counter *token.Counter, msgs []session.Message) int {
	total := 0
	for _, m := range msgs {
		total += counter.CountAll(m.Content)
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Args)
			if err != nil {
				continue
			}
			total += counter.CountAll(tc.Name, string(args))
		}
	}
	return total
}

// RecentWindow selects the most recent complete pairing window: walking
// backward from the tail until target messages are collected, pulling in the
// issuing assistant message of every included tool result even when that
// overshoots the target. The provider therefore never sees a tool result
// without its call.
func RecentWindow(msgs []session.Message, target int) []session.Message {
	if target <= 0 {
		return nil
	}
	if len(msgs) <= target {
		out := make([]session.Message, len(msgs))
		copy(out, msgs)
		return out
	}

	included := make([]bool, len(msgs))
	pending := make(map[string]bool)
	count := 0

	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		need := count < target
		if !need && m.HasToolCalls() {
			for _, tc := range m.ToolCalls {
				if pending[tc.ID] {
					need = true
					break
				}
			}
		}
		if !need {
			if len(pending) == 0 {
				break
			}
			continue
		}
		included[i] = true
		count++
		if m.IsToolResult() {
			pending[m.ToolCallID] = true
		}
		if m.HasToolCalls() {
			for _, tc := range m.ToolCalls {
				delete(pending, tc.ID)
			}
		}
	}

	out := make([]session.Message, 0, count)
	for i, ok := range included {
		if ok {
			out = append(out, msgs[i])
		}
	}
	return out
}
