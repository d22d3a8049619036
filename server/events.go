// Package server exposes the HTTP surface: the SSE chat stream, session
// management and rule reloading.
package server

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/m4xw311/datapilot/agent"
	"github.com/m4xw311/datapilot/errors"
)

// Event types emitted on the chat stream, in grammar order: start, then
// optionally rule, then processing, zero or more tool_execution, optionally
// tools, then content and complete. A failure replaces the tail with error.
const (
	EventStart         = "start"
	EventRule          = "rule"
	EventProcessing    = "processing"
	EventToolExecution = "tool_execution"
	EventTools         = "tools"
	EventContent       = "content"
	EventComplete      = "complete"
	EventError         = "error"
)

// Event is the wire shape of one SSE payload. Only the fields relevant to
// the event type are set. SessionID rides along on start and complete so
// clients can learn their session without a separate call.
type Event struct {
	Type          string                 `json:"type"`
	SessionID     string                 `json:"session_id,omitempty"`
	Message       string                 `json:"message,omitempty"`
	RuleName      string                 `json:"rule_name,omitempty"`
	ToolName      string                 `json:"tool_name,omitempty"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	ExecutionTime float64                `json:"execution_time,omitempty"`
	Result        string                 `json:"result,omitempty"`
	Tools         []string               `json:"tools,omitempty"`
	ToolsUsed     []string               `json:"tools_used,omitempty"`
	Content       string                 `json:"content,omitempty"`
	Success       *bool                  `json:"success,omitempty"`
}

// StartEvent opens the stream and tells the client its session id.
func StartEvent(sessionID string) Event {
	return Event{Type: EventStart, SessionID: sessionID, Message: "Request received"}
}

// RuleEvent announces the rule applied to this request.
func RuleEvent(name string) Event {
	return Event{Type: EventRule, RuleName: name, Message: "Applying rule: " + name}
}

// ProcessingEvent is the "thinking" heartbeat before the first model call.
func ProcessingEvent(message string) Event {
	return Event{Type: EventProcessing, Message: message}
}

// ToolExecutionEvent converts an executor record into its wire event.
func ToolExecutionEvent(ex agent.ToolExecution) Event {
	return Event{
		Type:          EventToolExecution,
		ToolName:      ex.ToolName,
		Parameters:    sanitizeMap(ex.Parameters),
		ExecutionTime: roundSeconds(ex.Duration),
		Result:        ex.Result,
	}
}

// ToolsEvent lists the distinct tools used during the turn.
func ToolsEvent(names []string) Event {
	return Event{
		Type:    EventTools,
		Tools:   names,
		Message: "Tools used: " + strings.Join(names, ", "),
	}
}

// ContentEvent carries the final answer text, the turn's wall-clock duration
// and the tools that produced it.
func ContentEvent(content string, elapsed time.Duration, toolsUsed []string) Event {
	return Event{
		Type:          EventContent,
		Content:       content,
		ExecutionTime: roundSeconds(elapsed),
		ToolsUsed:     toolsUsed,
	}
}

// CompleteEvent closes a successful stream.
func CompleteEvent(sessionID string) Event {
	success := true
	return Event{
		Type:      EventComplete,
		SessionID: sessionID,
		Message:   "Request completed",
		Success:   &success,
	}
}

// ErrorEvent closes a failed stream.
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}

func roundSeconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}

// sanitizeMap normalizes model-provided values for JSON encoding: json.Number
// becomes a real number and non-finite floats become strings, so encoding can
// never fail mid-stream.
func sanitizeMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return sanitizeValue(f)
		}
		return t.String()
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return "non-finite"
		}
		return t
	case float32:
		return sanitizeValue(float64(t))
	case map[string]interface{}:
		return sanitizeMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(e)
		}
		return out
	default:
		return v
	}
}

// doneSentinel terminates every stream, success or failure.
const doneSentinel = "data: [DONE]\n\n"

// EventWriter serializes events onto an SSE response, flushing after each
// one.
type EventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewEventWriter sets the SSE headers and returns a writer. Flushing is
// best-effort; a buffering writer still produces a valid stream, just later.
func NewEventWriter(w http.ResponseWriter) *EventWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	return &EventWriter{w: w, flusher: flusher}
}

// Send writes one event frame.
func (ew *EventWriter) Send(ev Event) error {
	payload, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if _, err := ew.w.Write(payload); err != nil {
		return errors.Wrapf(err, "failed to write event")
	}
	ew.flush()
	return nil
}

// Done writes the terminating sentinel.
func (ew *EventWriter) Done() error {
	if _, err := ew.w.Write([]byte(doneSentinel)); err != nil {
		return errors.Wrapf(err, "failed to write done sentinel")
	}
	ew.flush()
	return nil
}

func (ew *EventWriter) flush() {
	if ew.flusher != nil {
		ew.flusher.Flush()
	}
}

// encodeEvent renders one "data: {json}\n\n" frame. HTML escaping is off so
// tool envelopes survive verbatim.
func encodeEvent(ev Event) ([]byte, error) {
	var buf []byte
	buf = append(buf, "data: "...)

	data, err := marshalNoEscape(ev)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s event", ev.Type)
	}
	buf = append(buf, data...)
	buf = append(buf, '\n')
	return buf, nil
}

func marshalNoEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
