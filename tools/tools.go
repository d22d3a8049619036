// Package tools defines the schema-carrying tool abstraction, the registry
// that binds tools to sessions, and the built-in data and web tools.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/m4xw311/datapilot/errors"
)

// Property describes one argument in a tool's schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	// Items is the element schema when Type is "array".
	Items *Property `json:"items,omitempty"`
	// FilePath marks arguments that accept dataset paths; the executor
	// resolves session aliases (@current, current, latest) on these before
	// dispatch.
	FilePath bool `json:"-"`
}

// Schema is the JSON-schema object describing a tool's arguments.
type Schema struct {
	Properties map[string]Property
	Required   []string
}

// AsMap renders the schema in the JSON-schema wire shape providers expect.
func (s Schema) AsMap() map[string]interface{} {
	props := make(map[string]interface{}, len(s.Properties))
	for name, p := range s.Properties {
		props[name] = p.asMap()
	}
	required := s.Required
	if required == nil {
		required = []string{}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func (p Property) asMap() map[string]interface{} {
	m := map[string]interface{}{"type": p.Type}
	if p.Description != "" {
		m["description"] = p.Description
	}
	if p.Items != nil {
		m["items"] = p.Items.asMap()
	}
	return m
}

// FilePathArgs lists the argument names marked as file paths.
func (s Schema) FilePathArgs() []string {
	var names []string
	for name, p := range s.Properties {
		if p.FilePath {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Validate checks args against the schema: required keys present, values of
// roughly the declared JSON type. Unknown keys are tolerated; models add
// stray arguments more often than they omit required ones.
func (s Schema) Validate(args map[string]interface{}) error {
	for _, req := range s.Required {
		if _, ok := args[req]; !ok {
			return errors.New("missing required argument %q", req)
		}
	}
	for name, p := range s.Properties {
		v, ok := args[name]
		if !ok || v == nil {
			continue
		}
		if !typeMatches(p.Type, v) {
			return errors.New("argument %q should be %s, got %T", name, p.Type, v)
		}
	}
	return nil
}

func typeMatches(schemaType string, v interface{}) bool {
	switch schemaType {
	case "string":
		_, ok := v.(string)
		return ok
	case "number", "integer":
		switch v.(type) {
		case float64, float32, int, int64, json.Number:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]interface{})
		return ok
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	}
	return true
}

// Result is the tagged outcome of a tool invocation. Handlers never let
// errors escape past the executor; failures are carried in Err.
type Result struct {
	Value interface{}
	Err   string
}

// OK wraps a successful value.
func OK(v interface{}) Result { return Result{Value: v} }

// Fail wraps a failure message.
func Fail(format string, a ...interface{}) Result {
	return Result{Err: fmt.Sprintf(format, a...)}
}

// Failed reports whether the result carries an error.
func (r Result) Failed() bool { return r.Err != "" }

// Payload renders the result value as a JSON string for the message trail.
func (r Result) Payload() string {
	if r.Failed() {
		return r.Err
	}
	if s, ok := r.Value.(string); ok {
		return s
	}
	data, err := json.Marshal(r.Value)
	if err != nil {
		return fmt.Sprintf("%v", r.Value)
	}
	return string(data)
}

// Tool is one action the agent can take.
type Tool interface {
	Name() string
	Description() string
	Schema() Schema
	Execute(ctx context.Context, args map[string]interface{}) Result
}

// Registry holds the process-wide set of registered tools. It is populated
// at startup and read-only afterwards, shared across sessions.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Bind resolves a list of tool names into tool instances, in order. Unknown
// names are an error so a rule whitelist cannot silently shrink.
func (r *Registry) Bind(names []string) ([]Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			return nil, errors.New("tool %q is not registered", name)
		}
		out = append(out, t)
	}
	return out, nil
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type sessionKey struct{}

// WithSession tags ctx with the calling session's id so tool handlers can
// record per-session state (e.g. dataset transformations).
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionID extracts the session id from ctx, or "" when absent.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
