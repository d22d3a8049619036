package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/m4xw311/datapilot/errors"
)

// ErrNoCurrentData is returned when an alias is resolved before any
// transformation has recorded a current file for the session.
var ErrNoCurrentData = errors.Sentinel("no current data file for session")

// Transformation is one recorded step of the session's data pipeline.
type Transformation struct {
	OriginalFile string                 `json:"original_file"`
	CurrentFile  string                 `json:"current_file"`
	Operation    string                 `json:"operation"`
	Timestamp    time.Time              `json:"timestamp"`
	Description  string                 `json:"description"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// DataRegistry tracks, per session, the chain of dataset transformations and
// the derived "current file" pointer that path aliases resolve to.
type DataRegistry struct {
	mu      sync.RWMutex
	history map[string][]Transformation
}

// NewDataRegistry creates an empty registry.
func NewDataRegistry() *DataRegistry {
	return &DataRegistry{history: make(map[string][]Transformation)}
}

// aliases that resolve to the current-file pointer.
func isCurrentAlias(path string) bool {
	switch strings.TrimSpace(path) {
	case "@current", "current", "latest":
		return true
	}
	return false
}

// Update appends a transformation and advances the current-file pointer.
func (r *DataRegistry) Update(sessionID, original, current, operation, description string, metadata map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history[sessionID] = append(r.history[sessionID], Transformation{
		OriginalFile: original,
		CurrentFile:  current,
		Operation:    operation,
		Timestamp:    time.Now(),
		Description:  description,
		Metadata:     metadata,
	})
}

// Resolve maps the aliases @current, current and latest to the session's
// current file; any other path is returned unchanged.
func (r *DataRegistry) Resolve(sessionID, path string) (string, error) {
	if !isCurrentAlias(path) {
		return path, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.history[sessionID]
	if len(entries) == 0 {
		return "", errors.Wrapf(ErrNoCurrentData, "alias %q in session %s", path, sessionID)
	}
	return entries[len(entries)-1].CurrentFile, nil
}

// Current returns the current-file pointer, or "" when unset.
func (r *DataRegistry) Current(sessionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.history[sessionID]
	if len(entries) == 0 {
		return ""
	}
	return entries[len(entries)-1].CurrentFile
}

// History returns a copy of the session's transformation chain.
func (r *DataRegistry) History(sessionID string) []Transformation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.history[sessionID]
	out := make([]Transformation, len(entries))
	copy(out, entries)
	return out
}

// Summary renders a short human-readable pipeline description.
func (r *DataRegistry) Summary(sessionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.history[sessionID]
	if len(entries) == 0 {
		return "no data transformations recorded"
	}
	var sb strings.Builder
	for i, t := range entries {
		fmt.Fprintf(&sb, "%d. %s: %s -> %s", i+1, t.Operation, t.OriginalFile, t.CurrentFile)
		if t.Description != "" {
			fmt.Fprintf(&sb, " (%s)", t.Description)
		}
		sb.WriteByte('\n')
	}
	fmt.Fprintf(&sb, "current file: %s", entries[len(entries)-1].CurrentFile)
	return sb.String()
}

// Clear drops all recorded transformations for the session.
func (r *DataRegistry) Clear(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.history, sessionID)
}
