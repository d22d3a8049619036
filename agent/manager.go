package agent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/m4xw311/datapilot/config"
	"github.com/m4xw311/datapilot/llm"
	"github.com/m4xw311/datapilot/session"
	"github.com/m4xw311/datapilot/token"
	"github.com/m4xw311/datapilot/tools"
)

// Manager owns the session-id to agent mapping. Agents are created on first
// use and live until removed explicitly or swept for idleness.
type Manager struct {
	client   llm.Client
	registry *tools.Registry
	dataReg  *session.DataRegistry
	cfg      *config.Config
	counter  *token.Counter
	logger   *slog.Logger

	mu     sync.Mutex
	agents map[string]*Agent
}

// NewManager creates the manager.
func NewManager(client llm.Client, registry *tools.Registry, dataReg *session.DataRegistry, cfg *config.Config, counter *token.Counter, logger *slog.Logger) *Manager {
	return &Manager{
		client:   client,
		registry: registry,
		dataReg:  dataReg,
		cfg:      cfg,
		counter:  counter,
		logger:   logger,
		agents:   make(map[string]*Agent),
	}
}

// Get returns the agent for the session, creating it on first use. An empty
// id creates a session with a generated id. The stream callback is installed
// either way, so reconnecting clients receive events again.
func (m *Manager) Get(sessionID string, stream StreamFunc) *Agent {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID != "" {
		if a, ok := m.agents[sessionID]; ok {
			a.SetStream(stream)
			a.Session.Touch()
			return a
		}
	}

	a := New(sessionID, m.client, m.registry, m.dataReg, m.cfg, m.counter, m.logger)
	a.SetStream(stream)
	m.agents[a.Session.ID] = a
	m.logger.Info("session created", "session_id", a.Session.ID)
	return a
}

// Lookup returns an existing agent without creating one.
func (m *Manager) Lookup(sessionID string) (*Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[sessionID]
	return a, ok
}

// Remove drops the session and its recorded data transformations.
func (m *Manager) Remove(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[sessionID]; !ok {
		return false
	}
	delete(m.agents, sessionID)
	m.dataReg.Clear(sessionID)
	m.logger.Info("session removed", "session_id", sessionID)
	return true
}

// ExpireIdle removes sessions untouched for longer than ttl and returns how
// many were dropped.
func (m *Manager) ExpireIdle(ttl time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, a := range m.agents {
		if a.Session.IdleSince().Before(cutoff) {
			delete(m.agents, id)
			m.dataReg.Clear(id)
			removed++
			m.logger.Info("session expired", "session_id", id)
		}
	}
	return removed
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.agents)
}

// DataRegistry exposes the shared transformation registry.
func (m *Manager) DataRegistry() *session.DataRegistry {
	return m.dataReg
}
