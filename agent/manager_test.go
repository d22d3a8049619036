package agent

import (
	"testing"
	"time"

	"github.com/m4xw311/datapilot/llm"
	"github.com/m4xw311/datapilot/session"
	"github.com/m4xw311/datapilot/token"
	"github.com/m4xw311/datapilot/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return NewManager(llm.NewScriptedClient(), tools.NewRegistry(), session.NewDataRegistry(), testConfig(), token.Default(), testLogger())
}

func TestManagerGetCreatesAndReuses(t *testing.T) {
	m := newTestManager()

	a1 := m.Get("", nil)
	require.NotNil(t, a1)
	require.NotEmpty(t, a1.Session.ID)

	a2 := m.Get(a1.Session.ID, nil)
	assert.Same(t, a1, a2)
	assert.Equal(t, 1, m.Len())

	a3 := m.Get("other", nil)
	assert.NotSame(t, a1, a3)
	assert.Equal(t, "other", a3.Session.ID)
	assert.Equal(t, 2, m.Len())
}

func TestManagerGetReplacesStreamCallback(t *testing.T) {
	m := newTestManager()
	a := m.Get("s1", func(ToolExecution) {})
	require.NotNil(t, a.streamFn())

	m.Get("s1", nil)
	assert.Nil(t, a.streamFn(), "a reconnect must install its own callback")
}

func TestManagerRemoveClearsData(t *testing.T) {
	m := newTestManager()
	a := m.Get("s1", nil)
	m.DataRegistry().Update(a.Session.ID, "a.csv", "b.csv", "filter_rows", "", nil)

	require.True(t, m.Remove("s1"))
	assert.False(t, m.Remove("s1"))
	assert.Empty(t, m.DataRegistry().History("s1"))
	assert.Zero(t, m.Len())
}

func TestManagerExpireIdle(t *testing.T) {
	m := newTestManager()
	m.Get("old", nil)
	time.Sleep(5 * time.Millisecond)

	removed := m.ExpireIdle(time.Nanosecond)
	assert.Equal(t, 1, removed)
	assert.Zero(t, m.Len())

	m.Get("fresh", nil)
	removed = m.ExpireIdle(time.Hour)
	assert.Zero(t, removed)
	assert.Equal(t, 1, m.Len())
}
