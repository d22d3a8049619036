package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/datapilot/config"
	"github.com/m4xw311/datapilot/llm"
	"github.com/m4xw311/datapilot/rules"
	"github.com/m4xw311/datapilot/session"
	"github.com/m4xw311/datapilot/token"
	"github.com/m4xw311/datapilot/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTool is a configurable in-memory tool for loop tests.
type stubTool struct {
	name  string
	delay time.Duration
	fail  bool

	mu    sync.Mutex
	calls []map[string]interface{}
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "stub" }
func (t *stubTool) Schema() tools.Schema {
	return tools.Schema{}
}
func (t *stubTool) Execute(ctx context.Context, args map[string]interface{}) tools.Result {
	if t.delay > 0 {
		time.Sleep(t.delay)
	}
	t.mu.Lock()
	t.calls = append(t.calls, args)
	t.mu.Unlock()
	if t.fail {
		return tools.Fail("stub blew up")
	}
	return tools.OK(map[string]interface{}{"echo": args})
}

func (t *stubTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func testConfig() *config.Config {
	return &config.Config{
		Memory: config.Memory{CompressThreshold: 20000, KeepToolResults: 3, WindowSize: 6},
		Limits: config.Limits{SoftToolCap: 12, HardToolCap: 10, MaxNodeVisits: 50},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestAgent(t *testing.T, client llm.Client, cfg *config.Config, stubs ...tools.Tool) (*Agent, *session.DataRegistry, []string) {
	t.Helper()
	registry := tools.NewRegistry()
	var names []string
	for _, s := range stubs {
		registry.Register(s)
		names = append(names, s.Name())
	}
	dataReg := session.NewDataRegistry()
	a := New("", client, registry, dataReg, cfg, token.Default(), testLogger())
	return a, dataReg, names
}

func toolCallMsg(calls ...session.ToolCall) session.Message {
	return session.Message{Role: session.RoleAssistant, ToolCalls: calls}
}

func TestRunPlainAnswer(t *testing.T) {
	client := llm.NewScriptedClient(session.Assistant("the answer"))
	probe := &stubTool{name: "probe"}
	a, _, names := newTestAgent(t, client, testConfig(), probe)

	result, err := a.Run(context.Background(), "what is up", nil, Context{Mode: ModeLocalFile, Data: map[string]interface{}{}}, names)
	require.NoError(t, err)

	assert.Equal(t, "the answer", result.Answer)
	assert.Empty(t, result.ToolsUsed)
	assert.Equal(t, 1, client.Calls(), "no tools used means no responder pass")
	assert.Zero(t, probe.callCount())

	reqs := client.Requests()
	require.Len(t, reqs[0].Messages, 2)
	assert.Equal(t, session.RoleSystem, reqs[0].Messages[0].Role)
	assert.Equal(t, session.RoleUser, reqs[0].Messages[1].Role)
	require.Len(t, reqs[0].Tools, 1)
}

func TestRunToolLoopThenResponder(t *testing.T) {
	client := llm.NewScriptedClient(
		toolCallMsg(session.ToolCall{ID: "call_1", Name: "probe", Args: map[string]interface{}{"q": "x"}}),
		session.Assistant("enough evidence"),
		session.Assistant("final answer"),
	)
	probe := &stubTool{name: "probe"}
	a, _, names := newTestAgent(t, client, testConfig(), probe)

	var events []ToolExecution
	a.SetStream(func(ex ToolExecution) { events = append(events, ex) })

	result, err := a.Run(context.Background(), "dig in", nil, Context{Data: map[string]interface{}{}}, names)
	require.NoError(t, err)

	assert.Equal(t, "final answer", result.Answer)
	assert.Equal(t, []string{"probe"}, result.ToolsUsed)
	assert.Equal(t, 1, probe.callCount())
	assert.Equal(t, 3, client.Calls())

	require.Len(t, events, 1)
	assert.Equal(t, "call_1", events[0].CallID)
	assert.Equal(t, "probe", events[0].ToolName)
	assert.False(t, events[0].Failed)
	assert.Contains(t, events[0].Result, "<tool name='probe' execution_time=")

	reqs := client.Requests()
	// Planner re-entry leads with the evaluator system prompt.
	assert.Equal(t, evalDecidePrompt, reqs[1].Messages[0].Content)
	// The responder pass offers no tools and ends with the raw query.
	assert.Empty(t, reqs[2].Tools)
	last := reqs[2].Messages[len(reqs[2].Messages)-1]
	assert.Equal(t, session.RoleUser, last.Role)
	assert.Equal(t, "dig in", last.Content)

	require.NoError(t, session.ValidatePairing(a.Session.Messages()))
}

func TestRunAliasPipeline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sales.csv")
	require.NoError(t, os.WriteFile(path, []byte("region,amount\nwest,10\neast,20\nwest,30\n"), 0o644))

	client := llm.NewScriptedClient(
		toolCallMsg(session.ToolCall{ID: "call_1", Name: "filter_rows", Args: map[string]interface{}{
			"file_path": path, "column": "region", "op": "==", "value": "west",
		}}),
		toolCallMsg(session.ToolCall{ID: "call_2", Name: "group_rows", Args: map[string]interface{}{
			"file_path": "@current", "group_by": "region", "func": "count",
		}}),
		session.Assistant("pipeline done"),
		session.Assistant("final"),
	)

	registry := tools.NewRegistry()
	dataReg := session.NewDataRegistry()
	for _, tool := range tools.NewDataToolset(config.DataAccess{WorkDir: dir}, dataReg).Tools() {
		registry.Register(tool)
	}
	a := New("", client, registry, dataReg, testConfig(), token.Default(), testLogger())

	result, err := a.Run(context.Background(), "count west rows", nil, Context{Data: map[string]interface{}{}}, tools.LocalFileToolNames())
	require.NoError(t, err)
	assert.Equal(t, "final", result.Answer)
	assert.Equal(t, []string{"filter_rows", "group_rows"}, result.ToolsUsed)

	history := dataReg.History(a.Session.ID)
	require.Len(t, history, 2)
	// The alias resolved to the filter output before group_rows ran.
	assert.Equal(t, history[0].CurrentFile, history[1].OriginalFile)
	assert.NotEqual(t, "@current", history[1].OriginalFile)

	require.NoError(t, session.ValidatePairing(a.Session.Messages()))
}

func TestRunFailingToolKeepsGoing(t *testing.T) {
	client := llm.NewScriptedClient(
		toolCallMsg(session.ToolCall{ID: "call_1", Name: "shaky", Args: map[string]interface{}{}}),
		session.Assistant("recovered"),
		session.Assistant("answer despite failure"),
	)
	shaky := &stubTool{name: "shaky", fail: true}
	a, _, names := newTestAgent(t, client, testConfig(), shaky)

	var events []ToolExecution
	a.SetStream(func(ex ToolExecution) { events = append(events, ex) })

	result, err := a.Run(context.Background(), "try it", nil, Context{Data: map[string]interface{}{}}, names)
	require.NoError(t, err)
	assert.Equal(t, "answer despite failure", result.Answer)

	require.Len(t, events, 1)
	assert.True(t, events[0].Failed)
	assert.Contains(t, events[0].Result, "<tool name='shaky' status='error'>")
	assert.Contains(t, events[0].Result, "stub blew up")

	var toolMsg *session.Message
	for _, m := range a.Session.Messages() {
		if m.IsToolResult() {
			toolMsg = &m
			break
		}
	}
	require.NotNil(t, toolMsg)
	assert.Contains(t, toolMsg.Content, "status='error'")
}

func TestRunHardCapForcesNoToolAnswer(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.HardToolCap = 2
	cfg.Limits.SoftToolCap = 2

	client := llm.NewScriptedClient(
		toolCallMsg(session.ToolCall{ID: "call_1", Name: "ping", Args: map[string]interface{}{}}),
		toolCallMsg(session.ToolCall{ID: "call_2", Name: "ping", Args: map[string]interface{}{}}),
		session.Assistant("forced summary"),
		session.Assistant("final"),
	)
	ping := &stubTool{name: "ping"}
	a, _, names := newTestAgent(t, client, cfg, ping)

	result, err := a.Run(context.Background(), "keep going", nil, Context{Data: map[string]interface{}{}}, names)
	require.NoError(t, err)
	assert.Equal(t, "final", result.Answer)
	assert.Equal(t, 2, ping.callCount(), "no tool may run past the cap")

	reqs := client.Requests()
	require.Len(t, reqs, 4)
	forced := reqs[2]
	assert.Empty(t, forced.Tools, "capped planner entry must offer no tools")
	assert.Equal(t, evalToolBudgetPrompt, forced.Messages[0].Content)
}

func TestRunExecutesToolCallsInParallel(t *testing.T) {
	calls := make([]session.ToolCall, 4)
	for i := range calls {
		calls[i] = session.ToolCall{ID: fmt.Sprintf("call_%d", i), Name: "slow", Args: map[string]interface{}{"i": i}}
	}
	client := llm.NewScriptedClient(
		toolCallMsg(calls...),
		session.Assistant("collected"),
		session.Assistant("final"),
	)
	slow := &stubTool{name: "slow", delay: 100 * time.Millisecond}
	a, _, names := newTestAgent(t, client, testConfig(), slow)

	var events []ToolExecution
	a.SetStream(func(ex ToolExecution) { events = append(events, ex) })

	start := time.Now()
	_, err := a.Run(context.Background(), "fan out", nil, Context{Data: map[string]interface{}{}}, names)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 300*time.Millisecond, "four 100ms tools should overlap")
	assert.Equal(t, 4, slow.callCount())
	require.Len(t, events, 4)

	ids := make(map[string]bool)
	for _, ev := range events {
		ids[ev.CallID] = true
	}
	assert.Len(t, ids, 4, "call ids must propagate verbatim")

	require.NoError(t, session.ValidatePairing(a.Session.Messages()))
}

func TestRunSkipsUnknownTool(t *testing.T) {
	client := llm.NewScriptedClient(
		toolCallMsg(session.ToolCall{ID: "call_1", Name: "no_such_tool", Args: map[string]interface{}{}}),
		session.Assistant("moving on"),
	)
	probe := &stubTool{name: "probe"}
	a, _, names := newTestAgent(t, client, testConfig(), probe)

	result, err := a.Run(context.Background(), "hm", nil, Context{Data: map[string]interface{}{}}, names)
	require.NoError(t, err)
	assert.Equal(t, "moving on", result.Answer)

	for _, m := range a.Session.Messages() {
		assert.False(t, m.IsToolResult(), "dropped call must not leave a result")
	}
}

func TestRunPageFetchSwitchesEvaluator(t *testing.T) {
	client := llm.NewScriptedClient(
		toolCallMsg(session.ToolCall{ID: "call_1", Name: tools.FetchWebpageToolName, Args: map[string]interface{}{}}),
		session.Assistant("read the page"),
		session.Assistant("final"),
	)
	fetch := &stubTool{name: tools.FetchWebpageToolName}
	a, _, names := newTestAgent(t, client, testConfig(), fetch)

	_, err := a.Run(context.Background(), "summarize the page", nil, Context{Mode: ModeWeb, Data: map[string]interface{}{}}, names)
	require.NoError(t, err)

	reqs := client.Requests()
	assert.Equal(t, evalPageFetchedPrompt, reqs[1].Messages[0].Content)
}

func TestRunRuleOverridesToolsAndModel(t *testing.T) {
	client := llm.NewScriptedClient(session.Assistant("ruled"))
	alpha := &stubTool{name: "alpha"}
	beta := &stubTool{name: "beta"}
	a, _, _ := newTestAgent(t, client, testConfig(), alpha, beta)

	rule := &rules.Rule{Name: "focus", Prompt: "Only use alpha.", Tools: []string{"alpha"}, Model: "special-model"}
	_, err := a.Run(context.Background(), "go", rule, Context{Data: map[string]interface{}{}}, []string{"alpha", "beta"})
	require.NoError(t, err)

	reqs := client.Requests()
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "alpha", reqs[0].Tools[0].Name())
	assert.Equal(t, "special-model", reqs[0].Model)
	assert.Contains(t, reqs[0].Messages[0].Content, "Only use alpha.")
}

func TestRunCompressesLongHistory(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.CompressThreshold = 50

	client := llm.NewScriptedClient(session.Assistant("short answer"))
	a, dataReg, names := newTestAgent(t, client, cfg, &stubTool{name: "probe"})
	dataReg.Update(a.Session.ID, "a.csv", "/tmp/derived.csv", "filter_rows", "", nil)

	// Seed a trail well past the tiny budget.
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("call_%d", i)
		a.Session.Append(
			session.Message{Role: session.RoleAssistant, ToolCalls: []session.ToolCall{{ID: id, Name: "probe", Args: map[string]interface{}{"padding": strings.Repeat("x", 200)}}}},
			session.ToolResult(id, "probe", strings.Repeat("lots of result text ", 20)),
		)
	}

	_, err := a.Run(context.Background(), "now answer", nil, Context{Data: map[string]interface{}{}}, names)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, a.Session.Compressions(), 1)

	msgs := a.Session.Messages()
	require.NoError(t, session.ValidatePairing(msgs))

	var digest, note bool
	for _, m := range msgs {
		if m.Role == session.RoleSystem && strings.Contains(m.Content, "History compression") {
			digest = true
		}
		if strings.Contains(m.Content, "Current working data file: /tmp/derived.csv") {
			note = true
		}
	}
	assert.True(t, digest, "expected a digest message")
	assert.True(t, note, "expected the current-file note after compression")
}

func TestRunDisabledMemoryNeverCompresses(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.CompressThreshold = 10
	cfg.Memory.Disabled = true

	client := llm.NewScriptedClient(session.Assistant("ok"))
	a, _, names := newTestAgent(t, client, cfg, &stubTool{name: "probe"})
	a.Session.Append(session.User(strings.Repeat("long ", 100)))

	_, err := a.Run(context.Background(), "q", nil, Context{Data: map[string]interface{}{}}, names)
	require.NoError(t, err)
	assert.Zero(t, a.Session.Compressions())
}

func TestRunVisitCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.MaxNodeVisits = 4

	// A script that would loop forever without the ceiling.
	var script []session.Message
	for i := 0; i < 20; i++ {
		script = append(script, toolCallMsg(session.ToolCall{ID: fmt.Sprintf("call_%d", i), Name: "ping", Args: map[string]interface{}{}}))
	}
	client := llm.NewScriptedClient(script...)
	ping := &stubTool{name: "ping"}
	a, _, names := newTestAgent(t, client, cfg, ping)

	_, err := a.Run(context.Background(), "spin", nil, Context{Data: map[string]interface{}{}}, names)
	require.NoError(t, err)
	assert.LessOrEqual(t, client.Calls(), 4)
}
