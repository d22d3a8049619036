// Package agent runs the decision graph: a planner/tools/responder loop over
// a session-scoped conversation, with history compression and a parallel
// tool executor.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/m4xw311/datapilot/config"
	"github.com/m4xw311/datapilot/errors"
	"github.com/m4xw311/datapilot/llm"
	"github.com/m4xw311/datapilot/memory"
	"github.com/m4xw311/datapilot/rules"
	"github.com/m4xw311/datapilot/session"
	"github.com/m4xw311/datapilot/token"
	"github.com/m4xw311/datapilot/tools"
)

// Agent is the per-session reasoning loop. One Agent owns one Session; the
// manager guarantees at most one Agent per session id.
type Agent struct {
	Session *session.Session

	client   llm.Client
	registry *tools.Registry
	dataReg  *session.DataRegistry
	cfg      *config.Config
	counter  *token.Counter
	logger   *slog.Logger

	mu     sync.Mutex
	stream StreamFunc
}

// New creates an agent bound to a fresh session.
func New(sessionID string, client llm.Client, registry *tools.Registry, dataReg *session.DataRegistry, cfg *config.Config, counter *token.Counter, logger *slog.Logger) *Agent {
	sess := session.New(sessionID)
	return &Agent{
		Session:  sess,
		client:   client,
		registry: registry,
		dataReg:  dataReg,
		cfg:      cfg,
		counter:  counter,
		logger:   logger.With("session_id", sess.ID),
	}
}

// SetStream replaces the per-request stream callback. Each request installs
// its own callback before running the loop.
func (a *Agent) SetStream(fn StreamFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stream = fn
}

func (a *Agent) streamFn() StreamFunc {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stream
}

// RunResult is the outcome of one turn through the graph.
type RunResult struct {
	Answer string
	// ToolsUsed lists the distinct tool names executed this turn, in first-use
	// order.
	ToolsUsed []string
}

// Run drives one user turn through the graph until the responder yields a
// final answer. toolNames is the mode-specific toolset; a rule with its own
// whitelist overrides it.
func (a *Agent) Run(ctx context.Context, query string, rule *rules.Rule, reqCtx Context, toolNames []string) (*RunResult, error) {
	if rule != nil && len(rule.Tools) > 0 {
		toolNames = rule.Tools
	}
	bound, err := a.registry.Bind(toolNames)
	if err != nil {
		return nil, errors.Wrapf(err, "binding tools for session %s", a.Session.ID)
	}
	exec := newExecutor(bound, a.dataReg, a.logger)

	model := a.cfg.Model
	if rule != nil && rule.Model != "" {
		model = rule.Model
	}

	now := time.Now()
	a.Session.Append(
		session.System(BuildSystemPrompt(rule, now, reqCtx.FilePath())),
		session.User(BuildUserPrompt(query, reqCtx, rule)),
	)

	var (
		toolsUsed   []string
		seenTools   = make(map[string]bool)
		turnResults int
		pageFetched bool
		visits      int
		answer      string
	)

	for {
		visits++
		if visits > a.cfg.Limits.MaxNodeVisits {
			a.logger.Warn("node visit ceiling reached", "visits", visits)
			break
		}

		a.maybeCompress()

		forceNoTool := turnResults >= a.cfg.Limits.SoftToolCap || turnResults >= a.cfg.Limits.HardToolCap

		var llmMsgs []session.Message
		if turnResults == 0 && visits == 1 {
			llmMsgs = a.Session.Messages()
		} else {
			evaluator := evalDecidePrompt
			switch {
			case forceNoTool:
				evaluator = evalToolBudgetPrompt
			case pageFetched:
				evaluator = evalPageFetchedPrompt
			}
			window := memory.RecentWindow(a.Session.Messages(), a.cfg.Memory.WindowSize)
			llmMsgs = append([]session.Message{session.System(evaluator)}, window...)
		}

		callTools := bound
		if forceNoTool {
			callTools = nil
		}

		resp, err := a.client.Chat(ctx, llm.Request{Model: model, Messages: llmMsgs, Tools: callTools})
		if err != nil {
			return nil, errors.Wrapf(err, "planner call failed")
		}
		a.Session.Append(*resp)
		answer = resp.Content

		if !resp.HasToolCalls() || forceNoTool || turnResults >= a.cfg.Limits.HardToolCap {
			break
		}

		visits++
		if visits > a.cfg.Limits.MaxNodeVisits {
			break
		}
		results := exec.run(ctx, a.Session.ID, resp.ToolCalls, a.streamFn())
		a.Session.Append(results...)
		turnResults += len(results)

		pageFetched = false
		for _, r := range results {
			if !seenTools[r.ToolName] {
				seenTools[r.ToolName] = true
				toolsUsed = append(toolsUsed, r.ToolName)
			}
			if r.ToolName == tools.FetchWebpageToolName {
				pageFetched = true
			}
		}
	}

	if turnResults > 0 {
		final, err := a.respond(ctx, query, rule, reqCtx)
		if err != nil {
			return nil, err
		}
		answer = final
	}

	return &RunResult{Answer: answer, ToolsUsed: toolsUsed}, nil
}

// respond runs the second, tool-free synthesis pass: the rule template (or
// the base prompt) as system, the full trail as context, the raw query as
// the user message.
func (a *Agent) respond(ctx context.Context, query string, rule *rules.Rule, reqCtx Context) (string, error) {
	model := a.cfg.ResponderModel
	if model == "" {
		model = a.cfg.Model
	}
	if rule != nil && rule.Model != "" {
		model = rule.Model
	}

	msgs := []session.Message{session.System(BuildSystemPrompt(rule, time.Now(), reqCtx.FilePath()))}
	msgs = append(msgs, a.Session.Messages()...)
	msgs = append(msgs, session.User(query))

	resp, err := a.client.Chat(ctx, llm.Request{Model: model, Messages: msgs})
	if err != nil {
		return "", errors.Wrapf(err, "responder call failed")
	}
	a.Session.Append(*resp)
	return resp.Content, nil
}

// maybeCompress rewrites the session history when the token estimate crosses
// the budget, then re-injects the current-file pointer so the model does not
// lose track of the working dataset.
func (a *Agent) maybeCompress() {
	if a.cfg.Memory.Disabled {
		return
	}
	msgs := a.Session.Messages()
	estimate := memory.EstimateTokens(a.counter, msgs)
	if estimate <= a.cfg.Memory.CompressThreshold {
		return
	}

	pass := a.Session.BumpCompressions()
	compressed := memory.Compress(msgs, a.cfg.Memory.KeepToolResults, pass)
	if cur := a.dataReg.Current(a.Session.ID); cur != "" {
		compressed = append(compressed, session.System("Current working data file: "+cur))
	}
	a.Session.Replace(compressed)
	a.logger.Info("compressed history",
		"pass", pass,
		"estimated_tokens", estimate,
		"messages_before", len(msgs),
		"messages_after", len(compressed))
}
