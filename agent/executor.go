package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/m4xw311/datapilot/session"
	"github.com/m4xw311/datapilot/tools"
	"golang.org/x/sync/errgroup"
)

// ToolExecution is the per-call record handed to the stream callback the
// moment a tool returns.
type ToolExecution struct {
	CallID     string
	ToolName   string
	Parameters map[string]interface{}
	Duration   time.Duration
	Failed     bool
	// Result is the wrapped payload, exactly what goes into the trail.
	Result string
}

// StreamFunc receives executions as they complete. It may be nil.
type StreamFunc func(ex ToolExecution)

// executor fans a batch of tool calls out concurrently and wraps each
// outcome into the envelope the model reads back.
type executor struct {
	bound   map[string]tools.Tool
	dataReg *session.DataRegistry
	logger  *slog.Logger
}

func newExecutor(bound []tools.Tool, dataReg *session.DataRegistry, logger *slog.Logger) *executor {
	m := make(map[string]tools.Tool, len(bound))
	for _, t := range bound {
		m[t.Name()] = t
	}
	return &executor{bound: m, dataReg: dataReg, logger: logger}
}

// run executes all calls in parallel and returns one tool-result message per
// recognized call, in the order the model issued them. Calls naming a tool
// outside the bound set are dropped with a log line. Individual failures do
// not fail the batch; they come back as error envelopes.
func (e *executor) run(ctx context.Context, sessionID string, calls []session.ToolCall, stream StreamFunc) []session.Message {
	results := make([]*session.Message, len(calls))
	ctx = tools.WithSession(ctx, sessionID)

	var emitMu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		tool, ok := e.bound[call.Name]
		if !ok {
			e.logger.Warn("model requested unknown tool", "tool", call.Name, "session_id", sessionID)
			continue
		}

		g.Go(func() error {
			start := time.Now()
			res := e.invoke(ctx, tool, call)
			elapsed := time.Since(start)

			wrapped := WrapResult(call.Name, res, elapsed)
			results[i] = &session.Message{
				Role:       session.RoleTool,
				Content:    wrapped,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			}

			if stream != nil {
				emitMu.Lock()
				stream(ToolExecution{
					CallID:     call.ID,
					ToolName:   call.Name,
					Parameters: call.Args,
					Duration:   elapsed,
					Failed:     res.Failed(),
					Result:     wrapped,
				})
				emitMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	out := make([]session.Message, 0, len(calls))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// invoke validates arguments, resolves dataset aliases and dispatches. Any
// problem short of dispatch becomes an error result, same as a tool failure.
func (e *executor) invoke(ctx context.Context, tool tools.Tool, call session.ToolCall) tools.Result {
	schema := tool.Schema()
	if err := schema.Validate(call.Args); err != nil {
		return tools.Fail("invalid arguments: %v", err)
	}

	args := call.Args
	if pathArgs := schema.FilePathArgs(); len(pathArgs) > 0 {
		resolved := make(map[string]interface{}, len(args))
		for k, v := range args {
			resolved[k] = v
		}
		sessionID := tools.SessionID(ctx)
		for _, name := range pathArgs {
			raw, ok := resolved[name].(string)
			if !ok || raw == "" {
				continue
			}
			path, err := e.dataReg.Resolve(sessionID, raw)
			if err != nil {
				return tools.Fail("cannot resolve %s=%q: %v", name, raw, err)
			}
			resolved[name] = path
		}
		args = resolved
	}

	return tool.Execute(ctx, args)
}

// WrapResult renders the envelope stored in the trail and streamed to the
// client. Successes carry the wall-clock execution time, failures carry the
// error status instead.
func WrapResult(name string, res tools.Result, elapsed time.Duration) string {
	if res.Failed() {
		return fmt.Sprintf("<tool name='%s' status='error'>%s</tool>", name, res.Err)
	}
	return fmt.Sprintf("<tool name='%s' execution_time='%.2f'>%s</tool>", name, elapsed.Seconds(), res.Payload())
}
