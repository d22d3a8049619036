package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/m4xw311/datapilot/agent"
	"github.com/m4xw311/datapilot/rules"
	"github.com/m4xw311/datapilot/tools"
)

// ChatRequest is the body of POST /api/v1/chat/stream. Mode is an optional
// override; normally the mode is inferred from the presence of page_data.
type ChatRequest struct {
	Message     string                 `json:"message"`
	UserID      string                 `json:"user_id,omitempty"`
	SessionID   string                 `json:"session_id,omitempty"`
	Mode        string                 `json:"mode,omitempty"`
	ContextData map[string]interface{} `json:"context_data,omitempty"`
	PageData    map[string]interface{} `json:"page_data,omitempty"`
}

// handleChatStream runs one chat turn and streams events over SSE. The
// stream always terminates with the [DONE] sentinel, whether the turn
// succeeded or not.
func (s *Server) handleChatStream(c *echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message required")
	}

	ew := NewEventWriter(c.Response())
	ctx := c.Request().Context()

	ruleName, query := rules.ParseCommand(req.Message)
	var rule *rules.Rule
	if ruleName != "" {
		var err error
		rule, err = s.rules.Get(ruleName)
		if err != nil {
			// Unknown command: treat the whole message as a plain question.
			s.logger.Warn("unknown rule command", "rule", ruleName)
			rule = nil
			query = req.Message
		}
		// A bare "/name" keeps an empty query; the rule prompt carries the
		// intent.
	}

	// A request carrying page content is a web request; mode is only an
	// explicit override.
	mode := agent.ModeLocalFile
	if req.PageData != nil || req.Mode == agent.ModeWeb {
		mode = agent.ModeWeb
	}

	ag := s.manager.Get(req.SessionID, func(ex agent.ToolExecution) {
		ew.Send(ToolExecutionEvent(ex))
	})
	sessionID := ag.Session.ID
	if req.UserID != "" {
		s.logger.Info("chat turn", "session_id", sessionID, "user_id", req.UserID, "mode", mode)
	}

	ew.Send(StartEvent(sessionID))
	if rule != nil {
		ew.Send(RuleEvent(rule.Name))
	}
	ew.Send(ProcessingEvent("Working on your request"))

	reqCtx := agent.Context{Mode: mode, Data: req.ContextData, Page: req.PageData}
	if reqCtx.Data == nil {
		reqCtx.Data = map[string]interface{}{}
	}

	toolNames := s.localTools
	if mode == agent.ModeWeb {
		toolNames = s.webTools
	}

	if mode == agent.ModeLocalFile {
		s.maybePreflight(ctx, sessionID, reqCtx, ew)
	}

	turnStart := time.Now()
	result, err := ag.Run(ctx, query, rule, reqCtx, toolNames)
	if err != nil {
		s.logger.Error("chat turn failed", "session_id", sessionID, "error", err)
		ew.Send(ErrorEvent("the request could not be completed: " + err.Error()))
		return ew.Done()
	}

	if len(result.ToolsUsed) > 0 {
		ew.Send(ToolsEvent(result.ToolsUsed))
	}
	ew.Send(ContentEvent(result.Answer, time.Since(turnStart), result.ToolsUsed))
	ew.Send(CompleteEvent(sessionID))
	return ew.Done()
}

// maybePreflight profiles the attached data file before the first model call
// so the planner starts with the dataset's structure already in context. It
// runs at most once per request and is skipped for multi-file batches, which
// arrive pre-summarized.
func (s *Server) maybePreflight(ctx context.Context, sessionID string, reqCtx agent.Context, ew *EventWriter) {
	if m, _ := reqCtx.Data["mode"].(string); m == "multi_file_analysis" {
		return
	}
	filePath := reqCtx.FilePath()
	if filePath == "" || reqCtx.DataInfo() != nil {
		return
	}
	tool, ok := s.registry.Get("get_data_info")
	if !ok {
		return
	}

	args := map[string]interface{}{"file_path": filePath}
	start := time.Now()
	res := tool.Execute(tools.WithSession(ctx, sessionID), args)
	elapsed := time.Since(start)

	ew.Send(ToolExecutionEvent(agent.ToolExecution{
		ToolName:   tool.Name(),
		Parameters: args,
		Duration:   elapsed,
		Failed:     res.Failed(),
		Result:     agent.WrapResult(tool.Name(), res, elapsed),
	}))

	if res.Failed() {
		s.logger.Warn("data pre-flight failed", "session_id", sessionID, "file", filePath, "error", res.Err)
		return
	}
	if info, ok := res.Value.(*tools.DataInfo); ok {
		reqCtx.Data["data_info"] = info
	}
}
