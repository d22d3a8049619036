// Package mcp bridges external Model Context Protocol servers into the tool
// registry. Configured servers are spawned as subprocesses at startup and
// their tools become bindable like built-ins (the web-mode extension point).
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"

	"github.com/m4xw311/datapilot/config"
	"github.com/m4xw311/datapilot/errors"
	"github.com/m4xw311/datapilot/tools"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Client manages the connection to a single MCP server subprocess.
type Client struct {
	name  string
	cmd   *exec.Cmd
	conn  *mcpsdk.ClientSession
	tools []*RemoteTool
}

// Connect starts the configured MCP server and discovers its tools.
func Connect(ctx context.Context, cfg config.MCPServer) (*Client, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Stderr = os.Stderr

	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "datapilot", Version: "1.0.0"}, nil)
	conn, err := mcpClient.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return nil, errors.Wrapf(err, "failed to connect to MCP server %q", cfg.Name)
	}

	c := &Client{name: cfg.Name, cmd: cmd, conn: conn}

	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := conn.ListTools(ctx, params)
		if err != nil {
			_ = c.Close()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server %q", cfg.Name)
		}
		for _, t := range list.Tools {
			c.tools = append(c.tools, &RemoteTool{
				server:      cfg.Name,
				name:        t.Name,
				description: t.Description,
				schema:      convertSchema(t.InputSchema),
				conn:        conn,
			})
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}

	slog.Info("mcp server connected", "server", cfg.Name, "tools", len(c.tools))
	return c, nil
}

// Tools returns the discovered tools as registry-compatible instances.
func (c *Client) Tools() []tools.Tool {
	out := make([]tools.Tool, len(c.tools))
	for i, t := range c.tools {
		out[i] = t
	}
	return out
}

// ToolNames returns the discovered tool names.
func (c *Client) ToolNames() []string {
	names := make([]string, len(c.tools))
	for i, t := range c.tools {
		names[i] = t.name
	}
	return names
}

// Close terminates the server subprocess.
func (c *Client) Close() error {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		slog.Info("terminating mcp server", "server", c.name)
		return c.cmd.Process.Kill()
	}
	return nil
}

// convertSchema maps the MCP JSON schema onto the registry schema shape.
// Unknown constructs degrade to untyped properties.
func convertSchema(raw any) tools.Schema {
	out := tools.Schema{Properties: map[string]tools.Property{}}
	if raw == nil {
		return out
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return out
	}
	var loose struct {
		Properties map[string]tools.Property `json:"properties"`
		Required   []string                  `json:"required"`
	}
	if err := json.Unmarshal(data, &loose); err != nil {
		return out
	}
	if loose.Properties != nil {
		out.Properties = loose.Properties
	}
	out.Required = loose.Required
	return out
}

// RemoteTool is a tool served by an external MCP server.
type RemoteTool struct {
	server      string
	name        string
	description string
	schema      tools.Schema
	conn        *mcpsdk.ClientSession
}

func (t *RemoteTool) Name() string        { return t.name }
func (t *RemoteTool) Description() string { return t.description }
func (t *RemoteTool) Schema() tools.Schema {
	return t.schema
}

// Execute forwards the call to the MCP server. Failures become tagged
// results, never propagated errors.
func (t *RemoteTool) Execute(ctx context.Context, args map[string]interface{}) tools.Result {
	result, err := t.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.name,
		Arguments: args,
	})
	if err != nil {
		return tools.Fail("mcp tool %s/%s failed: %v", t.server, t.name, err)
	}
	text := ""
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			text += tc.Text
		}
	}
	return tools.OK(text)
}
