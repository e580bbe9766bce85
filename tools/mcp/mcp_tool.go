package mcp

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/m4xw311/codexbridge/config"
	"github.com/m4xw311/codexbridge/errors"
	"github.com/m4xw311/codexbridge/logging"
	"github.com/m4xw311/codexbridge/tools"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// session is the part of the MCP client session the tools need.
type session interface {
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
	Close() error
}

// MCPClient manages the connection to a single MCP server subprocess.
type MCPClient struct {
	Name   string
	cmd    *exec.Cmd
	conn   session
	tools  []*MCPTool
	logger *zap.Logger
}

// NewMCPClient starts the MCP server subprocess and discovers its tools.
func NewMCPClient(ctx context.Context, srv config.MCPServer, version string, logger *zap.Logger) (*MCPClient, error) {
	logger = logging.OrNop(logger)
	cmd := exec.Command(srv.Command, srv.Args...)
	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "codexbridge", Version: version}, nil)
	conn, err := mcpClient.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", srv.Name)
	}
	client := &MCPClient{Name: srv.Name, cmd: cmd, conn: conn, logger: logger}

	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := conn.ListTools(ctx, params)
		if err != nil {
			_ = client.Stop()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", srv.Name)
		}
		for _, t := range list.Tools {
			client.addTool(t)
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}

	logger.Info("initialized MCP client", zap.String("server", srv.Name), zap.Int("tools", len(client.tools)))
	return client, nil
}

func (c *MCPClient) addTool(t *mcpsdk.Tool) {
	c.tools = append(c.tools, &MCPTool{
		serverName:  c.Name,
		toolName:    t.Name,
		description: t.Description,
		schema:      schemaMap(t.InputSchema),
		client:      c,
	})
}

// Tools returns the tools this server provides.
func (c *MCPClient) Tools() []*MCPTool { return c.tools }

// Stop terminates the MCP server subprocess.
func (c *MCPClient) Stop() error {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.logger.Info("terminating MCP server", zap.String("server", c.Name))
		return c.cmd.Process.Kill()
	}
	return nil
}

// Attach starts every configured server and registers its tools in the
// sandbox. A server that fails to start is logged and skipped; a tool whose
// name is already taken is skipped.
func Attach(ctx context.Context, sb *tools.Sandbox, servers []config.MCPServer, version string, logger *zap.Logger) []*MCPClient {
	logger = logging.OrNop(logger)
	var clients []*MCPClient
	for _, srv := range servers {
		c, err := NewMCPClient(ctx, srv, version, logger)
		if err != nil {
			logger.Warn("skipping MCP server", zap.String("server", srv.Name), zap.Error(err))
			continue
		}
		register(sb, c, logger)
		clients = append(clients, c)
	}
	return clients
}

func register(sb *tools.Sandbox, c *MCPClient, logger *zap.Logger) {
	for _, t := range c.tools {
		if err := sb.Register(t); err != nil {
			logger.Warn("skipping MCP tool", zap.String("server", c.Name), zap.String("tool", t.Name()), zap.Error(err))
		}
	}
}

// MCPTool is a tool served by an external MCP server. It satisfies tools.Tool.
type MCPTool struct {
	serverName  string
	toolName    string
	description string
	schema      map[string]any
	client      *MCPClient
}

// Name is prefixed with the server name so MCP tools never shadow the
// built-in ones. The server is still called with the bare tool name.
func (t *MCPTool) Name() string { return t.serverName + "_" + t.toolName }

func (t *MCPTool) Description() string {
	if t.description == "" {
		return "Tool provided by MCP server " + t.serverName
	}
	return t.description
}

func (t *MCPTool) InputSchema() map[string]any { return t.schema }

func (t *MCPTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	result, err := t.client.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.toolName,
		Arguments: args,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to call tool '%s'", t.Name())
	}
	var sb strings.Builder
	for _, c := range result.Content {
		if text, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(text.Text)
		}
	}
	if result.IsError {
		return nil, &tools.Error{Message: sb.String()}
	}
	return tools.Result{"content": sb.String()}, nil
}

// schemaMap converts the server's JSON schema into the generic form the
// model adapters consume.
func schemaMap(schema any) map[string]any {
	fallback := map[string]any{"type": "object", "properties": map[string]any{}}
	if schema == nil {
		return fallback
	}
	data, err := json.Marshal(schema)
	if err != nil || string(data) == "null" {
		return fallback
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return fallback
	}
	return m
}
