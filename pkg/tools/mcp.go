package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rentguntur/project-school/internal/apperr"
	"github.com/rentguntur/project-school/internal/config"
	"github.com/rentguntur/project-school/internal/logger"
)

// MCPClient is the subset of an MCP client the tool bridge uses.
type MCPClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

type promptClient interface {
	ListPrompts(ctx context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)
	GetPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
}

// MCPServers holds the connected MCP clients and the system prompts they
// advertised.
type MCPServers struct {
	clients []MCPClient
	prompts []string
}

// Prompts returns the first argument-less prompt of every server that
// offers one.
func (s *MCPServers) Prompts() []string {
	if s == nil {
		return nil
	}
	return s.prompts
}

func (s *MCPServers) Close() {
	if s == nil {
		return
	}
	for _, c := range s.clients {
		if err := c.Close(); err != nil {
			logger.L.Warn("MCP client close error", "error", err)
		}
	}
}

// ConnectMCP connects to every configured server and registers its tools
// with m. Servers that fail to connect are logged and skipped.
func ConnectMCP(ctx context.Context, m *ToolManager, servers []config.MCPServerConfig) *MCPServers {
	out := &MCPServers{}
	for _, serverCfg := range servers {
		mcpC, err := newMCPClient(serverCfg)
		if err != nil {
			logger.L.Error("Failed to create MCP client", "name", serverCfg.Name, "error", err)
			continue
		}

		// stdio clients are started on creation
		if serverCfg.Type != config.ClientTypeStdio {
			if err := mcpC.Start(ctx); err != nil {
				logger.L.Error("Failed to start MCP client transport", "name", serverCfg.Name, "error", err)
				if cerr := mcpC.Close(); cerr != nil {
					logger.L.Warn("MCP client close error after start failure", "error", cerr)
				}
				continue
			}
		}

		initResult, err := mcpC.Initialize(ctx, mcp.InitializeRequest{
			Params: mcp.InitializeParams{Capabilities: mcp.ClientCapabilities{}},
		})
		if err != nil {
			logger.L.Error("Failed to initialize MCP client", "name", serverCfg.Name, "error", err)
			if cerr := mcpC.Close(); cerr != nil {
				logger.L.Warn("MCP client close error after init failure", "error", cerr)
			}
			continue
		}
		logger.L.Info("Server initialized", "name", serverCfg.Name)
		out.clients = append(out.clients, mcpC)

		if initResult != nil && initResult.Capabilities.Prompts != nil {
			if p := discoverPrompt(ctx, mcpC); p != "" {
				out.prompts = append(out.prompts, p)
				logger.L.Info("Discovered system prompt from MCP server", "name", serverCfg.Name)
			}
		}

		if _, err := RegisterMCPTools(ctx, m, serverCfg.Name, mcpC); err != nil {
			// keep the client; it may still serve calls for tools registered later
			logger.L.Warn("Failed to list tools for MCP client", "name", serverCfg.Name, "error", err)
		}
	}
	if len(out.clients) == 0 && len(servers) > 0 {
		logger.L.Warn("No MCP clients were successfully initialized despite servers configured.", "length", len(servers))
	}
	return out
}

func newMCPClient(serverCfg config.MCPServerConfig) (*client.Client, error) {
	switch serverCfg.Type {
	case config.ClientTypeSSE:
		var opts []transport.ClientOption
		if len(serverCfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(serverCfg.Headers))
		}
		return client.NewSSEMCPClient(serverCfg.URL, opts...)
	case config.ClientTypeStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(serverCfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(serverCfg.Headers))
		}
		return client.NewStreamableHttpClient(serverCfg.URL, opts...)
	case config.ClientTypeStdio:
		var env []string
		for k, v := range serverCfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		return client.NewStdioMCPClient(serverCfg.Command, env, serverCfg.Args...)
	case "":
		return nil, fmt.Errorf("MCP server type not specified; set 'type' to sse, streamable_http or stdio")
	default:
		return nil, fmt.Errorf("unsupported MCP server type %q", serverCfg.Type)
	}
}

// discoverPrompt returns the assistant text of the server's first prompt
// that takes no arguments.
func discoverPrompt(ctx context.Context, c promptClient) string {
	prompts, err := c.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil || prompts == nil {
		logger.L.Warn("Failed to list prompts", "error", err)
		return ""
	}
	i := slices.IndexFunc(prompts.Prompts, func(p mcp.Prompt) bool { return len(p.Arguments) == 0 })
	if i == -1 {
		return ""
	}
	res, err := c.GetPrompt(ctx, mcp.GetPromptRequest{Params: mcp.GetPromptParams{Name: prompts.Prompts[i].Name}})
	if err != nil || res == nil {
		logger.L.Warn("Failed to get prompt", "prompt", prompts.Prompts[i].Name, "error", err)
		return ""
	}
	for _, msg := range res.Messages {
		if msg.Role != mcp.RoleAssistant {
			continue
		}
		if text, ok := msg.Content.(mcp.TextContent); ok {
			return text.Text
		}
	}
	return ""
}

// RegisterMCPTools lists the tools of one server and registers each with m.
// Names already taken by another tool are skipped.
func RegisterMCPTools(ctx context.Context, m *ToolManager, server string, c MCPClient) (int, error) {
	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range res.Tools {
		if !m.RegisterTool(&mcpTool{server: server, tool: t, client: c}) {
			logger.L.Warn("Tool from MCP server already registered. Skipping.", "tool", t.Name, "name", server)
			continue
		}
		logger.L.Info("Registered tool from MCP server", "tool", t.Name, "name", server)
		n++
	}
	return n, nil
}

type mcpTool struct {
	server string
	tool   mcp.Tool
	client MCPClient
}

func (t *mcpTool) Name() string        { return t.tool.Name }
func (t *mcpTool) Description() string { return t.tool.Description }
func (t *mcpTool) Params() any         { return nil }

func (t *mcpTool) Schema() json.RawMessage {
	if len(t.tool.RawInputSchema) > 0 && string(t.tool.RawInputSchema) != "null" {
		return t.tool.RawInputSchema
	}
	if t.tool.InputSchema.Type == "" {
		return nil
	}
	b, err := json.Marshal(t.tool.InputSchema)
	if err != nil {
		logger.L.Error("Failed to marshal InputSchema for tool. Using empty schema.", "tool", t.tool.Name, "error", err)
		return nil
	}
	return b
}

// Run calls the tool on its server. Transport failures are transient; a
// result flagged IsError is returned as content for the model to read.
func (t *mcpTool) Run(ctx context.Context, args string) (string, error) {
	var toolArgs map[string]any
	if err := decodeArgs(args, &toolArgs); err != nil {
		return "", err
	}
	logger.L.Debug("Calling MCP tool", "tool", t.tool.Name, "server", t.server, "arguments", toolArgs)
	res, err := t.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: t.tool.Name, Arguments: toolArgs},
	})
	if err != nil {
		return "", apperr.Transient("mcp.CallTool", fmt.Errorf("%s on %s: %w", t.tool.Name, t.server, err))
	}
	if res == nil {
		return "", fmt.Errorf("tool %s returned no result", t.tool.Name)
	}

	for _, item := range res.Content {
		if text, ok := item.(mcp.TextContent); ok {
			return text.Text, nil
		}
	}
	if res.IsError {
		return "Tool execution resulted in an error without specific text.", nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return "Tool executed successfully, but result could not be formatted.", nil
	}
	return string(b), nil
}
