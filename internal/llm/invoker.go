package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/rentguntur/project-school/internal/agent"
	"github.com/rentguntur/project-school/internal/apperr"
	"github.com/rentguntur/project-school/internal/config"
	"github.com/rentguntur/project-school/internal/history"
	"github.com/rentguntur/project-school/internal/logger"
	"github.com/rentguntur/project-school/internal/registry"
	"github.com/rentguntur/project-school/pkg/tools"
)

const defaultSystemPrompt = "You are a helpful AI assistant. Please respond to the user's request accurately and concisely."

// Invoker implements agent.Invoker over a chat completion client and a
// ToolManager.
type Invoker struct {
	client  Client
	cfg     config.LLMConfig
	tools   *tools.ToolManager
	prompts []string
}

// NewInvoker creates an Invoker. extraPrompts (for example those advertised
// by MCP servers) are appended to every system prompt.
func NewInvoker(client Client, cfg config.LLMConfig, tm *tools.ToolManager, extraPrompts ...string) *Invoker {
	if tm == nil {
		tm = tools.NewToolManager()
	}
	return &Invoker{client: client, cfg: cfg, tools: tm, prompts: extraPrompts}
}

// Reason sends one chat completion request.
func (i *Invoker) Reason(ctx context.Context, req agent.ReasonRequest) (agent.Output, error) {
	resp, err := i.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       i.cfg.Model,
		Temperature: i.cfg.Temperature,
		Messages:    i.toOpenAI(req.Messages),
		Tools:       i.toolsFor(req.Agent),
	})
	if err != nil {
		logger.L.Error("LLM call failed", "agent", req.Agent.ID, "error", err)
		return agent.Output{}, classify("llm.Reason", err)
	}
	if len(resp.Choices) == 0 {
		return agent.Output{}, apperr.Fatal("llm.Reason", errors.New("model returned no choices"))
	}
	msg := resp.Choices[0].Message
	out := agent.Output{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, history.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// CallTool runs the named tool. Upstream errors are returned for the
// executor to retry or fail on; any other tool error is handed back to the
// model as the tool's output.
func (i *Invoker) CallTool(ctx context.Context, call history.ToolCall) (string, error) {
	tool, err := i.tools.GetTool(call.Name)
	if err != nil {
		logger.L.Warn("Model requested an unknown tool", "tool", call.Name)
		return "Error: " + err.Error(), nil
	}
	out, err := tool.Run(ctx, call.Arguments)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil || apperr.Is(err, apperr.KindUpstream) {
		return "", err
	}
	logger.L.Warn("Tool execution failed", "tool", call.Name, "error", err)
	return "Error: " + err.Error(), nil
}

func (i *Invoker) toolsFor(def registry.AgentDefinition) []openai.Tool {
	if !def.Permits(registry.StepToolCall) || len(def.Tools) == 0 {
		return nil
	}
	var out []openai.Tool
	for _, d := range i.tools.Definitions(def.Tools) {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}

// toOpenAI converts the step input. System messages are merged into one
// leading prompt. A tool result whose call was cut off by context fitting
// is passed on as plain user text, since the API rejects a tool message
// without its call.
func (i *Invoker) toOpenAI(msgs []history.Message) []openai.ChatCompletionMessage {
	var system []string
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	known := map[string]bool{}

	for _, m := range msgs {
		switch m.Role {
		case history.RoleSystem:
			system = append(system, m.Content)
		case history.RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		case history.RoleAgent:
			cm := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				known[tc.ID] = true
				cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
				})
			}
			out = append(out, cm)
		case history.RoleTool:
			if !known[m.ToolCallID] {
				logger.L.Debug("Tool result without its call sent as text", "tool_call_id", m.ToolCallID)
				out = append(out, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: fmt.Sprintf("Earlier result of tool call %s:\n%s", m.ToolCallID, m.Content),
				})
				continue
			}
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleTool, Content: m.Content, ToolCallID: m.ToolCallID})
		}
	}

	if len(system) == 0 {
		base := defaultSystemPrompt
		if i.cfg.SystemPrompt != "" {
			base = i.cfg.SystemPrompt
		}
		system = append(system, base)
	}
	system = append(system, i.prompts...)
	return append([]openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: strings.Join(system, "\n\n"),
	}}, out...)
}

// classify maps client errors onto the upstream taxonomy: rate limits,
// server errors and network faults are transient, other API errors fatal.
// Context errors pass through unchanged.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return byStatus(op, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return byStatus(op, reqErr.HTTPStatusCode, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return apperr.Transient(op, err)
	}
	return apperr.Fatal(op, err)
}

func byStatus(op string, status int, err error) error {
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return apperr.Transient(op, fmt.Errorf("status %d: %w", status, err))
	}
	return apperr.Fatal(op, fmt.Errorf("status %d: %w", status, err))
}
