// Package registry resolves agent definitions. The registry itself is an
// external collaborator; this package owns the read-mostly cache the chat
// engine uses and the SQL table the registry is seeded into.
package registry

import (
	"context"
	"slices"
	"strings"
)

// StepKind is one variant of the closed set of steps an agent may take.
type StepKind string

const (
	StepReasoning StepKind = "reasoning"
	StepToolCall  StepKind = "tool_call"
	StepFinish    StepKind = "finish"
)

// Termination names how a final answer is recognised.
type Termination string

const (
	// TerminateOnAnswer treats any model output without tool calls as final.
	TerminateOnAnswer Termination = "answer"
	// TerminateOnMarker requires the output to contain Marker.
	TerminateOnMarker Termination = "marker"
)

const DefaultAgentName = "Study Buddy"

// AgentDefinition is the read-only capability table of one agent.
type AgentDefinition struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	SystemPrompt string      `json:"system_prompt,omitempty"`
	Steps        []StepKind  `json:"steps"`
	Tools        []string    `json:"tools,omitempty"`
	MaxSteps     int         `json:"max_steps"`
	Termination  Termination `json:"termination"`
	Marker       string      `json:"marker,omitempty"`
	Modes        []Mode      `json:"modes,omitempty"`
}

// Mode swaps an agent's prompt and tools for one message. It applies when
// the user message contains any of Triggers, compared case-insensitively.
type Mode struct {
	Name         string   `json:"name"`
	Triggers     []string `json:"triggers"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Tools        []string `json:"tools,omitempty"`
}

func (m Mode) matches(lower string) bool {
	for _, t := range m.Triggers {
		if t = strings.TrimSpace(t); t != "" && strings.Contains(lower, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

// ForMessage returns the definition to run for content and the name of the
// mode applied, or "" when none matched. The first matching mode wins. A
// mode listing tools replaces the agent's; step kinds stay as defined.
func (d AgentDefinition) ForMessage(content string) (AgentDefinition, string) {
	lower := strings.ToLower(content)
	for _, m := range d.Modes {
		if !m.matches(lower) {
			continue
		}
		if m.SystemPrompt != "" {
			d.SystemPrompt = m.SystemPrompt
		}
		if len(m.Tools) > 0 {
			d.Tools = slices.Clone(m.Tools)
		}
		d.Modes = nil
		return d, m.Name
	}
	return d, ""
}

// Permits reports whether kind is one of the agent's step kinds.
func (d AgentDefinition) Permits(kind StepKind) bool {
	return slices.Contains(d.Steps, kind)
}

// PermitsTool reports whether the agent may call the named tool.
func (d AgentDefinition) PermitsTool(name string) bool {
	return d.Permits(StepToolCall) && slices.Contains(d.Tools, name)
}

// Normalize fills defaults: the agent name, the answer termination policy,
// the step kinds implied by its tools, and maxSteps when unset.
func (d AgentDefinition) Normalize(defaultMaxSteps int) AgentDefinition {
	if d.Name == "" {
		d.Name = DefaultAgentName
	}
	if d.Termination == "" {
		d.Termination = TerminateOnAnswer
	}
	if len(d.Steps) == 0 {
		d.Steps = []StepKind{StepReasoning, StepFinish}
		if len(d.Tools) > 0 {
			d.Steps = []StepKind{StepReasoning, StepToolCall, StepFinish}
		}
	}
	if d.MaxSteps <= 0 {
		d.MaxSteps = defaultMaxSteps
	}
	d.Steps = slices.Clone(d.Steps)
	d.Tools = slices.Clone(d.Tools)
	d.Modes = slices.Clone(d.Modes)
	return d
}

// Registry is the external source of agent definitions. Lookup returns a
// NotFound error for unknown ids.
type Registry interface {
	Lookup(ctx context.Context, id string) (AgentDefinition, error)
}
