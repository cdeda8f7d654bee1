package tools

import (
	"encoding/json"
	"slices"
	"sort"
	"sync"

	"github.com/rentguntur/project-school/internal/apperr"
	"github.com/rentguntur/project-school/internal/logger"
)

// ToolManager manages the available tools
type ToolManager struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolManager creates a new ToolManager
func NewToolManager() *ToolManager {
	return &ToolManager{
		tools: make(map[string]Tool),
	}
}

// List returns all registered tools sorted by name
func (m *ToolManager) List() []Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts := make([]Tool, 0, len(m.tools))
	for _, t := range m.tools {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].Name() < ts[j].Name() })
	return ts
}

// RegisterTool registers a new tool. It reports false if a tool with the
// same name is already registered.
func (m *ToolManager) RegisterTool(tool Tool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tools[tool.Name()]; exists {
		return false
	}
	m.tools[tool.Name()] = tool
	return true
}

// GetTool retrieves a tool by name
func (m *ToolManager) GetTool(name string) (Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tool, ok := m.tools[name]
	if !ok {
		return nil, apperr.NotFound("tools.GetTool", "tool not found: %s", name)
	}
	return tool, nil
}

// Definitions describes the named tools for the model, skipping names that
// are not registered. A nil names slice describes every tool.
func (m *ToolManager) Definitions(names []string) []Definition {
	var defs []Definition
	for _, t := range m.List() {
		if names != nil && !slices.Contains(names, t.Name()) {
			continue
		}
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  schemaOf(t),
		})
	}
	return defs
}

func schemaOf(t Tool) json.RawMessage {
	if st, ok := t.(SchemaTool); ok {
		if s := st.Schema(); len(s) > 0 && string(s) != "null" {
			return s
		}
		return emptySchema
	}
	s, err := generateSchema(t.Params())
	if err != nil {
		logger.L.Error("Failed to generate schema for tool. Using empty schema.", "tool", t.Name(), "error", err)
		return emptySchema
	}
	return s
}
