package tools

import (
	"context"
	"encoding/json"
)

// Tool is the interface for all tools
type Tool interface {
	Name() string
	Description() string
	// Params returns a pointer to the argument struct; its JSON schema is
	// offered to the model.
	Params() any
	// Run executes the tool with the model's raw JSON arguments.
	Run(ctx context.Context, args string) (string, error)
}

// SchemaTool is implemented by tools whose schema is known up front, such
// as tools discovered on an MCP server.
type SchemaTool interface {
	Tool
	Schema() json.RawMessage
}

// Definition is a tool as presented to the model.
type Definition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}
