package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

// generateSchema reflects params into an inline object schema. Required
// fields are marked with jsonschema:"required".
func generateSchema(params any) (json.RawMessage, error) {
	if params == nil {
		return emptySchema, nil
	}
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(params)

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	delete(m, "$schema")
	delete(m, "$id")
	if _, ok := m["properties"]; !ok {
		m["properties"] = map[string]any{}
	}
	return json.Marshal(m)
}
