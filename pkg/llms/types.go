package llms

import (
	"github.com/etendosoftware/copilot/pkg/protocol"
)

// ToolDefinition describes one callable tool to the model.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Stream chunk types.
const (
	ChunkTypeText     = "text"
	ChunkTypeToolCall = "tool_call"
	ChunkTypeDone     = "done"
	ChunkTypeError    = "error"
)

// StreamChunk is one unit of a streaming generation.
type StreamChunk struct {
	Type             string
	Text             string
	ToolCall         *protocol.ToolCall
	PromptTokens     int
	CompletionTokens int
	Error            error
}

// Result is a completed non-streaming generation.
type Result struct {
	Text             string
	ToolCalls        []protocol.ToolCall
	PromptTokens     int
	CompletionTokens int
}

// JSONSchema is a minimal schema representation for structured outputs.
type JSONSchema struct {
	Type                 string                `json:"type"`
	Properties           map[string]JSONSchema `json:"properties,omitempty"`
	Items                *JSONSchema           `json:"items,omitempty"`
	Required             []string              `json:"required,omitempty"`
	Enum                 []string              `json:"enum,omitempty"`
	Description          string                `json:"description,omitempty"`
	AdditionalProperties *bool                 `json:"additionalProperties,omitempty"`
}

// ConvertToolInfoToDefinition builds a tool definition from flat parameter
// descriptors {name, type, description, required}.
func ConvertToolInfoToDefinition(name, description string, parameters []interface{}) ToolDefinition {
	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range parameters {
		p, ok := param.(map[string]interface{})
		if !ok {
			continue
		}
		paramName, _ := p["name"].(string)
		paramType, _ := p["type"].(string)
		paramDesc, _ := p["description"].(string)
		isRequired, _ := p["required"].(bool)

		if paramName == "" {
			continue
		}
		if paramType == "" {
			paramType = "string"
		}

		properties[paramName] = map[string]interface{}{
			"type":        paramType,
			"description": paramDesc,
		}

		if isRequired {
			required = append(required, paramName)
		}
	}

	return ToolDefinition{
		Name:        name,
		Description: description,
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": properties,
			"required":   required,
		},
	}
}
