// Package protocol defines the wire types shared by the agent executor,
// the graph orchestrator and the HTTP layer: chat messages, inbound
// question schemas and the outbound event stream.
package protocol

import "encoding/json"

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// History roles as they arrive from the platform.
const (
	HistoryRoleUser      = "USER"
	HistoryRoleAssistant = "ASSISTANT"
)

// ToolCall is a tool invocation requested by the model. Arguments is the
// raw JSON string exactly as produced by the provider.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ContentPart is one element of a multimodal message content list.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image as a data URL or remote reference.
type ImageURL struct {
	URL string `json:"url"`
}

// Message is one chat turn. Content holds plain text; Parts is set instead
// when the turn is multimodal.
type Message struct {
	Role       Role          `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	// Name labels injected turns, e.g. supervisor instructions.
	Name string `json:"name,omitempty"`
}

// Text returns the textual content of the message, flattening parts.
func (m *Message) Text() string {
	if m.Content != "" {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}

// HistoryMessage is one entry of the caller-supplied conversation history.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Question is the inbound single-agent request body.
type Question struct {
	Question       string                 `json:"question"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	History        []HistoryMessage       `json:"history,omitempty"`
	LocalFileIDs   []string               `json:"local_file_ids,omitempty"`
	ExtraInfo      map[string]interface{} `json:"extra_info,omitempty"`

	AssistantID   string          `json:"assistant_id,omitempty"`
	Name          string          `json:"name,omitempty"`
	Type          string          `json:"type,omitempty"`
	Provider      string          `json:"provider,omitempty"`
	Model         string          `json:"model,omitempty"`
	Temperature   float64         `json:"temperature,omitempty"`
	SystemPrompt  string          `json:"system_prompt,omitempty"`
	CodeExecution bool            `json:"code_execution,omitempty"`
	Tools         []string        `json:"tools,omitempty"`
	Specs         json.RawMessage `json:"specs,omitempty"`
	KBVectorDBID  string          `json:"kb_vectordb_id,omitempty"`
	KBSearchK     int             `json:"kb_search_k,omitempty"`
	MCPServers    json.RawMessage `json:"mcp_servers,omitempty"`
}

// GraphQuestion is the inbound multi-agent request body. Assistants and
// Graph describe the supervisor pipeline.
type GraphQuestion struct {
	Question       string                 `json:"question"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	History        []HistoryMessage       `json:"history,omitempty"`
	LocalFileIDs   []string               `json:"local_file_ids,omitempty"`
	ExtraInfo      map[string]interface{} `json:"extra_info,omitempty"`
	SystemPrompt   string                 `json:"system_prompt,omitempty"`

	Assistants json.RawMessage `json:"assistants,omitempty"`
	Graph      json.RawMessage `json:"graph,omitempty"`
}
