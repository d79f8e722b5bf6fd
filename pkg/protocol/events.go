package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Event roles on the outbound stream.
const (
	EventRoleTool   = "tool"
	EventRoleNode   = "node"
	EventRoleDebug  = "debug"
	EventRoleAnswer = "assistant"
	EventRoleError  = "error"
)

// AssistantResponse is one outbound event. The Role field tags the kind:
// tool start, node status, debug dump, or the final answer.
type AssistantResponse struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversation_id,omitempty"`
	Role           string `json:"role,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
}

func newResponse(role, conversationID, text string) AssistantResponse {
	return AssistantResponse{
		Response:       text,
		ConversationID: conversationID,
		Role:           role,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
}

// ToolEvent announces a depth-1 tool invocation.
func ToolEvent(conversationID, toolName string) AssistantResponse {
	return newResponse(EventRoleTool, conversationID, toolName)
}

// NodeEvent announces a graph node starting work.
func NodeEvent(conversationID, status string) AssistantResponse {
	return newResponse(EventRoleNode, conversationID, status)
}

// DebugEvent carries a raw event dump, emitted only when stream debugging
// is enabled.
func DebugEvent(conversationID, dump string) AssistantResponse {
	return newResponse(EventRoleDebug, conversationID, dump)
}

// AnswerEvent carries the final assistant message.
func AnswerEvent(conversationID, text string) AssistantResponse {
	return newResponse(EventRoleAnswer, conversationID, text)
}

// ErrorEvent surfaces a terminal failure as the final answer of a stream.
func ErrorEvent(conversationID, message string) AssistantResponse {
	return newResponse(EventRoleError, conversationID, message)
}

// AnswerEnvelope is the SSE chunk shape: {"answer": <AssistantResponse>}.
type AnswerEnvelope struct {
	Answer AssistantResponse `json:"answer"`
}

// SSEWriter frames events as server-sent messages: each event is
// "data: <json>\n\n" and the stream ends with "data: [DONE]\n\n".
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter wraps an HTTP response writer for event streaming. The
// caller is expected to have set Content-Type to text/event-stream.
func NewSSEWriter(w io.Writer) *SSEWriter {
	sw := &SSEWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// Send writes one event frame and flushes.
func (s *SSEWriter) Send(event AssistantResponse) error {
	return s.SendJSON(AnswerEnvelope{Answer: event})
}

// SendJSON writes an arbitrary payload as one frame and flushes.
func (s *SSEWriter) SendJSON(payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Done writes the terminal marker.
func (s *SSEWriter) Done() error {
	if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// OpenAI-compatible bridge chunk, used when the caller asks for
// format=openai on the streaming endpoints.
type OpenAIChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model,omitempty"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *OpenAIUsage   `json:"usage,omitempty"`
}

type OpenAIChoice struct {
	Index        int          `json:"index"`
	Delta        OpenAIDelta  `json:"delta"`
	FinishReason *string      `json:"finish_reason"`
}

type OpenAIDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewOpenAIChunk builds a bridge chunk for one delta. finishReason may be
// empty for intermediate chunks.
func NewOpenAIChunk(id, model, content, finishReason string) OpenAIChunk {
	chunk := OpenAIChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []OpenAIChoice{{Delta: OpenAIDelta{Content: content}}},
	}
	if finishReason != "" {
		fr := finishReason
		chunk.Choices[0].FinishReason = &fr
	}
	return chunk
}
