package llms

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/etendosoftware/copilot/pkg/protocol"
)

func newTestOpenAIProvider(host string) *OpenAIProvider {
	return newOpenAICompatible("test-key", "gpt-4o", host, 0.2)
}

func TestConvertMessagesToOpenAI(t *testing.T) {
	messages := []protocol.Message{
		{Role: protocol.RoleSystem, Content: "be helpful"},
		{Role: protocol.RoleUser, Parts: []protocol.ContentPart{
			{Type: "text", Text: "what is this?"},
			{Type: "image_url", ImageURL: &protocol.ImageURL{URL: "data:image/png;base64,AAAA"}},
		}},
		{Role: protocol.RoleAssistant, ToolCalls: []protocol.ToolCall{
			{ID: "call_1", Name: "Lookup", Arguments: `{"q":"x"}`},
		}},
		{Role: protocol.RoleTool, Content: "result", ToolCallID: "call_1"},
	}

	converted := convertMessagesToOpenAI(messages)
	if len(converted) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(converted))
	}

	if converted[0].Role != "system" || converted[0].Content != "be helpful" {
		t.Errorf("system message mangled: %+v", converted[0])
	}

	parts, ok := converted[1].Content.([]map[string]interface{})
	if !ok || len(parts) != 2 {
		t.Fatalf("multimodal content not converted: %+v", converted[1].Content)
	}
	if parts[1]["type"] != "image_url" {
		t.Errorf("expected image_url part, got %v", parts[1]["type"])
	}

	if len(converted[2].ToolCalls) != 1 || converted[2].ToolCalls[0].Function.Name != "Lookup" {
		t.Errorf("tool calls not converted: %+v", converted[2])
	}
	if converted[3].ToolCallID != "call_1" {
		t.Errorf("tool_call_id lost: %+v", converted[3])
	}
}

func TestOpenAIGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("bad auth header %q", got)
		}
		io.WriteString(w, `{
			"choices": [{"message": {"content": "hi there", "tool_calls": [
				{"id": "c1", "type": "function", "function": {"name": "Search", "arguments": "{\"q\":\"a\"}"}}
			]}, "finish_reason": "tool_calls"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 7}
		}`)
	}))
	defer server.Close()

	p := newTestOpenAIProvider(server.URL)
	result, err := p.Generate(context.Background(), []protocol.Message{{Role: protocol.RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Text != "hi there" {
		t.Errorf("got text %q", result.Text)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Name != "Search" {
		t.Errorf("tool calls wrong: %+v", result.ToolCalls)
	}
	if result.PromptTokens != 12 || result.CompletionTokens != 7 {
		t.Errorf("usage wrong: %+v", result)
	}
}

func TestOpenAIGenerateStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"choices":[{"delta":{"content":"hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c9","function":{"name":"Adder","arguments":"{\"a\""}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":":1}"}}]}}]}`,
			`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":3}}`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := newTestOpenAIProvider(server.URL)
	ch, err := p.GenerateStreaming(context.Background(), []protocol.Message{{Role: protocol.RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var text string
	var toolCalls []protocol.ToolCall
	var done *StreamChunk
	for chunk := range ch {
		switch chunk.Type {
		case ChunkTypeText:
			text += chunk.Text
		case ChunkTypeToolCall:
			toolCalls = append(toolCalls, *chunk.ToolCall)
		case ChunkTypeDone:
			c := chunk
			done = &c
		case ChunkTypeError:
			t.Fatalf("stream error: %v", chunk.Error)
		}
	}

	if text != "hello" {
		t.Errorf("got text %q", text)
	}
	if len(toolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(toolCalls))
	}
	if toolCalls[0].Name != "Adder" || toolCalls[0].Arguments != `{"a":1}` {
		t.Errorf("tool call wrong: %+v", toolCalls[0])
	}
	if done == nil || done.PromptTokens != 5 || done.CompletionTokens != 3 {
		t.Errorf("done chunk wrong: %+v", done)
	}
}

func TestParseOpenAIRateLimitHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "3")
	headers.Set("x-ratelimit-remaining-requests", "10")

	info := parseOpenAIRateLimitHeaders(headers)
	if info.RetryAfter != 3*time.Second {
		t.Errorf("retry after = %v", info.RetryAfter)
	}
	if info.RequestsRemaining != 10 {
		t.Errorf("requests remaining = %d", info.RequestsRemaining)
	}

	headers.Set("x-ratelimit-reset-requests", "500ms")
	info = parseOpenAIRateLimitHeaders(headers)
	if info.RetryAfter != 500*time.Millisecond {
		t.Errorf("reset override = %v", info.RetryAfter)
	}
}
