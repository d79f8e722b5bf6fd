package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/etendosoftware/copilot/pkg/config"
	"github.com/etendosoftware/copilot/pkg/httpclient"
	"github.com/etendosoftware/copilot/pkg/logger"
	"github.com/etendosoftware/copilot/pkg/protocol"
)

const (
	defaultAnthropicHost      = "https://api.anthropic.com"
	anthropicVersion          = "2023-06-01"
	defaultAnthropicMaxTokens = 4096
)

type AnthropicProvider struct {
	apiKey      string
	model       string
	host        string
	temperature float64
	maxTokens   int
	httpClient  *httpclient.Client
}

type anthropicContentBlock struct {
	Type  string                 `json:"type"`
	Text  string                 `json:"text,omitempty"`
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result fields
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Content   interface{} `json:"content,omitempty"`

	// image fields
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	ToolChoice  interface{}        `json:"tool_choice,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
	Usage   anthropicUsage          `json:"usage"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func NewAnthropicProvider(model string, temperature float64) (*AnthropicProvider, error) {
	apiKey := config.GetProviderAPIKey("anthropic")
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}
	return &AnthropicProvider{
		apiKey:      apiKey,
		model:       model,
		host:        defaultAnthropicHost,
		temperature: temperature,
		maxTokens:   defaultAnthropicMaxTokens,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 300 * time.Second}),
			httpclient.WithHeaderParser(parseAnthropicRateLimitHeaders),
		),
	}, nil
}

func (p *AnthropicProvider) GetModelName() string { return p.model }

func (p *AnthropicProvider) Close() error { return nil }

func (p *AnthropicProvider) Generate(ctx context.Context, messages []protocol.Message, tools []ToolDefinition) (*Result, error) {
	req := p.buildRequest(messages, tools, false)

	parsed, err := p.complete(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &Result{
		PromptTokens:     parsed.Usage.InputTokens,
		CompletionTokens: parsed.Usage.OutputTokens,
	}
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			result.Text += block.Text
		case "tool_use":
			args, err := json.Marshal(block.Input)
			if err != nil {
				args = []byte("{}")
			}
			result.ToolCalls = append(result.ToolCalls, protocol.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(args),
			})
		}
	}
	return result, nil
}

// GenerateStructured forces a single tool whose input schema is the target
// schema, then returns the tool input as JSON text.
func (p *AnthropicProvider) GenerateStructured(ctx context.Context, messages []protocol.Message, schema *JSONSchema) (string, error) {
	var inputSchema map[string]interface{}
	raw, err := json.Marshal(schema)
	if err != nil {
		return "", fmt.Errorf("failed to encode schema: %w", err)
	}
	if err := json.Unmarshal(raw, &inputSchema); err != nil {
		return "", fmt.Errorf("failed to decode schema: %w", err)
	}

	req := p.buildRequest(messages, nil, false)
	req.Tools = []anthropicTool{{
		Name:        "structured_output",
		Description: "Record the structured answer.",
		InputSchema: inputSchema,
	}}
	req.ToolChoice = map[string]string{"type": "tool", "name": "structured_output"}

	parsed, err := p.complete(ctx, req)
	if err != nil {
		return "", err
	}
	for _, block := range parsed.Content {
		if block.Type == "tool_use" {
			out, err := json.Marshal(block.Input)
			if err != nil {
				return "", fmt.Errorf("failed to encode structured output: %w", err)
			}
			return string(out), nil
		}
	}
	return "", fmt.Errorf("model returned no structured output")
}

func (p *AnthropicProvider) complete(ctx context.Context, req anthropicRequest) (*anthropicResponse, error) {
	resp, err := p.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode Anthropic response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("Anthropic API error: %s", parsed.Error.Message)
	}
	return &parsed, nil
}

func (p *AnthropicProvider) GenerateStreaming(ctx context.Context, messages []protocol.Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	req := p.buildRequest(messages, tools, true)

	resp, err := p.send(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		p.readStream(resp, ch)
	}()
	return ch, nil
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Usage anthropicUsage `json:"usage"`
}

func (p *AnthropicProvider) readStream(resp *http.Response, ch chan<- StreamChunk) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	type toolAcc struct {
		id   string
		name string
		args strings.Builder
	}
	tools := map[int]*toolAcc{}
	var usage anthropicUsage

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			logger.GetLogger().Debug("Skipping malformed Anthropic event", "error", err)
			continue
		}

		switch event.Type {
		case "message_start":
			usage.InputTokens = event.Message.Usage.InputTokens
		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				tools[event.Index] = &toolAcc{id: event.ContentBlock.ID, name: event.ContentBlock.Name}
			}
		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				ch <- StreamChunk{Type: ChunkTypeText, Text: event.Delta.Text}
			case "input_json_delta":
				if acc := tools[event.Index]; acc != nil {
					acc.args.WriteString(event.Delta.PartialJSON)
				}
			}
		case "content_block_stop":
			if acc := tools[event.Index]; acc != nil {
				args := acc.args.String()
				if args == "" {
					args = "{}"
				}
				ch <- StreamChunk{Type: ChunkTypeToolCall, ToolCall: &protocol.ToolCall{
					ID:        acc.id,
					Name:      acc.name,
					Arguments: args,
				}}
				delete(tools, event.Index)
			}
		case "message_delta":
			usage.OutputTokens = event.Usage.OutputTokens
		}
	}

	if err := scanner.Err(); err != nil {
		ch <- StreamChunk{Type: ChunkTypeError, Error: fmt.Errorf("stream read failed: %w", err)}
		return
	}

	ch <- StreamChunk{
		Type:             ChunkTypeDone,
		PromptTokens:     usage.InputTokens,
		CompletionTokens: usage.OutputTokens,
	}
}

func (p *AnthropicProvider) buildRequest(messages []protocol.Message, tools []ToolDefinition, stream bool) anthropicRequest {
	req := anthropicRequest{
		Model:       p.model,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
		Stream:      stream,
	}

	for _, m := range messages {
		if m.Role == protocol.RoleSystem {
			if req.System != "" {
				req.System += "\n"
			}
			req.System += m.Text()
			continue
		}
		req.Messages = append(req.Messages, convertMessageToAnthropic(m))
	}

	for _, tool := range tools {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}
	return req
}

func convertMessageToAnthropic(m protocol.Message) anthropicMessage {
	am := anthropicMessage{Role: string(m.Role)}

	if m.Role == protocol.RoleTool {
		am.Role = "user"
		am.Content = []anthropicContentBlock{{
			Type:      "tool_result",
			ToolUseID: m.ToolCallID,
			Content:   m.Content,
		}}
		return am
	}

	if len(m.Parts) > 0 {
		for _, part := range m.Parts {
			switch part.Type {
			case "image_url":
				if part.ImageURL != nil {
					mediaType, data := splitDataURL(part.ImageURL.URL)
					am.Content = append(am.Content, anthropicContentBlock{
						Type: "image",
						Source: &anthropicImageSource{
							Type:      "base64",
							MediaType: mediaType,
							Data:      data,
						},
					})
				}
			default:
				am.Content = append(am.Content, anthropicContentBlock{Type: "text", Text: part.Text})
			}
		}
	} else if m.Content != "" {
		am.Content = append(am.Content, anthropicContentBlock{Type: "text", Text: m.Content})
	}

	for _, tc := range m.ToolCalls {
		var input map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
			input = map[string]interface{}{}
		}
		am.Content = append(am.Content, anthropicContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: input,
		})
	}

	if len(am.Content) == 0 {
		am.Content = []anthropicContentBlock{{Type: "text", Text: ""}}
	}
	return am
}

// splitDataURL extracts the media type and base64 payload from a data URL.
func splitDataURL(url string) (string, string) {
	mediaType := "image/png"
	if strings.HasPrefix(url, "data:") {
		if semi := strings.Index(url, ";"); semi > 5 {
			mediaType = url[5:semi]
		}
	}
	return mediaType, stripDataURL(url)
}

func (p *AnthropicProvider) send(ctx context.Context, req anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("Anthropic request failed: %w", err)
	}
	return resp, nil
}

func parseAnthropicRateLimitHeaders(headers http.Header) httpclient.RateLimitInfo {
	info := httpclient.RateLimitInfo{}

	if v := headers.Get("retry-after"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		}
	}
	if v := headers.Get("anthropic-ratelimit-requests-remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.RequestsRemaining = n
		}
	}
	if v := headers.Get("anthropic-ratelimit-tokens-reset"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			info.ResetTime = t.Unix()
		}
	}

	return info
}
