package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/etendosoftware/copilot/pkg/httpclient"
	"github.com/etendosoftware/copilot/pkg/logger"
	"github.com/etendosoftware/copilot/pkg/protocol"
	"github.com/google/uuid"
)

type OllamaProvider struct {
	model       string
	host        string
	temperature float64
	httpClient  *httpclient.Client
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	} `json:"function"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []openaiTool    `json:"tools,omitempty"`
	Format   json.RawMessage `json:"format,omitempty"`
	Options  struct {
		Temperature float64 `json:"temperature,omitempty"`
	} `json:"options"`
}

type ollamaResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error"`
}

func NewOllamaProvider(model string, temperature float64, host string) (*OllamaProvider, error) {
	if host == "" {
		host = "http://localhost:11434"
	}
	return &OllamaProvider{
		model:       model,
		host:        strings.TrimSuffix(host, "/"),
		temperature: temperature,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 300 * time.Second}),
		),
	}, nil
}

func (p *OllamaProvider) GetModelName() string { return p.model }

func (p *OllamaProvider) Close() error { return nil }

func (p *OllamaProvider) Generate(ctx context.Context, messages []protocol.Message, tools []ToolDefinition) (*Result, error) {
	req := p.buildRequest(messages, tools, false)

	resp, err := p.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode Ollama response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("Ollama error: %s", parsed.Error)
	}

	result := &Result{
		Text:             parsed.Message.Content,
		PromptTokens:     parsed.PromptEvalCount,
		CompletionTokens: parsed.EvalCount,
	}
	for _, tc := range parsed.Message.ToolCalls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			args = []byte("{}")
		}
		result.ToolCalls = append(result.ToolCalls, protocol.ToolCall{
			ID:        uuid.NewString(),
			Name:      tc.Function.Name,
			Arguments: string(args),
		})
	}
	return result, nil
}

func (p *OllamaProvider) GenerateStructured(ctx context.Context, messages []protocol.Message, schema *JSONSchema) (string, error) {
	req := p.buildRequest(messages, nil, false)
	if schema != nil {
		raw, err := json.Marshal(schema)
		if err != nil {
			return "", fmt.Errorf("failed to encode schema: %w", err)
		}
		req.Format = raw
	}

	resp, err := p.send(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode Ollama response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("Ollama error: %s", parsed.Error)
	}
	return parsed.Message.Content, nil
}

func (p *OllamaProvider) GenerateStreaming(ctx context.Context, messages []protocol.Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	req := p.buildRequest(messages, tools, true)

	resp, err := p.send(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var promptTokens, completionTokens int
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var chunk ollamaResponse
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				logger.GetLogger().Debug("Skipping malformed Ollama chunk", "error", err)
				continue
			}
			if chunk.Error != "" {
				ch <- StreamChunk{Type: ChunkTypeError, Error: fmt.Errorf("Ollama error: %s", chunk.Error)}
				return
			}
			if chunk.Message.Content != "" {
				ch <- StreamChunk{Type: ChunkTypeText, Text: chunk.Message.Content}
			}
			for _, tc := range chunk.Message.ToolCalls {
				args, err := json.Marshal(tc.Function.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				ch <- StreamChunk{Type: ChunkTypeToolCall, ToolCall: &protocol.ToolCall{
					ID:        uuid.NewString(),
					Name:      tc.Function.Name,
					Arguments: string(args),
				}}
			}
			if chunk.Done {
				promptTokens = chunk.PromptEvalCount
				completionTokens = chunk.EvalCount
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- StreamChunk{Type: ChunkTypeError, Error: fmt.Errorf("stream read failed: %w", err)}
			return
		}
		ch <- StreamChunk{Type: ChunkTypeDone, PromptTokens: promptTokens, CompletionTokens: completionTokens}
	}()
	return ch, nil
}

func (p *OllamaProvider) buildRequest(messages []protocol.Message, tools []ToolDefinition, stream bool) ollamaRequest {
	req := ollamaRequest{
		Model:    p.model,
		Messages: convertMessagesToOllama(messages),
		Stream:   stream,
	}
	req.Options.Temperature = p.temperature
	for _, tool := range tools {
		var ot openaiTool
		ot.Type = "function"
		ot.Function.Name = tool.Name
		ot.Function.Description = tool.Description
		ot.Function.Parameters = tool.Parameters
		req.Tools = append(req.Tools, ot)
	}
	return req
}

func (p *OllamaProvider) send(ctx context.Context, req ollamaRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("Ollama request failed: %w", err)
	}
	return resp, nil
}

func convertMessagesToOllama(messages []protocol.Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		om := ollamaMessage{Role: string(m.Role), Content: m.Content}
		for _, part := range m.Parts {
			switch part.Type {
			case "image_url":
				if part.ImageURL != nil {
					om.Images = append(om.Images, stripDataURL(part.ImageURL.URL))
				}
			default:
				if om.Content != "" {
					om.Content += "\n"
				}
				om.Content += part.Text
			}
		}
		out = append(out, om)
	}
	return out
}

// stripDataURL returns the base64 payload of a data URL, or the input
// unchanged when it is not a data URL.
func stripDataURL(url string) string {
	if idx := strings.Index(url, "base64,"); idx >= 0 {
		return url[idx+len("base64,"):]
	}
	return url
}
