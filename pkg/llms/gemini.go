package llms

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"github.com/etendosoftware/copilot/pkg/config"
	"github.com/etendosoftware/copilot/pkg/protocol"
	"github.com/google/uuid"
)

// GeminiProvider wraps the official google.golang.org/genai SDK.
type GeminiProvider struct {
	client      *genai.Client
	model       string
	temperature float64
}

func NewGeminiProvider(model string, temperature float64) (*GeminiProvider, error) {
	apiKey := config.GetProviderAPIKey("gemini")
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is not set")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{
		client:      client,
		model:       model,
		temperature: temperature,
	}, nil
}

func (p *GeminiProvider) GetModelName() string { return p.model }

func (p *GeminiProvider) Close() error { return nil }

func (p *GeminiProvider) Generate(ctx context.Context, messages []protocol.Message, tools []ToolDefinition) (*Result, error) {
	contents, genConfig := p.buildRequest(messages, tools, nil)

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, genConfig)
	if err != nil {
		return nil, fmt.Errorf("Gemini generation failed: %w", err)
	}
	return parseGeminiResponse(resp)
}

func (p *GeminiProvider) GenerateStructured(ctx context.Context, messages []protocol.Message, schema *JSONSchema) (string, error) {
	contents, genConfig := p.buildRequest(messages, nil, schema)

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, genConfig)
	if err != nil {
		return "", fmt.Errorf("Gemini generation failed: %w", err)
	}
	result, err := parseGeminiResponse(resp)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

func (p *GeminiProvider) GenerateStreaming(ctx context.Context, messages []protocol.Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	contents, genConfig := p.buildRequest(messages, tools, nil)

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)

		var promptTokens, completionTokens int
		emitted := map[string]bool{}

		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model, contents, genConfig) {
			if err != nil {
				ch <- StreamChunk{Type: ChunkTypeError, Error: fmt.Errorf("Gemini streaming error: %w", err)}
				return
			}
			if resp.UsageMetadata != nil {
				promptTokens = int(resp.UsageMetadata.PromptTokenCount)
				completionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text != "" && !part.Thought {
					ch <- StreamChunk{Type: ChunkTypeText, Text: part.Text}
				}
				if part.FunctionCall != nil {
					id := part.FunctionCall.ID
					if id == "" {
						id = uuid.NewString()
					}
					// Gemini can repeat a function call across chunks.
					if emitted[part.FunctionCall.Name+id] {
						continue
					}
					emitted[part.FunctionCall.Name+id] = true

					args, err := json.Marshal(part.FunctionCall.Args)
					if err != nil {
						args = []byte("{}")
					}
					ch <- StreamChunk{Type: ChunkTypeToolCall, ToolCall: &protocol.ToolCall{
						ID:        id,
						Name:      part.FunctionCall.Name,
						Arguments: string(args),
					}}
				}
			}
		}

		ch <- StreamChunk{Type: ChunkTypeDone, PromptTokens: promptTokens, CompletionTokens: completionTokens}
	}()
	return ch, nil
}

func (p *GeminiProvider) buildRequest(messages []protocol.Message, tools []ToolDefinition, schema *JSONSchema) ([]*genai.Content, *genai.GenerateContentConfig) {
	genConfig := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(p.temperature)),
	}

	var contents []*genai.Content
	for _, m := range messages {
		if m.Role == protocol.RoleSystem {
			genConfig.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: m.Text()}},
				Role:  "user",
			}
			continue
		}
		if content := messageToGeminiContent(m); content != nil {
			contents = append(contents, content)
		}
	}

	for _, t := range tools {
		genConfig.Tools = append(genConfig.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toGeminiSchema(t.Parameters),
			}},
		})
	}

	if schema != nil {
		raw, err := json.Marshal(schema)
		if err == nil {
			var m map[string]interface{}
			if json.Unmarshal(raw, &m) == nil {
				genConfig.ResponseSchema = toGeminiSchema(m)
				genConfig.ResponseMIMEType = "application/json"
			}
		}
	}

	return contents, genConfig
}

func messageToGeminiContent(m protocol.Message) *genai.Content {
	var parts []*genai.Part

	if m.Role == protocol.RoleTool {
		return &genai.Content{
			Role: "user",
			Parts: []*genai.Part{{
				FunctionResponse: &genai.FunctionResponse{
					ID:       m.ToolCallID,
					Name:     m.Name,
					Response: map[string]any{"result": m.Content},
				},
			}},
		}
	}

	if len(m.Parts) > 0 {
		for _, part := range m.Parts {
			switch part.Type {
			case "image_url":
				if part.ImageURL != nil {
					mediaType, payload := splitDataURL(part.ImageURL.URL)
					data, err := base64.StdEncoding.DecodeString(payload)
					if err != nil {
						continue
					}
					parts = append(parts, &genai.Part{
						InlineData: &genai.Blob{MIMEType: mediaType, Data: data},
					})
				}
			default:
				parts = append(parts, &genai.Part{Text: part.Text})
			}
		}
	} else if m.Content != "" {
		parts = append(parts, &genai.Part{Text: m.Content})
	}

	for _, tc := range m.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			args = map[string]any{}
		}
		parts = append(parts, &genai.Part{
			FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
		})
	}

	if len(parts) == 0 {
		return nil
	}

	role := "user"
	if m.Role == protocol.RoleAssistant {
		role = "model"
	}
	return &genai.Content{Parts: parts, Role: role}
}

func toGeminiSchema(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}

	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]interface{}); ok {
				s.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]interface{}); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if required, ok := schema["required"].([]string); ok {
		s.Required = append(s.Required, required...)
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		s.Items = toGeminiSchema(items)
	}
	if enum, ok := schema["enum"].([]interface{}); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}

	return s
}

func parseGeminiResponse(resp *genai.GenerateContentResponse) (*Result, error) {
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("empty response from Gemini")
	}

	result := &Result{}
	if resp.UsageMetadata != nil {
		result.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return result, nil
	}

	for _, part := range candidate.Content.Parts {
		if part.Text != "" && !part.Thought {
			result.Text += part.Text
		}
		if part.FunctionCall != nil {
			id := part.FunctionCall.ID
			if id == "" {
				id = uuid.NewString()
			}
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				args = []byte("{}")
			}
			result.ToolCalls = append(result.ToolCalls, protocol.ToolCall{
				ID:        id,
				Name:      part.FunctionCall.Name,
				Arguments: string(args),
			})
		}
	}
	return result, nil
}
