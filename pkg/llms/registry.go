package llms

import (
	"context"
	"fmt"

	"github.com/etendosoftware/copilot/pkg/config"
	"github.com/etendosoftware/copilot/pkg/protocol"
	"github.com/etendosoftware/copilot/pkg/registry"
)

// LLMProvider is the common surface of every chat model backend.
type LLMProvider interface {
	// Generate performs a non-streaming request.
	Generate(ctx context.Context, messages []protocol.Message, tools []ToolDefinition) (*Result, error)

	GenerateStreaming(ctx context.Context, messages []protocol.Message, tools []ToolDefinition) (<-chan StreamChunk, error)

	// GenerateStructured constrains the output to the given schema and
	// returns the raw JSON text. Used by graph supervisors for routing.
	GenerateStructured(ctx context.Context, messages []protocol.Message, schema *JSONSchema) (string, error)

	GetModelName() string

	Close() error
}

type LLMRegistry struct {
	*registry.BaseRegistry[LLMProvider]
}

func NewLLMRegistry() *LLMRegistry {
	return &LLMRegistry{
		BaseRegistry: registry.NewBaseRegistry[LLMProvider](),
	}
}

// NewProvider builds a provider for one assistant. The provider name is
// matched case-insensitively against the supported backends.
func NewProvider(assistant *config.AssistantConfig, cfg *config.Config) (LLMProvider, error) {
	if assistant.Model == "" {
		return nil, fmt.Errorf("assistant %q has no model configured", assistant.DisplayName())
	}

	switch assistant.Provider {
	case "openai", "":
		return NewOpenAIProvider(assistant.Model, assistant.Temperature)
	case "anthropic", "bedrock":
		return NewAnthropicProvider(assistant.Model, assistant.Temperature)
	case "gemini", "google":
		return NewGeminiProvider(assistant.Model, assistant.Temperature)
	case "ollama":
		return NewOllamaProvider(assistant.Model, assistant.Temperature, cfg.OllamaHost)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s (supported: openai, anthropic, gemini, ollama)", assistant.Provider)
	}
}

func (r *LLMRegistry) RegisterLLM(name string, provider LLMProvider) error {
	if name == "" {
		return fmt.Errorf("LLM name cannot be empty")
	}
	if provider == nil {
		return fmt.Errorf("LLM provider cannot be nil")
	}
	return r.Register(name, provider)
}

func (r *LLMRegistry) GetLLM(name string) (LLMProvider, error) {
	provider, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("LLM provider '%s' not found", name)
	}
	return provider, nil
}
