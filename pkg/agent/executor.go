// Package agent runs one assistant to completion: provider setup, tool
// resolution, message assembly and the tool-calling loop. Supervisor graphs
// build on top of this executor per member.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/etendosoftware/copilot/pkg/config"
	"github.com/etendosoftware/copilot/pkg/etendo"
	"github.com/etendosoftware/copilot/pkg/kb"
	"github.com/etendosoftware/copilot/pkg/llms"
	"github.com/etendosoftware/copilot/pkg/mcp"
	"github.com/etendosoftware/copilot/pkg/openapi"
	"github.com/etendosoftware/copilot/pkg/protocol"
	"github.com/etendosoftware/copilot/pkg/tools"
)

// Dependencies are the shared services an executor draws tools from.
type Dependencies struct {
	Registry *tools.ToolRegistry
	KB       *kb.Manager
	Etendo   *etendo.Client
}

// Executor runs one configured assistant.
type Executor struct {
	cfg       *config.Config
	assistant *config.AssistantConfig
	provider  llms.LLMProvider

	systemPrompt string
	tools        []tools.Tool
	toolIndex    map[string]tools.Tool
	toolDefs     []llms.ToolDefinition
}

// New builds an executor for the assistant. ctx bounds the tool discovery
// calls (MCP servers are contacted here).
func New(ctx context.Context, cfg *config.Config, assistant *config.AssistantConfig, deps Dependencies) (*Executor, error) {
	assistant.SetDefaults()

	provider, err := llms.NewProvider(assistant, cfg)
	if err != nil {
		return nil, err
	}

	systemPrompt := assistant.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = os.Getenv("SYSTEM_PROMPT")
	}
	if systemPrompt == "" {
		return nil, NewConfigError("assistant %q has no system prompt and SYSTEM_PROMPT is unset", assistant.DisplayName())
	}

	e := &Executor{
		cfg:          cfg,
		assistant:    assistant,
		provider:     provider,
		systemPrompt: systemPrompt,
	}
	e.resolveTools(ctx, deps)
	return e, nil
}

// resolveTools assembles the assistant's tool set: enabled base tools, the
// knowledge base search tool, tools compiled from FLOW specs, and tools
// fetched from MCP servers. Spec and MCP failures are logged and skipped so
// one bad source never blocks agent construction.
func (e *Executor) resolveTools(ctx context.Context, deps Dependencies) {
	var extras []tools.Tool

	if e.assistant.KBVectorDBID != "" && deps.KB != nil {
		extras = append(extras,
			kb.NewSearchTool(deps.KB, e.assistant.KBVectorDBID, e.assistant.KBSearchK),
			kb.NewReferenceTool(deps.KB, e.assistant.KBVectorDBID, e.cfg.ReferenceSimilarityThreshold))
	}

	if len(e.assistant.Specs) > 0 {
		generator := openapi.NewGenerator(e.cfg, deps.Etendo)
		for _, spec := range e.assistant.Specs {
			if spec.Type != config.SpecTypeFlow || len(spec.Spec) == 0 {
				continue
			}
			generated, err := generator.Generate(specDocument(spec.Spec))
			if err != nil {
				slog.Warn("Failed to compile FLOW spec", "assistant", e.assistant.DisplayName(), "error", err)
				continue
			}
			extras = append(extras, generated...)
		}
	}

	if len(e.assistant.MCPServers) > 0 {
		extras = append(extras, mcp.FetchTools(ctx, e.assistant.MCPServers)...)
	}

	registry := deps.Registry
	if registry == nil {
		registry = tools.Global(e.cfg)
	}

	agentID := e.assistant.AssistantID
	if agentID == "" {
		agentID = e.assistant.DisplayName()
	}

	e.tools = registry.GetAllTools(e.assistant.Tools, agentID, extras...)
	e.toolIndex = make(map[string]tools.Tool, len(e.tools))
	e.toolDefs = make([]llms.ToolDefinition, 0, len(e.tools))
	for _, t := range e.tools {
		info := t.GetInfo()
		e.toolIndex[info.Name] = t
		e.toolDefs = append(e.toolDefs, llms.ToolDefinition{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  info.ToJSONSchema(),
		})
	}
}

// specDocument unwraps FLOW spec payloads that arrive as a JSON string
// instead of an inline document.
func specDocument(raw json.RawMessage) []byte {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	return raw
}

// Tools returns the resolved tool set.
func (e *Executor) Tools() []tools.Tool {
	return e.tools
}

// ModelName returns the underlying provider's model identifier.
func (e *Executor) ModelName() string {
	return e.provider.GetModelName()
}

// Close releases the provider.
func (e *Executor) Close() error {
	return e.provider.Close()
}

// BuildMessages assembles the full message list for one question: system
// prompt, converted history, then the composed user turn.
func (e *Executor) BuildMessages(question string, history []protocol.HistoryMessage, localFiles []string) []protocol.Message {
	messages := make([]protocol.Message, 0, len(history)+2)
	messages = append(messages, protocol.Message{Role: protocol.RoleSystem, Content: e.systemPrompt})
	messages = append(messages, ConvertHistory(history)...)
	messages = append(messages, BuildUserTurn(question, localFiles))
	return messages
}

// SystemMessages returns the executor's system prompt as a message list,
// for callers that maintain the conversation themselves.
func (e *Executor) SystemMessages() []protocol.Message {
	return []protocol.Message{{Role: protocol.RoleSystem, Content: e.systemPrompt}}
}

// RunWithEvents runs the assistant with a caller-supplied event sink and
// returns the final answer. Used by graph member nodes.
func (e *Executor) RunWithEvents(ctx context.Context, messages []protocol.Message, emit func(protocol.AssistantResponse)) (string, error) {
	return e.run(ctx, messages, emit)
}

// Invoke runs the assistant to completion and returns the final answer.
func (e *Executor) Invoke(ctx context.Context, messages []protocol.Message) (string, error) {
	return e.run(ctx, messages, func(protocol.AssistantResponse) {})
}

// Stream runs the assistant, emitting tool events and the final answer on
// the returned channel. A terminal failure is delivered as an error event;
// the channel is always closed when the run ends.
func (e *Executor) Stream(ctx context.Context, messages []protocol.Message) <-chan protocol.AssistantResponse {
	ch := make(chan protocol.AssistantResponse, 16)
	conversationID := conversationIDFrom(ctx)

	go func() {
		defer close(ch)
		answer, err := e.run(ctx, messages, func(ev protocol.AssistantResponse) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		})
		if err != nil {
			slog.Error("Agent run failed", "assistant", e.assistant.DisplayName(), "error", err)
			ch <- protocol.ErrorEvent(conversationID, err.Error())
			return
		}
		ch <- protocol.AnswerEvent(conversationID, answer)
	}()

	return ch
}
