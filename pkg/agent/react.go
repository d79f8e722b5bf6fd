package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/etendosoftware/copilot/pkg/llms"
	"github.com/etendosoftware/copilot/pkg/observability"
	"github.com/etendosoftware/copilot/pkg/protocol"
	"github.com/etendosoftware/copilot/pkg/requestctx"
	"github.com/etendosoftware/copilot/pkg/tools"
)

// run executes the reasoning loop until the model stops requesting tools.
// Tool invocations are surfaced through emit; the final answer is returned.
func (e *Executor) run(ctx context.Context, messages []protocol.Message, emit func(protocol.AssistantResponse)) (string, error) {
	if e.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(e.cfg.ExecutionTimeout)*time.Second)
		defer cancel()
	}

	if e.assistant.CodeExecution {
		return e.runCodeAct(ctx, messages, emit)
	}

	maxIterations := e.cfg.MaxIterations
	conversationID := conversationIDFrom(ctx)

	for iteration := 0; iteration < maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return "", e.limitOrContextErr(err)
		}

		result, err := e.generate(ctx, messages, e.toolDefs)
		if err != nil {
			return "", err
		}

		if len(result.ToolCalls) == 0 {
			return result.Text, nil
		}

		messages = append(messages, protocol.Message{
			Role:      protocol.RoleAssistant,
			Content:   result.Text,
			ToolCalls: result.ToolCalls,
		})

		for _, call := range result.ToolCalls {
			emit(protocol.ToolEvent(conversationID, call.Name))
			messages = append(messages, e.executeToolCall(ctx, call))
		}
	}

	return "", &LimitError{Message: fmt.Sprintf("agent exceeded max iterations (%d)", maxIterations)}
}

// generate performs one model call, recording usage and metrics.
func (e *Executor) generate(ctx context.Context, messages []protocol.Message, defs []llms.ToolDefinition) (*llms.Result, error) {
	start := time.Now()
	result, err := e.provider.Generate(ctx, messages, defs)
	observability.RecordLLMCall(e.provider.GetModelName(), time.Since(start),
		tokensOf(result), completionTokensOf(result), err != nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, e.limitOrContextErr(ctxErr)
		}
		return nil, fmt.Errorf("LLM generation failed: %w", err)
	}

	if c := requestctx.From(ctx); c != nil {
		c.AddUsage(result.PromptTokens, result.CompletionTokens)
	}
	return result, nil
}

// executeToolCall runs one requested tool and converts the outcome into a
// tool message. Tool failures never escape the loop.
func (e *Executor) executeToolCall(ctx context.Context, call protocol.ToolCall) protocol.Message {
	result := e.callTool(ctx, call.Name, call.Arguments)
	return protocol.Message{
		Role:       protocol.RoleTool,
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    renderToolResult(result),
	}
}

// callTool resolves and executes a tool by name with raw JSON arguments.
func (e *Executor) callTool(ctx context.Context, name, rawArgs string) tools.ToolResult {
	start := time.Now()

	tool, ok := e.toolIndex[name]
	if !ok {
		slog.Warn("Model requested unknown tool", "tool", name)
		return tools.NewErrorResult(name, fmt.Sprintf("unknown tool: %s", name), time.Since(start))
	}

	args := map[string]interface{}{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return tools.NewErrorResult(name, fmt.Sprintf("invalid tool arguments: %v", err), time.Since(start))
		}
	}

	result, err := tool.Execute(ctx, args)
	observability.RecordToolExecution(name, time.Since(start), err != nil || !result.Success)
	if err != nil {
		slog.Warn("Tool execution failed", "tool", name, "error", err)
		return tools.NewErrorResult(name, err.Error(), time.Since(start))
	}
	return result
}

// renderToolResult flattens a tool result into the text fed back to the
// model.
func renderToolResult(result tools.ToolResult) string {
	if !result.Success {
		return "Error: " + result.Error
	}
	if result.Content != "" {
		return result.Content
	}
	if result.Output != nil {
		if data, err := json.Marshal(result.Output); err == nil {
			return string(data)
		}
	}
	return ""
}

// limitOrContextErr maps a deadline hit onto the execution-time limit.
func (e *Executor) limitOrContextErr(err error) error {
	if err == context.DeadlineExceeded && e.cfg.ExecutionTimeout > 0 {
		return &LimitError{Message: fmt.Sprintf("agent exceeded max execution time (%ds)", e.cfg.ExecutionTimeout)}
	}
	return err
}

func conversationIDFrom(ctx context.Context) string {
	if c := requestctx.From(ctx); c != nil {
		return c.ConversationID()
	}
	return ""
}

func tokensOf(r *llms.Result) int {
	if r == nil {
		return 0
	}
	return r.PromptTokens
}

func completionTokensOf(r *llms.Result) int {
	if r == nil {
		return 0
	}
	return r.CompletionTokens
}
