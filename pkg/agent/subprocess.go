package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/etendosoftware/copilot/pkg/observability"
	"github.com/etendosoftware/copilot/pkg/tools"
)

// SandboxCommand is the argument the parent passes when re-executing
// itself as a sandbox child.
const SandboxCommand = "sandbox-eval"

// sandboxMessage is one frame of the parent/child stdio protocol. The
// child requests tool calls; the parent answers with results.
type sandboxMessage struct {
	Type   string                 `json:"type"`
	ID     int                    `json:"id,omitempty"`
	Script string                 `json:"script,omitempty"`
	Tools  []string               `json:"tools,omitempty"`
	Tool   string                 `json:"tool,omitempty"`
	Args   map[string]interface{} `json:"args,omitempty"`
	Result map[string]interface{} `json:"result,omitempty"`
	Output string                 `json:"output,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// subprocessEvaluator runs the script in a separate OS process so model
// code never shares an address space with the server. Tool calls are
// proxied back over stdio.
type subprocessEvaluator struct{}

func (s *subprocessEvaluator) Run(ctx context.Context, script string, host *Executor) (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate executable: %w", err)
	}

	cmd := exec.CommandContext(ctx, exe, SandboxCommand)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start sandbox process: %w", err)
	}
	defer cmd.Wait()
	defer stdin.Close()

	enc := json.NewEncoder(stdin)
	dec := json.NewDecoder(stdout)

	toolNames := make([]string, 0, len(host.tools))
	for _, t := range host.tools {
		toolNames = append(toolNames, t.GetName())
	}
	if err := enc.Encode(sandboxMessage{Type: "script", Script: script, Tools: toolNames}); err != nil {
		return "", fmt.Errorf("failed to send script to sandbox: %w", err)
	}

	for {
		var msg sandboxMessage
		if err := dec.Decode(&msg); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("sandbox process ended unexpectedly: %w", err)
		}

		switch msg.Type {
		case "call":
			slog.Info("Sandbox tool call", "tool", msg.Tool, "args", msg.Args)
			result := s.callHostTool(ctx, host, msg.Tool, msg.Args)
			if err := enc.Encode(sandboxMessage{Type: "result", ID: msg.ID, Result: result}); err != nil {
				return "", fmt.Errorf("failed to answer sandbox tool call: %w", err)
			}
		case "done":
			return msg.Output, nil
		case "error":
			return "", fmt.Errorf("sandbox execution failed: %s", msg.Error)
		default:
			slog.Debug("Ignoring unknown sandbox message", "type", msg.Type)
		}
	}
}

func (s *subprocessEvaluator) callHostTool(ctx context.Context, host *Executor, name string, args map[string]interface{}) map[string]interface{} {
	tool, ok := host.toolIndex[name]
	if !ok {
		return map[string]interface{}{"error": "unknown tool: " + name}
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	start := time.Now()
	result, err := tool.Execute(ctx, args)
	observability.RecordToolExecution(name, time.Since(start), err != nil || !result.Success)
	if err != nil {
		result = tools.NewErrorResult(name, err.Error(), time.Since(start))
	}
	return toolResultValue(result)
}

// RunSandboxChild is the child-process side: it reads the script frame,
// evaluates it with proxy tool functions, and reports the output. Invoked
// by the CLI when launched with SandboxCommand.
func RunSandboxChild(stdin io.Reader, stdout io.Writer) error {
	dec := json.NewDecoder(stdin)
	enc := json.NewEncoder(stdout)

	var first sandboxMessage
	if err := dec.Decode(&first); err != nil {
		return fmt.Errorf("failed to read script frame: %w", err)
	}
	if first.Type != "script" {
		return fmt.Errorf("unexpected first frame: %s", first.Type)
	}

	vm := goja.New()
	var output strings.Builder
	if err := registerConsole(vm, &output); err != nil {
		return err
	}

	nextID := 0
	for _, name := range first.Tools {
		toolName := name
		err := vm.Set(toolName, func(call goja.FunctionCall) goja.Value {
			args := map[string]interface{}{}
			if len(call.Arguments) > 0 {
				if exported, ok := call.Arguments[0].Export().(map[string]interface{}); ok {
					args = exported
				}
			}
			nextID++
			if err := enc.Encode(sandboxMessage{Type: "call", ID: nextID, Tool: toolName, Args: args}); err != nil {
				panic(vm.ToValue("tool call transport failed: " + err.Error()))
			}
			var reply sandboxMessage
			if err := dec.Decode(&reply); err != nil {
				panic(vm.ToValue("tool result transport failed: " + err.Error()))
			}
			return vm.ToValue(reply.Result)
		})
		if err != nil {
			return err
		}
	}

	value, err := vm.RunString(first.Script)
	if err != nil {
		return enc.Encode(sandboxMessage{Type: "error", Error: err.Error()})
	}

	appendValue(&output, value)
	return enc.Encode(sandboxMessage{Type: "done", Output: output.String()})
}
