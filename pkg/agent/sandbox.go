package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/etendosoftware/copilot/pkg/config"
	"github.com/etendosoftware/copilot/pkg/observability"
	"github.com/etendosoftware/copilot/pkg/tools"
)

// Evaluator runs model-emitted JavaScript with the executor's tool set
// exposed as host functions.
type Evaluator interface {
	Run(ctx context.Context, script string, host *Executor) (string, error)
}

// newEvaluator selects the sandbox implementation. The default evaluates
// in-process; COPILOT_USE_PYDOIDE selects the isolated subprocess.
func newEvaluator(cfg *config.Config) Evaluator {
	if cfg.UsePydoide {
		return &subprocessEvaluator{}
	}
	return &gojaEvaluator{}
}

type gojaEvaluator struct{}

// Run evaluates the script on a fresh VM. Interpretation is interrupted
// when ctx is cancelled. The returned output is everything printed via
// console.log plus the value of the final expression.
func (g *gojaEvaluator) Run(ctx context.Context, script string, host *Executor) (string, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	var output strings.Builder
	if err := registerConsole(vm, &output); err != nil {
		return "", err
	}
	for _, t := range host.tools {
		if err := registerToolFunction(ctx, vm, t); err != nil {
			return "", err
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	value, err := vm.RunString(script)
	if err != nil {
		if _, interrupted := err.(*goja.InterruptedError); interrupted {
			return "", ctx.Err()
		}
		return "", err
	}

	appendValue(&output, value)
	return output.String(), nil
}

func registerConsole(vm *goja.Runtime, output *strings.Builder) error {
	console := vm.NewObject()
	log := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, stringify(arg.Export()))
		}
		output.WriteString(strings.Join(parts, " "))
		output.WriteString("\n")
		return goja.Undefined()
	}
	for _, name := range []string{"log", "info", "warn", "error"} {
		if err := console.Set(name, log); err != nil {
			return err
		}
	}
	return vm.Set("console", console)
}

// registerToolFunction exposes one tool as a global function taking a
// single object argument. Every call is logged.
func registerToolFunction(ctx context.Context, vm *goja.Runtime, tool tools.Tool) error {
	name := tool.GetName()
	return vm.Set(name, func(call goja.FunctionCall) goja.Value {
		args := map[string]interface{}{}
		if len(call.Arguments) > 0 {
			if exported, ok := call.Arguments[0].Export().(map[string]interface{}); ok {
				args = exported
			}
		}

		slog.Info("Sandbox tool call", "tool", name, "args", args)
		start := time.Now()
		result, err := tool.Execute(ctx, args)
		observability.RecordToolExecution(name, time.Since(start), err != nil || !result.Success)
		if err != nil {
			result = tools.NewErrorResult(name, err.Error(), time.Since(start))
		}
		return vm.ToValue(toolResultValue(result))
	})
}

// toolResultValue is the shape tool outputs take inside the sandbox.
func toolResultValue(result tools.ToolResult) map[string]interface{} {
	if !result.Success {
		return map[string]interface{}{"error": result.Error}
	}
	out := map[string]interface{}{}
	if result.Content != "" {
		out["content"] = result.Content
	}
	if result.Output != nil {
		out["output"] = result.Output
	}
	return out
}

func appendValue(output *strings.Builder, value goja.Value) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return
	}
	output.WriteString(stringify(value.Export()))
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", v)
	}
}
