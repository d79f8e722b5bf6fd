package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/etendosoftware/copilot/pkg/protocol"
)

var codeBlockPattern = regexp.MustCompile("(?s)```(?:js|javascript)?\\s*\\n(.*?)```")

const codeActInstructions = `

You can execute JavaScript to solve the task. Write the code inside a single
fenced block:

` + "```js" + `
// your code
` + "```" + `

The following functions are available. Each takes one object argument and
returns the tool's output:

%s

Use console.log to inspect intermediate values; everything you print plus
the value of the last expression is returned to you as the execution output.
When you have the final answer, reply with plain text and no code block.`

// runCodeAct drives the code-execution variant of the loop: the model emits
// JavaScript, the executor evaluates it with the tool set exposed as host
// functions and feeds the output back, until the model answers without code.
func (e *Executor) runCodeAct(ctx context.Context, messages []protocol.Message, emit func(protocol.AssistantResponse)) (string, error) {
	messages = withCodeActPrompt(messages, e.describeToolFunctions())

	evaluator := newEvaluator(e.cfg)
	conversationID := conversationIDFrom(ctx)

	for iteration := 0; iteration < e.cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return "", e.limitOrContextErr(err)
		}

		result, err := e.generate(ctx, messages, nil)
		if err != nil {
			return "", err
		}

		script := extractCode(result.Text)
		if script == "" {
			return result.Text, nil
		}

		emit(protocol.ToolEvent(conversationID, "CodeExecution"))

		output, err := evaluator.Run(ctx, script, e)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", e.limitOrContextErr(ctxErr)
			}
			output = "Execution error: " + err.Error()
		}

		messages = append(messages,
			protocol.Message{Role: protocol.RoleAssistant, Content: result.Text},
			protocol.Message{Role: protocol.RoleUser, Content: "Execution output:\n" + output},
		)
	}

	return "", &LimitError{Message: fmt.Sprintf("agent exceeded max iterations (%d)", e.cfg.MaxIterations)}
}

// withCodeActPrompt appends the code-execution instructions to the system
// message.
func withCodeActPrompt(messages []protocol.Message, toolDescriptions string) []protocol.Message {
	out := make([]protocol.Message, len(messages))
	copy(out, messages)
	for i := range out {
		if out[i].Role == protocol.RoleSystem {
			out[i].Content += fmt.Sprintf(codeActInstructions, toolDescriptions)
			break
		}
	}
	return out
}

// describeToolFunctions renders the tool set as JS function signatures for
// the prompt.
func (e *Executor) describeToolFunctions() string {
	if len(e.tools) == 0 {
		return "(no tools available)"
	}
	var b strings.Builder
	for _, t := range e.tools {
		info := t.GetInfo()
		params := make([]string, 0, len(info.Parameters))
		for _, p := range info.Parameters {
			params = append(params, fmt.Sprintf("%s: %s", p.Name, p.Type))
		}
		fmt.Fprintf(&b, "- %s({%s}): %s\n", info.Name, strings.Join(params, ", "), info.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// extractCode returns the body of the first fenced code block, or "".
func extractCode(text string) string {
	m := codeBlockPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}
