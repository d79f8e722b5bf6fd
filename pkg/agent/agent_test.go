package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/etendosoftware/copilot/pkg/config"
	"github.com/etendosoftware/copilot/pkg/llms"
	"github.com/etendosoftware/copilot/pkg/protocol"
	"github.com/etendosoftware/copilot/pkg/tools"
)

type fakeProvider struct {
	results []*llms.Result
	calls   [][]protocol.Message
}

func (f *fakeProvider) Generate(ctx context.Context, messages []protocol.Message, defs []llms.ToolDefinition) (*llms.Result, error) {
	f.calls = append(f.calls, messages)
	if len(f.results) == 0 {
		return nil, fmt.Errorf("no scripted result left")
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r, nil
}

func (f *fakeProvider) GenerateStreaming(ctx context.Context, messages []protocol.Message, defs []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeProvider) GenerateStructured(ctx context.Context, messages []protocol.Message, schema *llms.JSONSchema) (string, error) {
	return "", fmt.Errorf("not implemented")
}

func (f *fakeProvider) GetModelName() string { return "fake-model" }
func (f *fakeProvider) Close() error         { return nil }

type echoTool struct {
	name  string
	calls int
}

func (t *echoTool) GetName() string        { return t.name }
func (t *echoTool) GetDescription() string { return "echoes its input" }
func (t *echoTool) GetInfo() tools.ToolInfo {
	return tools.ToolInfo{Name: t.name, Description: t.GetDescription(), Parameters: []tools.ToolParameter{
		{Name: "text", Type: "string", Required: true},
	}}
}

func (t *echoTool) Execute(ctx context.Context, args map[string]interface{}) (tools.ToolResult, error) {
	t.calls++
	text, _ := args["text"].(string)
	return tools.NewSuccessResult(t.name, "echo: "+text, 0), nil
}

func newTestExecutor(provider llms.LLMProvider, testTools ...tools.Tool) *Executor {
	e := &Executor{
		cfg:          config.Load(),
		assistant:    &config.AssistantConfig{Name: "test"},
		provider:     provider,
		systemPrompt: "You are a test assistant.",
		tools:        testTools,
		toolIndex:    map[string]tools.Tool{},
	}
	for _, t := range testTools {
		info := t.GetInfo()
		e.toolIndex[info.Name] = t
		e.toolDefs = append(e.toolDefs, llms.ToolDefinition{
			Name: info.Name, Description: info.Description, Parameters: info.ToJSONSchema(),
		})
	}
	return e
}

func TestConvertHistoryOrderAndContent(t *testing.T) {
	history := []protocol.HistoryMessage{
		{Role: "USER", Content: "hello"},
		{Role: "ASSISTANT", Content: "hi there"},
		{Role: "USER", Content: "how are you"},
	}

	messages := ConvertHistory(history)
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	if messages[0].Role != protocol.RoleUser || messages[0].Content != "hello" {
		t.Errorf("first message wrong: %+v", messages[0])
	}
	if messages[1].Role != protocol.RoleAssistant || messages[1].Content != "hi there" {
		t.Errorf("second message wrong: %+v", messages[1])
	}
	if messages[2].Role != protocol.RoleUser {
		t.Errorf("third message wrong: %+v", messages[2])
	}
}

func TestBuildUserTurnWithFiles(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "shot.PNG")
	if err := os.WriteFile(image, []byte("fake png bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	report := filepath.Join(dir, "report.csv")

	msg := BuildUserTurn("analyze these", []string{image, report})
	if len(msg.Parts) != 2 {
		t.Fatalf("expected text part + image part, got %d parts", len(msg.Parts))
	}
	if msg.Parts[0].Type != "text" {
		t.Errorf("first part should be text, got %s", msg.Parts[0].Type)
	}
	if !strings.Contains(msg.Parts[0].Text, "LOCAL FILES:") {
		t.Error("text part missing LOCAL FILES list")
	}
	if !strings.Contains(msg.Parts[0].Text, report) {
		t.Error("non-image path missing from LOCAL FILES list")
	}
	if msg.Parts[1].Type != "image_url" {
		t.Fatalf("second part should be image_url, got %s", msg.Parts[1].Type)
	}
	if !strings.HasPrefix(msg.Parts[1].ImageURL.URL, "data:image/png;base64,") {
		t.Errorf("unexpected data URL prefix: %.40s", msg.Parts[1].ImageURL.URL)
	}
}

func TestBuildUserTurnWithoutFiles(t *testing.T) {
	msg := BuildUserTurn("ping", nil)
	if msg.Content != "ping" || len(msg.Parts) != 0 {
		t.Errorf("plain question should stay textual: %+v", msg)
	}
}

func TestRunWithoutToolCalls(t *testing.T) {
	provider := &fakeProvider{results: []*llms.Result{{Text: "OK"}}}
	e := newTestExecutor(provider)

	var events []protocol.AssistantResponse
	answer, err := e.run(context.Background(), e.BuildMessages("ping", nil, nil), func(ev protocol.AssistantResponse) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if answer != "OK" {
		t.Errorf("expected OK, got %q", answer)
	}
	if len(events) != 0 {
		t.Errorf("expected no tool events, got %d", len(events))
	}
}

func TestRunToolCallLoop(t *testing.T) {
	tool := &echoTool{name: "Echo"}
	provider := &fakeProvider{results: []*llms.Result{
		{ToolCalls: []protocol.ToolCall{{ID: "1", Name: "Echo", Arguments: `{"text":"abc"}`}}},
		{Text: "done"},
	}}
	e := newTestExecutor(provider, tool)

	var events []protocol.AssistantResponse
	answer, err := e.run(context.Background(), e.BuildMessages("go", nil, nil), func(ev protocol.AssistantResponse) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if answer != "done" {
		t.Errorf("expected final answer, got %q", answer)
	}
	if tool.calls != 1 {
		t.Errorf("expected one tool execution, got %d", tool.calls)
	}
	if len(events) != 1 || events[0].Role != protocol.EventRoleTool || events[0].Response != "Echo" {
		t.Errorf("expected one tool event for Echo, got %+v", events)
	}

	// The second model call must see the tool result.
	second := provider.calls[1]
	last := second[len(second)-1]
	if last.Role != protocol.RoleTool || !strings.Contains(last.Content, "echo: abc") {
		t.Errorf("tool result not fed back: %+v", last)
	}
}

func TestRunUnknownToolSurfacesError(t *testing.T) {
	provider := &fakeProvider{results: []*llms.Result{
		{ToolCalls: []protocol.ToolCall{{ID: "1", Name: "Nope", Arguments: `{}`}}},
		{Text: "recovered"},
	}}
	e := newTestExecutor(provider)

	answer, err := e.run(context.Background(), e.BuildMessages("go", nil, nil), func(protocol.AssistantResponse) {})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if answer != "recovered" {
		t.Errorf("expected recovery answer, got %q", answer)
	}
	last := provider.calls[1][len(provider.calls[1])-1]
	if !strings.Contains(last.Content, "unknown tool") {
		t.Errorf("expected unknown tool error in feedback, got %q", last.Content)
	}
}

func TestRunMaxIterations(t *testing.T) {
	tool := &echoTool{name: "Echo"}
	var results []*llms.Result
	for i := 0; i < 10; i++ {
		results = append(results, &llms.Result{
			ToolCalls: []protocol.ToolCall{{ID: "1", Name: "Echo", Arguments: `{"text":"x"}`}},
		})
	}
	e := newTestExecutor(&fakeProvider{results: results}, tool)
	e.cfg.MaxIterations = 3

	_, err := e.run(context.Background(), e.BuildMessages("go", nil, nil), func(protocol.AssistantResponse) {})
	var limitErr *LimitError
	if err == nil || !strings.Contains(err.Error(), "max iterations") {
		t.Fatalf("expected max iterations error, got %v", err)
	}
	if !errors.As(err, &limitErr) {
		t.Errorf("expected LimitError, got %T", err)
	}
}

func TestStreamEmitsFinalAnswer(t *testing.T) {
	provider := &fakeProvider{results: []*llms.Result{{Text: "hello"}}}
	e := newTestExecutor(provider)

	var got []protocol.AssistantResponse
	for ev := range e.Stream(context.Background(), e.BuildMessages("hi", nil, nil)) {
		got = append(got, ev)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(got))
	}
	if got[0].Role != protocol.EventRoleAnswer || got[0].Response != "hello" {
		t.Errorf("unexpected final event: %+v", got[0])
	}
}

func TestExtractCode(t *testing.T) {
	text := "Let me compute.\n```js\nconst x = 1 + 1;\nconsole.log(x);\n```\ndone"
	code := extractCode(text)
	if !strings.Contains(code, "const x = 1 + 1;") {
		t.Errorf("unexpected extraction: %q", code)
	}
	if extractCode("no code here") != "" {
		t.Error("expected empty extraction for plain text")
	}
}

func TestCodeActLoop(t *testing.T) {
	tool := &echoTool{name: "Echo"}
	provider := &fakeProvider{results: []*llms.Result{
		{Text: "```js\nconst r = Echo({text: \"hi\"});\nconsole.log(r.content);\n```"},
		{Text: "The echo said hi."},
	}}
	e := newTestExecutor(provider, tool)
	e.assistant.CodeExecution = true

	answer, err := e.run(context.Background(), e.BuildMessages("use the tool", nil, nil), func(protocol.AssistantResponse) {})
	if err != nil {
		t.Fatalf("code-act run failed: %v", err)
	}
	if answer != "The echo said hi." {
		t.Errorf("unexpected answer: %q", answer)
	}
	if tool.calls != 1 {
		t.Errorf("expected one sandboxed tool call, got %d", tool.calls)
	}

	second := provider.calls[1]
	last := second[len(second)-1]
	if !strings.Contains(last.Content, "Execution output:") || !strings.Contains(last.Content, "echo: hi") {
		t.Errorf("execution output not fed back: %q", last.Content)
	}

	// System prompt carries the sandbox instructions.
	if !strings.Contains(second[0].Content, "Echo({text: string})") {
		t.Errorf("tool signature missing from prompt: %q", second[0].Content)
	}
}

func TestGojaEvaluatorConsoleAndResult(t *testing.T) {
	e := newTestExecutor(&fakeProvider{})
	out, err := (&gojaEvaluator{}).Run(context.Background(), "console.log('a', 1); 'final'", e)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if out != "a 1\nfinal" {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestGojaEvaluatorCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	e := newTestExecutor(&fakeProvider{})
	_, err := (&gojaEvaluator{}).Run(ctx, "while (true) {}", e)
	if err == nil {
		t.Fatal("expected interruption error")
	}
}

func TestSandboxChildProtocol(t *testing.T) {
	childIn, parentOut := io.Pipe()
	parentIn, childOut := io.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- RunSandboxChild(childIn, childOut)
	}()

	enc := json.NewEncoder(parentOut)
	dec := json.NewDecoder(parentIn)

	if err := enc.Encode(sandboxMessage{
		Type:   "script",
		Script: "const r = Lookup({key: 'k'}); r.content",
		Tools:  []string{"Lookup"},
	}); err != nil {
		t.Fatal(err)
	}

	var call sandboxMessage
	if err := dec.Decode(&call); err != nil {
		t.Fatal(err)
	}
	if call.Type != "call" || call.Tool != "Lookup" || call.Args["key"] != "k" {
		t.Fatalf("unexpected call frame: %+v", call)
	}

	if err := enc.Encode(sandboxMessage{Type: "result", ID: call.ID, Result: map[string]interface{}{"content": "v"}}); err != nil {
		t.Fatal(err)
	}

	var final sandboxMessage
	if err := dec.Decode(&final); err != nil {
		t.Fatal(err)
	}
	if final.Type != "done" || final.Output != "v" {
		t.Errorf("unexpected done frame: %+v", final)
	}
	if err := <-done; err != nil {
		t.Fatalf("child returned error: %v", err)
	}
}

func TestNewRequiresSystemPrompt(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key")
	t.Setenv("SYSTEM_PROMPT", "")

	assistant := &config.AssistantConfig{Name: "bare", Provider: "openai", Model: "gpt-4o"}
	_, err := New(context.Background(), config.Load(), assistant, Dependencies{})
	var cfgErr *ConfigError
	if err == nil {
		t.Fatal("expected config error for missing system prompt")
	}
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigError, got %T: %v", err, err)
	}
}
