package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/etendosoftware/copilot/pkg/config"
	"github.com/etendosoftware/copilot/pkg/etendo"
	"github.com/etendosoftware/copilot/pkg/requestctx"
)

// BuiltinTools returns the tools every deployment ships with.
func BuiltinTools(cfg *config.Config) []Tool {
	tools := []Tool{NewTaskManagementTool(NewTaskStore())}
	if cfg != nil {
		client := etendo.NewClient(cfg)
		tools = append(tools,
			NewEtendoWebhookTool(client),
			NewEtendoQuestionTool(client),
		)
	}
	return tools
}

// taskState is the per-conversation task queue the supervisor works
// through sequentially.
type taskState struct {
	Plan    string
	Pending []string
	Current string
	Done    []string
}

// TaskStore keeps task state per conversation id.
type TaskStore struct {
	mu     sync.Mutex
	states map[string]*taskState
}

func NewTaskStore() *TaskStore {
	return &TaskStore{states: map[string]*taskState{}}
}

// withState runs fn with the conversation's state under the store lock.
func (s *TaskStore) withState(conversationID string, fn func(*taskState) ToolResult) ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[conversationID]
	if !ok {
		st = &taskState{}
		s.states[conversationID] = st
	}
	return fn(st)
}

// TaskManagementTool lets a supervisor plan work, enqueue tasks and walk
// them one at a time. Tasks are processed strictly in order: get_next
// hands out one task and mark_done must be called before the next one.
type TaskManagementTool struct {
	store *TaskStore
}

func NewTaskManagementTool(store *TaskStore) *TaskManagementTool {
	return &TaskManagementTool{store: store}
}

func (t *TaskManagementTool) GetName() string { return "TaskManagementTool" }

func (t *TaskManagementTool) GetDescription() string {
	return "Manage the task queue for the current conversation. Use mode " +
		"'planning' to record a plan, 'add_tasks' to enqueue tasks, 'get_next' " +
		"to take the next task, 'mark_done' when it is finished, 'status' for " +
		"a progress snapshot and 'report' for a final summary. Tasks are " +
		"handled sequentially, one at a time."
}

func (t *TaskManagementTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        t.GetName(),
		Description: t.GetDescription(),
		Parameters: []ToolParameter{
			{
				Name:        "mode",
				Type:        "string",
				Description: "Operation to perform on the task queue",
				Required:    true,
				Enum:        []string{"planning", "add_tasks", "get_next", "mark_done", "status", "report"},
			},
			{
				Name:        "plan",
				Type:        "string",
				Description: "Plan text, used with mode 'planning'",
			},
			{
				Name:        "tasks",
				Type:        "array",
				Description: "Task descriptions to enqueue, used with mode 'add_tasks'",
				Items:       map[string]interface{}{"type": "string"},
			},
		},
	}
}

func (t *TaskManagementTool) Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	start := time.Now()

	mode, _ := args["mode"].(string)
	conversationID := ""
	if c := requestctx.From(ctx); c != nil {
		conversationID = c.ConversationID()
	}

	result := t.store.withState(conversationID, func(st *taskState) ToolResult {
		return t.run(mode, args, st, start)
	})
	return result, nil
}

func (t *TaskManagementTool) run(mode string, args map[string]interface{}, st *taskState, start time.Time) ToolResult {
	switch mode {
	case "planning":
		plan, _ := args["plan"].(string)
		if plan == "" {
			return NewErrorResult(t.GetName(), "mode 'planning' requires a non-empty 'plan'", time.Since(start))
		}
		st.Plan = plan
		return NewSuccessResult(t.GetName(), "Plan recorded.", time.Since(start))

	case "add_tasks":
		added := 0
		if raw, ok := args["tasks"].([]interface{}); ok {
			for _, item := range raw {
				if task, ok := item.(string); ok && strings.TrimSpace(task) != "" {
					st.Pending = append(st.Pending, task)
					added++
				}
			}
		}
		if added == 0 {
			return NewErrorResult(t.GetName(), "mode 'add_tasks' requires a non-empty 'tasks' array", time.Since(start))
		}
		return NewSuccessResult(t.GetName(), fmt.Sprintf("Added %d tasks. %d pending.", added, len(st.Pending)), time.Since(start))

	case "get_next":
		if st.Current != "" {
			return NewErrorResult(t.GetName(),
				fmt.Sprintf("Task in progress, mark it done first: %s", st.Current), time.Since(start))
		}
		if len(st.Pending) == 0 {
			return NewSuccessResult(t.GetName(), "No pending tasks.", time.Since(start))
		}
		st.Current = st.Pending[0]
		st.Pending = st.Pending[1:]
		return NewSuccessResult(t.GetName(), fmt.Sprintf("Next task: %s", st.Current), time.Since(start))

	case "mark_done":
		if st.Current == "" {
			return NewErrorResult(t.GetName(), "No task in progress.", time.Since(start))
		}
		st.Done = append(st.Done, st.Current)
		st.Current = ""
		return NewSuccessResult(t.GetName(),
			fmt.Sprintf("Task completed. %d done, %d pending.", len(st.Done), len(st.Pending)), time.Since(start))

	case "status":
		return NewSuccessResult(t.GetName(), t.renderStatus(st), time.Since(start))

	case "report":
		var b strings.Builder
		if st.Plan != "" {
			b.WriteString("Plan:\n")
			b.WriteString(st.Plan)
			b.WriteString("\n\n")
		}
		b.WriteString(fmt.Sprintf("Completed %d of %d tasks.\n", len(st.Done), len(st.Done)+len(st.Pending)+currentCount(st)))
		for _, task := range st.Done {
			b.WriteString("- [done] " + task + "\n")
		}
		for _, task := range st.Pending {
			b.WriteString("- [pending] " + task + "\n")
		}
		return NewSuccessResult(t.GetName(), b.String(), time.Since(start))

	default:
		return NewErrorResult(t.GetName(), fmt.Sprintf("unknown mode: %q", mode), time.Since(start))
	}
}

func (t *TaskManagementTool) renderStatus(st *taskState) string {
	var b strings.Builder
	if st.Plan != "" {
		b.WriteString("Plan: " + st.Plan + "\n")
	}
	if st.Current != "" {
		b.WriteString("Current: " + st.Current + "\n")
	}
	b.WriteString(fmt.Sprintf("Pending: %d, Done: %d", len(st.Pending), len(st.Done)))
	return b.String()
}

func currentCount(st *taskState) int {
	if st.Current != "" {
		return 1
	}
	return 0
}

// EtendoWebhookTool calls a named webhook on the Etendo host with the
// caller's token.
type EtendoWebhookTool struct {
	client *etendo.Client
}

func NewEtendoWebhookTool(client *etendo.Client) *EtendoWebhookTool {
	return &EtendoWebhookTool{client: client}
}

func (t *EtendoWebhookTool) GetName() string { return "EtendoWebhookTool" }

func (t *EtendoWebhookTool) GetDescription() string {
	return "Call a webhook registered in Etendo by name, passing a JSON body."
}

func (t *EtendoWebhookTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        t.GetName(),
		Description: t.GetDescription(),
		Parameters: []ToolParameter{
			{Name: "name", Type: "string", Description: "Webhook name", Required: true},
			{Name: "body", Type: "object", Description: "JSON body to send to the webhook"},
		},
	}
}

func (t *EtendoWebhookTool) Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	start := time.Now()

	name, _ := args["name"].(string)
	if name == "" {
		return NewErrorResult(t.GetName(), "missing required parameter 'name'", time.Since(start)), nil
	}

	body := map[string]interface{}{}
	switch v := args["body"].(type) {
	case map[string]interface{}:
		body = v
	case string:
		if v != "" {
			if err := json.Unmarshal([]byte(v), &body); err != nil {
				return NewErrorResult(t.GetName(), fmt.Sprintf("invalid body JSON: %v", err), time.Since(start)), nil
			}
		}
	}

	resp, err := t.client.CallWebhook(ctx, name, body)
	if err != nil {
		return NewErrorResult(t.GetName(), err.Error(), time.Since(start)), nil
	}
	return NewSuccessResult(t.GetName(), resp, time.Since(start)), nil
}

// EtendoQuestionTool forwards a question to another Copilot assistant
// hosted on the Etendo instance.
type EtendoQuestionTool struct {
	client *etendo.Client
}

func NewEtendoQuestionTool(client *etendo.Client) *EtendoQuestionTool {
	return &EtendoQuestionTool{client: client}
}

func (t *EtendoQuestionTool) GetName() string { return "EtendoQuestionTool" }

func (t *EtendoQuestionTool) GetDescription() string {
	return "Ask a question to another assistant configured in Etendo and return its answer."
}

func (t *EtendoQuestionTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        t.GetName(),
		Description: t.GetDescription(),
		Parameters: []ToolParameter{
			{Name: "app_id", Type: "string", Description: "Identifier of the target assistant", Required: true},
			{Name: "question", Type: "string", Description: "Question to forward", Required: true},
		},
	}
}

func (t *EtendoQuestionTool) Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	start := time.Now()

	appID, _ := args["app_id"].(string)
	question, _ := args["question"].(string)
	if appID == "" || question == "" {
		return NewErrorResult(t.GetName(), "parameters 'app_id' and 'question' are required", time.Since(start)), nil
	}

	conversationID := ""
	if c := requestctx.From(ctx); c != nil {
		conversationID = c.ConversationID()
	}

	answer, err := t.client.AskQuestion(ctx, appID, question, conversationID)
	if err != nil {
		return NewErrorResult(t.GetName(), err.Error(), time.Since(start)), nil
	}
	return NewSuccessResult(t.GetName(), answer, time.Since(start)), nil
}
