package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/etendosoftware/copilot/pkg/config"
	"github.com/etendosoftware/copilot/pkg/llms"
	"github.com/etendosoftware/copilot/pkg/protocol"
)

const defaultSupervisorPrompt = `You are a supervisor coordinating a team of
assistants. Given the conversation so far, decide which team member should
act next, or whether the work of this stage is complete.`

// supervisorNode routes between the members of one stage using a
// structured model output {next, instructions}.
type supervisorNode struct {
	name         string
	members      []string
	finishTarget string
	provider     supervisorProvider
	systemPrompt string
	schema       *llms.JSONSchema
}

// routingDecision is the supervisor's structured output.
type routingDecision struct {
	Next         string `json:"next"`
	Instructions string `json:"instructions"`
}

func newSupervisorNode(cfg *config.Config, assistant *config.AssistantConfig, stage config.StageConfig, finishTarget string) (*supervisorNode, error) {
	provider, err := llms.NewProvider(assistant, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build supervisor for stage %q: %w", stage.Name, err)
	}

	members := make([]string, 0, len(stage.Assistants))
	for _, name := range stage.Assistants {
		members = append(members, config.SanitizeNodeLabel(name))
	}

	systemPrompt := assistant.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSupervisorPrompt
	}

	return &supervisorNode{
		name:         supervisorName(stage),
		members:      members,
		finishTarget: finishTarget,
		provider:     provider,
		systemPrompt: systemPrompt,
		schema:       routingSchema(members),
	}, nil
}

func routingSchema(members []string) *llms.JSONSchema {
	no := false
	return &llms.JSONSchema{
		Type: "object",
		Properties: map[string]llms.JSONSchema{
			"next": {
				Type:        "string",
				Enum:        append(append([]string{}, members...), Finish),
				Description: "The member to act next, or FINISH when the stage is done.",
			},
			"instructions": {
				Type:        "string",
				Description: "Guidance for the chosen member.",
			},
		},
		Required:             []string{"next"},
		AdditionalProperties: &no,
	}
}

func (n *supervisorNode) Name() string { return n.name }

func (n *supervisorNode) Run(ctx context.Context, state *State, emit func(protocol.AssistantResponse)) (string, error) {
	messages := make([]protocol.Message, 0, len(state.Messages)+1)
	messages = append(messages, protocol.Message{
		Role: protocol.RoleSystem,
		Content: fmt.Sprintf("%s\n\nTeam members: %s.\nAnswer with JSON {\"next\", \"instructions\"}; pick FINISH when no member needs to act.",
			n.systemPrompt, strings.Join(n.members, ", ")),
	})
	messages = append(messages, state.Messages...)

	raw, err := n.provider.GenerateStructured(ctx, messages, n.schema)
	if err != nil {
		return "", fmt.Errorf("supervisor %s failed: %w", n.name, err)
	}

	var decision routingDecision
	if err := json.Unmarshal([]byte(raw), &decision); err != nil {
		return "", &RoutingError{Message: fmt.Sprintf("supervisor %s returned unparseable routing output: %v", n.name, err)}
	}

	if decision.Next == Finish {
		slog.Debug("Stage finished", "supervisor", n.name, "target", n.finishTarget)
		return n.finishTarget, nil
	}

	if !n.knows(decision.Next) {
		return "", &RoutingError{Message: fmt.Sprintf("supervisor %s routed to unknown member %q", n.name, decision.Next)}
	}

	if decision.Instructions != "" {
		state.Messages = append(state.Messages, protocol.Message{
			Role:    protocol.RoleUser,
			Content: decision.Instructions,
			Name:    "Supervisor",
		})
	}

	slog.Debug("Supervisor routed", "supervisor", n.name, "next", decision.Next)
	return decision.Next, nil
}

func (n *supervisorNode) knows(member string) bool {
	for _, m := range n.members {
		if m == member {
			return true
		}
	}
	return false
}
