// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package graph compiles a multi-agent assistant definition into an
// executable state machine: one node per member agent, a supervisor node
// per stage that has more than one member, and a final output node.
package graph

import (
	"context"
	"fmt"

	"github.com/etendosoftware/copilot/pkg/agent"
	"github.com/etendosoftware/copilot/pkg/config"
	"github.com/etendosoftware/copilot/pkg/llms"
	"github.com/etendosoftware/copilot/pkg/protocol"
)

// Reserved node names.
const (
	NodeStart  = "START"
	NodeEnd    = "END"
	NodeOutput = "output"

	// Finish is the supervisor's routing choice that advances past its
	// stage.
	Finish = "FINISH"
)

// State is the shared graph state, persisted per conversation between
// requests.
type State struct {
	Messages       []protocol.Message `json:"messages"`
	TasksToProcess []string           `json:"tasks_to_process,omitempty"`
	DoneTasks      []string           `json:"done_tasks,omitempty"`
	CurrentTask    string             `json:"current_task,omitempty"`
	Planning       string             `json:"planning,omitempty"`
}

// LastAssistantMessage returns the content of the newest assistant turn.
func (s *State) LastAssistantMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == protocol.RoleAssistant {
			return s.Messages[i].Text()
		}
	}
	return ""
}

// RoutingError marks a failed supervisor decision or an exhausted
// recursion limit. It is terminal for the run.
type RoutingError struct {
	Message string
}

func (e *RoutingError) Error() string {
	return e.Message
}

// node is one executable graph vertex. Run mutates the state and returns
// the name of the next node.
type node interface {
	Name() string
	Run(ctx context.Context, state *State, emit func(protocol.AssistantResponse)) (string, error)
}

// Edge is one directed connection, kept for introspection.
type Edge struct {
	From string
	To   string
}

// Graph is a compiled assistant pipeline.
type Graph struct {
	nodes map[string]node
	entry string
	edges []Edge
}

// Entry returns the first node after START.
func (g *Graph) Entry() string {
	return g.entry
}

// Edges returns the compiled topology.
func (g *Graph) Edges() []Edge {
	return g.edges
}

// Compile builds the graph for a multi-agent assistant. Member executors
// are constructed eagerly; ctx bounds their tool discovery.
func Compile(ctx context.Context, cfg *config.Config, assistant *config.AssistantConfig, deps agent.Dependencies) (*Graph, error) {
	assistant.SetDefaults()
	if !assistant.IsSupervisor() {
		return nil, agent.NewConfigError("assistant %q has no member assistants", assistant.DisplayName())
	}
	if err := assistant.Validate(); err != nil {
		return nil, agent.NewConfigError("invalid graph definition: %v", err)
	}

	stages := assistant.Graph
	if stages == nil {
		// Without an explicit pipeline every member forms one stage.
		names := make([]string, 0, len(assistant.Assistants))
		for i := range assistant.Assistants {
			names = append(names, assistant.Assistants[i].DisplayName())
		}
		stages = &config.GraphConfig{Stages: []config.StageConfig{{Name: "main", Assistants: names}}}
	}

	g := &Graph{nodes: map[string]node{}}

	// Entry point of each stage, plus the output node as the entry "after"
	// the last stage, so FINISH edges and single-member flows can chain.
	entries := make([]string, len(stages.Stages)+1)
	entries[len(stages.Stages)] = NodeOutput
	for i, stage := range stages.Stages {
		if len(stage.Assistants) > 1 {
			entries[i] = supervisorName(stage)
		} else {
			entries[i] = config.SanitizeNodeLabel(stage.Assistants[0])
		}
	}
	g.entry = entries[0]
	g.edges = append(g.edges, Edge{From: NodeStart, To: g.entry})

	for i, stage := range stages.Stages {
		supervised := len(stage.Assistants) > 1

		for _, memberName := range stage.Assistants {
			label := config.SanitizeNodeLabel(memberName)
			member := assistant.FindMember(label)
			if member == nil {
				return nil, agent.NewConfigError("stage %q references unknown assistant %q", stage.Name, memberName)
			}

			executor, err := agent.New(ctx, cfg, member, deps)
			if err != nil {
				return nil, fmt.Errorf("failed to build member %q: %w", label, err)
			}

			next := entries[i+1]
			if supervised {
				next = supervisorName(stage)
			}
			g.nodes[label] = &memberNode{name: label, executor: executor, next: next}
			g.edges = append(g.edges, Edge{From: label, To: next})
		}

		if supervised {
			supervisor, err := newSupervisorNode(cfg, assistant, stage, entries[i+1])
			if err != nil {
				return nil, err
			}
			g.nodes[supervisor.Name()] = supervisor
			for _, memberName := range stage.Assistants {
				g.edges = append(g.edges, Edge{From: supervisor.Name(), To: config.SanitizeNodeLabel(memberName)})
			}
			g.edges = append(g.edges, Edge{From: supervisor.Name(), To: entries[i+1]})
		}
	}

	g.nodes[NodeOutput] = &outputNode{}
	g.edges = append(g.edges, Edge{From: NodeOutput, To: NodeEnd})

	// The degenerate single-member pipeline collapses to START->member->END.
	if len(stages.Stages) == 1 && len(stages.Stages[0].Assistants) == 1 {
		label := g.entry
		member := g.nodes[label].(*memberNode)
		member.next = NodeEnd
		delete(g.nodes, NodeOutput)
		g.edges = []Edge{{From: NodeStart, To: label}, {From: label, To: NodeEnd}}
	}

	return g, nil
}

func supervisorName(stage config.StageConfig) string {
	return "supervisor-" + config.SanitizeNodeLabel(stage.Name)
}

// memberExecutor is the slice of the single-agent executor a member node
// uses.
type memberExecutor interface {
	SystemMessages() []protocol.Message
	RunWithEvents(ctx context.Context, messages []protocol.Message, emit func(protocol.AssistantResponse)) (string, error)
}

// memberNode wraps one single-agent executor. The member reads the shared
// conversation and appends its answer to it.
type memberNode struct {
	name     string
	executor memberExecutor
	next     string
}

func (n *memberNode) Name() string { return n.name }

func (n *memberNode) Run(ctx context.Context, state *State, emit func(protocol.AssistantResponse)) (string, error) {
	messages := append(n.executor.SystemMessages(), state.Messages...)
	answer, err := n.executor.RunWithEvents(ctx, messages, emit)
	if err != nil {
		return "", err
	}
	state.Messages = append(state.Messages, protocol.Message{
		Role:    protocol.RoleAssistant,
		Content: answer,
		Name:    n.name,
	})
	return n.next, nil
}

// outputNode terminates the pipeline; the final answer is already the last
// assistant message in the state.
type outputNode struct{}

func (n *outputNode) Name() string { return NodeOutput }

func (n *outputNode) Run(ctx context.Context, state *State, emit func(protocol.AssistantResponse)) (string, error) {
	return NodeEnd, nil
}

// supervisorProvider is the narrow model surface a supervisor needs,
// separated so tests can script routing decisions.
type supervisorProvider interface {
	GenerateStructured(ctx context.Context, messages []protocol.Message, schema *llms.JSONSchema) (string, error)
}
