package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/etendosoftware/copilot/pkg/checkpoint"
	"github.com/etendosoftware/copilot/pkg/config"
	"github.com/etendosoftware/copilot/pkg/protocol"
)

// Runner executes a compiled graph against the checkpoint store.
type Runner struct {
	cfg   *config.Config
	graph *Graph
	store *checkpoint.Store
}

// NewRunner wires a compiled graph to its persistence. store may be nil
// for one-shot runs without conversation memory.
func NewRunner(cfg *config.Config, g *Graph, store *checkpoint.Store) *Runner {
	return &Runner{cfg: cfg, graph: g, store: store}
}

// Run executes the graph for one question. The prior state of the
// conversation is loaded from the checkpoint store, the user turn is
// appended, and the state is persisted after every node so a follow-up
// request observes everything this run produced.
func (r *Runner) Run(ctx context.Context, conversationID string, userTurn protocol.Message, emit func(protocol.AssistantResponse)) (string, error) {
	state, err := r.loadState(ctx, conversationID)
	if err != nil {
		return "", err
	}
	state.Messages = append(state.Messages, userTurn)

	current := r.graph.entry
	limit := r.cfg.RecursionLimit
	if limit <= 0 {
		limit = config.DefaultRecursionLimit
	}

	for step := 0; current != NodeEnd; step++ {
		if step >= limit {
			return "", &RoutingError{Message: fmt.Sprintf("recursion limit reached (%d steps)", limit)}
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, ok := r.graph.nodes[current]
		if !ok {
			return "", &RoutingError{Message: fmt.Sprintf("graph has no node %q", current)}
		}

		if _, isOutput := n.(*outputNode); !isOutput && step > 0 {
			emit(protocol.NodeEvent(conversationID, "Running "+n.Name()))
		}

		next, err := n.Run(ctx, state, emit)
		if err != nil {
			var routing *RoutingError
			if errors.As(err, &routing) {
				return "", routing
			}
			member, isMember := n.(*memberNode)
			if !isMember {
				return "", err
			}
			// A failing member does not end the conversation. Its error
			// becomes part of the transcript and the flow moves on.
			slog.Error("Member agent failed", "member", n.Name(), "error", err)
			state.Messages = append(state.Messages, protocol.Message{
				Role:    protocol.RoleAssistant,
				Content: fmt.Sprintf("Agent %s failed: %v", n.Name(), err),
				Name:    n.Name(),
			})
			next = member.next
		}

		if err := r.saveState(ctx, conversationID, state); err != nil {
			return "", err
		}
		current = next
	}

	return state.LastAssistantMessage(), nil
}

func (r *Runner) loadState(ctx context.Context, conversationID string) (*State, error) {
	state := &State{}
	if r.store == nil || conversationID == "" {
		return state, nil
	}

	raw, err := r.store.Get(ctx, conversationID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation state: %w", err)
	}
	if err := json.Unmarshal(raw, state); err != nil {
		slog.Warn("Discarding unreadable conversation state", "conversation_id", conversationID, "error", err)
		return &State{}, nil
	}
	return state, nil
}

func (r *Runner) saveState(ctx context.Context, conversationID string, state *State) error {
	if r.store == nil || conversationID == "" {
		return nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode conversation state: %w", err)
	}
	if err := r.store.Put(ctx, conversationID, raw); err != nil {
		return fmt.Errorf("failed to persist conversation state: %w", err)
	}
	return nil
}

// Stream runs the graph, delivering node and tool events plus the final
// answer on the returned channel. Terminal failures arrive as an error
// event; the channel is closed when the run ends.
func (r *Runner) Stream(ctx context.Context, conversationID string, userTurn protocol.Message) <-chan protocol.AssistantResponse {
	ch := make(chan protocol.AssistantResponse, 16)

	go func() {
		defer close(ch)
		answer, err := r.Run(ctx, conversationID, userTurn, func(ev protocol.AssistantResponse) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		})
		if err != nil {
			slog.Error("Graph run failed", "conversation_id", conversationID, "error", err)
			ch <- protocol.ErrorEvent(conversationID, err.Error())
			return
		}
		ch <- protocol.AnswerEvent(conversationID, answer)
	}()

	return ch
}
