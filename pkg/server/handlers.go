package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/etendosoftware/copilot/pkg/agent"
	"github.com/etendosoftware/copilot/pkg/config"
	"github.com/etendosoftware/copilot/pkg/graph"
	"github.com/etendosoftware/copilot/pkg/mcp"
	"github.com/etendosoftware/copilot/pkg/protocol"
	"github.com/etendosoftware/copilot/pkg/requestctx"
	"github.com/etendosoftware/copilot/pkg/tools"
)

// bindRequest fills the request container from the parsed body and returns
// the effective conversation id.
func bindRequest(ctx context.Context, conversationID string, extraInfo map[string]interface{}) string {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	if c := requestctx.From(ctx); c != nil {
		c.SetConversationID(conversationID)
		c.SetExtraInfo(extraInfo)
	}
	return conversationID
}

// resolveAssistant turns the inbound question into an assistant
// definition, fetching it from Etendo when only an assistant id was sent.
func (s *Server) resolveAssistant(ctx context.Context, q *protocol.Question) (*config.AssistantConfig, error) {
	a := &config.AssistantConfig{
		AssistantID:   q.AssistantID,
		Name:          q.Name,
		Type:          q.Type,
		Provider:      q.Provider,
		Model:         q.Model,
		Temperature:   q.Temperature,
		SystemPrompt:  q.SystemPrompt,
		CodeExecution: q.CodeExecution,
		Tools:         q.Tools,
		KBVectorDBID:  q.KBVectorDBID,
		KBSearchK:     q.KBSearchK,
	}

	if len(q.Specs) > 0 {
		if err := json.Unmarshal(q.Specs, &a.Specs); err != nil {
			return nil, agent.NewConfigError("invalid specs: %v", err)
		}
	}
	if len(q.MCPServers) > 0 {
		servers, err := mcp.NormalizeServers(q.MCPServers)
		if err != nil {
			return nil, agent.NewConfigError("invalid mcp_servers: %v", err)
		}
		a.MCPServers = servers
	}

	// A bare assistant id means the definition lives on the platform.
	if a.Model == "" && a.AssistantID != "" {
		fetched, err := s.etendo.GetStructure(ctx, a.AssistantID)
		if err != nil {
			return nil, err
		}
		return fetched, nil
	}

	return a, nil
}

func (s *Server) handleQuestion(w http.ResponseWriter, r *http.Request) {
	var q protocol.Question
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if q.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	ctx := r.Context()
	conversationID := bindRequest(ctx, q.ConversationID, q.ExtraInfo)

	executor, err := s.buildExecutor(ctx, &q)
	if err != nil {
		writeFailure(w, err)
		return
	}
	defer executor.Close()

	answer, err := executor.Invoke(ctx, executor.BuildMessages(q.Question, q.History, q.LocalFileIDs))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answerResponse{Answer: protocol.AnswerEvent(conversationID, answer)})
}

func (s *Server) handleQuestionStream(w http.ResponseWriter, r *http.Request) {
	var q protocol.Question
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if q.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	ctx := r.Context()
	conversationID := bindRequest(ctx, q.ConversationID, q.ExtraInfo)

	executor, err := s.buildExecutor(ctx, &q)
	if err != nil {
		writeFailure(w, err)
		return
	}
	defer executor.Close()

	events := executor.Stream(ctx, executor.BuildMessages(q.Question, q.History, q.LocalFileIDs))
	if r.URL.Query().Get("format") == "openai" {
		s.streamOpenAI(ctx, w, executor.ModelName(), events)
		return
	}
	s.streamEvents(w, conversationID, events)
}

func (s *Server) buildExecutor(ctx context.Context, q *protocol.Question) (*agent.Executor, error) {
	assistant, err := s.resolveAssistant(ctx, q)
	if err != nil {
		return nil, err
	}
	return agent.New(ctx, s.cfg, assistant, s.dependencies())
}

// graphAssistant assembles the supervisor definition from the inbound
// multi-agent request.
func graphAssistant(q *protocol.GraphQuestion) (*config.AssistantConfig, error) {
	a := &config.AssistantConfig{
		Name:         "graph",
		Type:         config.AssistantTypeMultiAgent,
		SystemPrompt: q.SystemPrompt,
	}
	if len(q.Assistants) > 0 {
		if err := json.Unmarshal(q.Assistants, &a.Assistants); err != nil {
			return nil, agent.NewConfigError("invalid assistants: %v", err)
		}
	}
	if len(a.Assistants) == 0 {
		return nil, agent.NewConfigError("graph request requires at least one assistant")
	}
	if len(q.Graph) > 0 {
		if err := json.Unmarshal(q.Graph, &a.Graph); err != nil {
			return nil, agent.NewConfigError("invalid graph: %v", err)
		}
	}
	return a, nil
}

func (s *Server) buildRunner(ctx context.Context, q *protocol.GraphQuestion) (*graph.Runner, error) {
	assistant, err := graphAssistant(q)
	if err != nil {
		return nil, err
	}
	g, err := graph.Compile(ctx, s.cfg, assistant, s.dependencies())
	if err != nil {
		return nil, err
	}
	return graph.NewRunner(s.cfg, g, s.store), nil
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	var q protocol.GraphQuestion
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if q.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	ctx := r.Context()
	conversationID := bindRequest(ctx, q.ConversationID, q.ExtraInfo)

	runner, err := s.buildRunner(ctx, &q)
	if err != nil {
		writeFailure(w, err)
		return
	}

	answer, err := runner.Run(ctx, conversationID,
		agent.BuildUserTurn(q.Question, q.LocalFileIDs),
		func(protocol.AssistantResponse) {})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, answerResponse{Answer: protocol.AnswerEvent(conversationID, answer)})
}

func (s *Server) handleGraphStream(w http.ResponseWriter, r *http.Request) {
	var q protocol.GraphQuestion
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if q.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	ctx := r.Context()
	conversationID := bindRequest(ctx, q.ConversationID, q.ExtraInfo)

	runner, err := s.buildRunner(ctx, &q)
	if err != nil {
		writeFailure(w, err)
		return
	}

	s.streamEvents(w, conversationID, runner.Stream(ctx, conversationID, agent.BuildUserTurn(q.Question, q.LocalFileIDs)))
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	list := s.registry.List()
	infos := make([]tools.ToolInfo, 0, len(list))
	for _, t := range list {
		infos = append(infos, t.GetInfo())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"answer": infos})
}

// streamEvents frames the event channel as SSE. A terminal error arrives
// as the last answer event so clients never see a silent drop.
func (s *Server) streamEvents(w http.ResponseWriter, conversationID string, events <-chan protocol.AssistantResponse) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sw := protocol.NewSSEWriter(w)
	for ev := range events {
		if ev.Role == protocol.EventRoleError {
			final := protocol.AnswerEvent(conversationID, errorEnvelopeText(http.StatusInternalServerError, ev.Response))
			if err := sw.Send(final); err != nil {
				slog.Warn("Failed to send terminal error event", "error", err)
			}
			break
		}
		if ev.Role == protocol.EventRoleDebug && !s.cfg.StreamDebug {
			continue
		}
		if err := sw.Send(ev); err != nil {
			slog.Warn("Client disconnected mid-stream", "error", err)
			return
		}
	}
	if err := sw.Done(); err != nil {
		slog.Debug("Failed to send stream terminator", "error", err)
	}
}

// streamOpenAI bridges the event stream into OpenAI chat-completion
// chunks for callers that consume the /aquestion endpoint with
// format=openai.
func (s *Server) streamOpenAI(ctx context.Context, w http.ResponseWriter, model string, events <-chan protocol.AssistantResponse) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	sw := protocol.NewSSEWriter(w)
	id := "chatcmpl-" + uuid.NewString()

	for ev := range events {
		switch ev.Role {
		case protocol.EventRoleAnswer:
			if err := sw.SendJSON(protocol.NewOpenAIChunk(id, model, ev.Response, "")); err != nil {
				return
			}
		case protocol.EventRoleError:
			if err := sw.SendJSON(protocol.NewOpenAIChunk(id, model, errorEnvelopeText(http.StatusInternalServerError, ev.Response), "")); err != nil {
				return
			}
		default:
			// Tool and node progress have no delta representation.
		}
	}

	final := protocol.NewOpenAIChunk(id, model, "", "stop")
	if c := requestctx.From(ctx); c != nil {
		usage := c.UsageSnapshot()
		final.Usage = &protocol.OpenAIUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		}
	}
	if err := sw.SendJSON(final); err != nil {
		return
	}
	if err := sw.Done(); err != nil {
		slog.Debug("Failed to send stream terminator", "error", err)
	}
}
