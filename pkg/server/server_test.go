package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/etendosoftware/copilot/pkg/config"
	"github.com/etendosoftware/copilot/pkg/etendo"
	"github.com/etendosoftware/copilot/pkg/kb"
	"github.com/etendosoftware/copilot/pkg/protocol"
	"github.com/etendosoftware/copilot/pkg/requestctx"
	"github.com/etendosoftware/copilot/pkg/tools"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	t.Setenv("COPILOT_DOCKER", "false")
	t.Setenv("OPENAI_API_KEY", "test-key")
	t.Chdir(t.TempDir())

	cfg := config.Load()
	s := &Server{
		cfg:      cfg,
		registry: tools.NewToolRegistry(cfg),
		kb:       kb.NewManager(cfg, nil, nil),
		etendo:   etendo.NewClient(cfg),
	}
	s.router = s.routes()
	return s
}

func postJSON(t *testing.T, s *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestQuestionRejectsInvalidJSON(t *testing.T) {
	s := newTestServer(t)

	rec := postJSON(t, s, "/question", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Error.Code != http.StatusBadRequest {
		t.Errorf("envelope code = %d, want 400", body.Error.Code)
	}
	if body.Error.Message == "" {
		t.Error("expected a message in the error envelope")
	}
}

func TestQuestionRequiresQuestionText(t *testing.T) {
	s := newTestServer(t)

	rec := postJSON(t, s, "/question", `{"question":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if msg := decodeError(t, rec).Error.Message; !strings.Contains(msg, "question is required") {
		t.Errorf("unexpected message: %q", msg)
	}
}

func TestGraphRequiresAssistants(t *testing.T) {
	s := newTestServer(t)

	rec := postJSON(t, s, "/graph", `{"question":"hello"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if msg := decodeError(t, rec).Error.Message; !strings.Contains(msg, "at least one assistant") {
		t.Errorf("unexpected message: %q", msg)
	}
}

func TestGraphRejectsMalformedAssistants(t *testing.T) {
	s := newTestServer(t)

	rec := postJSON(t, s, "/graph", `{"question":"hello","assistants":"nope"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestResetVectorDBRequiresID(t *testing.T) {
	s := newTestServer(t)

	rec := postJSON(t, s, "/ResetVectorDB", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestToolsEndpointListsRegistry(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/tools", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Answer []tools.ToolInfo `json:"answer"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode tools body: %v", err)
	}
	if len(body.Answer) == 0 {
		t.Fatal("expected builtin tools in the listing")
	}
	for _, info := range body.Answer {
		if info.Name == "" {
			t.Error("tool listed without a name")
		}
	}
}

func sseFrames(t *testing.T, body string) []string {
	t.Helper()
	var frames []string
	for _, part := range strings.Split(body, "\n\n") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.HasPrefix(part, "data: ") {
			t.Fatalf("frame without data prefix: %q", part)
		}
		frames = append(frames, strings.TrimPrefix(part, "data: "))
	}
	return frames
}

func TestStreamEventsForwardsAnswerAndTerminates(t *testing.T) {
	s := newTestServer(t)

	events := make(chan protocol.AssistantResponse, 2)
	events <- protocol.ToolEvent("conv-1", "SearchTool")
	events <- protocol.AnswerEvent("conv-1", "All done.")
	close(events)

	rec := httptest.NewRecorder()
	s.streamEvents(rec, "conv-1", events)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	frames := sseFrames(t, rec.Body.String())
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d: %v", len(frames), frames)
	}
	if frames[len(frames)-1] != "[DONE]" {
		t.Errorf("stream did not end with [DONE]: %q", frames[len(frames)-1])
	}

	var envelope protocol.AnswerEnvelope
	if err := json.Unmarshal([]byte(frames[1]), &envelope); err != nil {
		t.Fatalf("failed to decode answer frame: %v", err)
	}
	if envelope.Answer.Response != "All done." || envelope.Answer.Role != protocol.EventRoleAnswer {
		t.Errorf("unexpected answer frame: %+v", envelope.Answer)
	}
}

func TestStreamEventsTurnsErrorIntoFinalAnswer(t *testing.T) {
	s := newTestServer(t)

	events := make(chan protocol.AssistantResponse, 1)
	events <- protocol.ErrorEvent("conv-1", "provider exploded")
	close(events)

	rec := httptest.NewRecorder()
	s.streamEvents(rec, "conv-1", events)

	frames := sseFrames(t, rec.Body.String())
	if len(frames) != 2 {
		t.Fatalf("expected error frame plus [DONE], got %v", frames)
	}

	var envelope protocol.AnswerEnvelope
	if err := json.Unmarshal([]byte(frames[0]), &envelope); err != nil {
		t.Fatalf("failed to decode frame: %v", err)
	}
	if envelope.Answer.Role != protocol.EventRoleAnswer {
		t.Errorf("terminal error must arrive as an answer event, got role %q", envelope.Answer.Role)
	}

	var inner errorBody
	if err := json.Unmarshal([]byte(envelope.Answer.Response), &inner); err != nil {
		t.Fatalf("terminal answer is not an error envelope: %v", err)
	}
	if inner.Error.Code != http.StatusInternalServerError {
		t.Errorf("error code = %d, want 500", inner.Error.Code)
	}
	if !strings.Contains(inner.Error.Message, "provider exploded") {
		t.Errorf("error message lost: %q", inner.Error.Message)
	}
}

func TestStreamEventsDropsDebugByDefault(t *testing.T) {
	s := newTestServer(t)

	events := make(chan protocol.AssistantResponse, 2)
	events <- protocol.DebugEvent("conv-1", "raw dump")
	events <- protocol.AnswerEvent("conv-1", "done")
	close(events)

	rec := httptest.NewRecorder()
	s.streamEvents(rec, "conv-1", events)

	if strings.Contains(rec.Body.String(), "raw dump") {
		t.Error("debug event leaked without COPILOT_STREAM_DEBUG")
	}
}

func TestStreamOpenAIBridge(t *testing.T) {
	s := newTestServer(t)

	container := requestctx.New()
	container.AddUsage(3, 4)
	ctx := requestctx.With(t.Context(), container)

	events := make(chan protocol.AssistantResponse, 1)
	events <- protocol.AnswerEvent("conv-1", "Hello there")
	close(events)

	rec := httptest.NewRecorder()
	s.streamOpenAI(ctx, rec, "gpt-4o", events)

	frames := sseFrames(t, rec.Body.String())
	if len(frames) != 3 {
		t.Fatalf("expected delta, final and [DONE], got %v", frames)
	}

	var delta protocol.OpenAIChunk
	if err := json.Unmarshal([]byte(frames[0]), &delta); err != nil {
		t.Fatalf("failed to decode delta chunk: %v", err)
	}
	if delta.Choices[0].Delta.Content != "Hello there" {
		t.Errorf("delta content = %q", delta.Choices[0].Delta.Content)
	}
	if delta.Model != "gpt-4o" {
		t.Errorf("model = %q", delta.Model)
	}

	var final protocol.OpenAIChunk
	if err := json.Unmarshal([]byte(frames[1]), &final); err != nil {
		t.Fatalf("failed to decode final chunk: %v", err)
	}
	if final.Choices[0].FinishReason == nil || *final.Choices[0].FinishReason != "stop" {
		t.Error("final chunk missing stop finish_reason")
	}
	if final.Usage == nil || final.Usage.TotalTokens != 7 {
		t.Errorf("usage = %+v, want total 7", final.Usage)
	}
}

func TestStatusForMapsTaxonomy(t *testing.T) {
	if got := statusFor(requestctx.ErrMissingEtendoToken); got != http.StatusUnauthorized {
		t.Errorf("missing token = %d, want 401", got)
	}
}
