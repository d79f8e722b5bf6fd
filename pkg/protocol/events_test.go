package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestSSEFraming(t *testing.T) {
	var buf bytes.Buffer
	w := NewSSEWriter(&buf)

	if err := w.Send(AnswerEvent("conv-1", "hello")); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := w.Done(); err != nil {
		t.Fatalf("done failed: %v", err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "data: {") {
		t.Errorf("missing data prefix: %q", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Errorf("missing terminal marker: %q", out)
	}

	frames := strings.Split(strings.TrimSuffix(out, "\n\n"), "\n\n")
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}

	var envelope AnswerEnvelope
	payload := strings.TrimPrefix(frames[0], "data: ")
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if envelope.Answer.Response != "hello" {
		t.Errorf("got response %q", envelope.Answer.Response)
	}
	if envelope.Answer.Role != EventRoleAnswer {
		t.Errorf("got role %q", envelope.Answer.Role)
	}
	if envelope.Answer.ConversationID != "conv-1" {
		t.Errorf("got conversation id %q", envelope.Answer.ConversationID)
	}
}

func TestEventRoles(t *testing.T) {
	if ToolEvent("c", "CalcTool").Role != EventRoleTool {
		t.Error("tool event role mismatch")
	}
	if NodeEvent("c", "working").Role != EventRoleNode {
		t.Error("node event role mismatch")
	}
	if DebugEvent("c", "dump").Role != EventRoleDebug {
		t.Error("debug event role mismatch")
	}
	if ErrorEvent("c", "boom").Role != EventRoleError {
		t.Error("error event role mismatch")
	}
}

func TestOpenAIChunkFinishReason(t *testing.T) {
	chunk := NewOpenAIChunk("id-1", "gpt-4o", "partial", "")
	if chunk.Choices[0].FinishReason != nil {
		t.Error("intermediate chunk should have nil finish_reason")
	}

	final := NewOpenAIChunk("id-1", "gpt-4o", "", "stop")
	if final.Choices[0].FinishReason == nil || *final.Choices[0].FinishReason != "stop" {
		t.Error("final chunk should carry finish_reason stop")
	}

	data, err := json.Marshal(chunk)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"finish_reason":null`) {
		t.Errorf("finish_reason must serialize as null: %s", data)
	}
}

func TestMessageText(t *testing.T) {
	m := &Message{Parts: []ContentPart{
		{Type: "text", Text: "first"},
		{Type: "image_url", ImageURL: &ImageURL{URL: "data:image/png;base64,xx"}},
		{Type: "text", Text: "second"},
	}}
	if got := m.Text(); got != "first\nsecond" {
		t.Errorf("got %q", got)
	}
}
