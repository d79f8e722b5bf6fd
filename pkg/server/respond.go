package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/etendosoftware/copilot/pkg/agent"
	"github.com/etendosoftware/copilot/pkg/graph"
	"github.com/etendosoftware/copilot/pkg/protocol"
	"github.com/etendosoftware/copilot/pkg/requestctx"
)

// errorBody is the structured error envelope returned on every failure.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: status, Message: message}})
}

// statusFor maps the error taxonomy onto HTTP statuses: validation
// problems 400, missing auth 401, everything else 500.
func statusFor(err error) int {
	var cfgErr *agent.ConfigError
	switch {
	case errors.Is(err, requestctx.ErrMissingEtendoToken):
		return http.StatusUnauthorized
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	var routing *graph.RoutingError
	if errors.As(err, &routing) {
		status = http.StatusInternalServerError
	}
	writeError(w, status, err.Error())
}

// errorEnvelopeText renders the terminal-error body streamed as the final
// answer of an SSE response.
func errorEnvelopeText(status int, message string) string {
	data, _ := json.Marshal(errorBody{Error: errorDetail{Code: status, Message: message}})
	return string(data)
}

// answerResponse is the synchronous endpoint body.
type answerResponse struct {
	Answer protocol.AssistantResponse `json:"answer"`
}
