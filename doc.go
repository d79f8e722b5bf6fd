// Package copilot is the Etendo copilot backend: a multi-agent
// orchestration service exposing single-agent and supervisor-graph
// question answering over HTTP with SSE streaming.
//
// # Quick Start
//
// Install the server:
//
//	go install github.com/etendosoftware/copilot/cmd/copilot@latest
//
// Configure it through the environment (an .env file next to the binary
// is loaded automatically):
//
//	OPENAI_API_KEY=sk-...
//	ETENDO_HOST_DOCKER=http://host.docker.internal:8080/etendo
//	COPILOT_PORT=5005
//
// Start it:
//
//	copilot serve
//
// Then ask a question:
//
//	curl -X POST localhost:5005/question \
//	  -d '{"question":"hello","provider":"openai","model":"gpt-4o","system_prompt":"You are helpful."}'
//
// # Packages
//
// The service is assembled from the packages under pkg/: config and
// assistant definitions (pkg/config), the LLM provider registry
// (pkg/llms), the tool registry and built-ins (pkg/tools), OpenAPI and
// MCP tool generation (pkg/openapi, pkg/mcp), knowledge bases (pkg/kb,
// pkg/vector, pkg/embedders), the single-agent executor (pkg/agent), the
// supervisor graph (pkg/graph, pkg/checkpoint) and the HTTP surface
// (pkg/server, pkg/protocol).
package copilot
