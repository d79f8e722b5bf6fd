package mcp

import "strings"

// browserUserAgent is sent to servers that gate on user agents. Library
// defaults like Go-http-client get rejected by some gateways.
const browserUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

var genericAgentPrefixes = []string{
	"go-http-client",
	"python-",
	"curl/",
	"okhttp",
}

// EnrichHeaders fills in the headers HTTP MCP servers expect: a browser
// user agent when none or a library default is set, an Accept covering
// both JSON and SSE, and a JSON content type.
func EnrichHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+3)
	for key, value := range headers {
		out[key] = value
	}

	if isGenericAgent(out["User-Agent"]) {
		out["User-Agent"] = browserUserAgent
	}
	if accept, ok := out["Accept"]; !ok || !strings.Contains(accept, "text/event-stream") {
		out["Accept"] = "application/json, text/event-stream"
	}
	if _, ok := out["Content-Type"]; !ok {
		out["Content-Type"] = "application/json"
	}
	return out
}

func isGenericAgent(agent string) bool {
	if agent == "" {
		return true
	}
	lower := strings.ToLower(agent)
	for _, prefix := range genericAgentPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
