package kb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/etendosoftware/copilot/pkg/tools"
)

// SearchTool exposes a knowledge base to the model as a search tool.
// One instance is built per request for the assistant's configured KB.
type SearchTool struct {
	manager *Manager
	kbID    string
	k       int
}

func NewSearchTool(manager *Manager, kbID string, k int) *SearchTool {
	return &SearchTool{manager: manager, kbID: kbID, k: k}
}

func (t *SearchTool) GetName() string { return "KnowledgeBaseSearch" }

func (t *SearchTool) GetDescription() string {
	return "Search in the knowledge base for a term or question."
}

func (t *SearchTool) GetInfo() tools.ToolInfo {
	return tools.ToolInfo{
		Name:        t.GetName(),
		Description: t.GetDescription(),
		Parameters: []tools.ToolParameter{
			{Name: "query", Type: "string", Description: "Term or question to look up", Required: true},
		},
	}
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]interface{}) (tools.ToolResult, error) {
	start := time.Now()

	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return tools.NewErrorResult(t.GetName(), "missing required parameter 'query'", time.Since(start)), nil
	}

	results, err := t.manager.Search(ctx, t.kbID, query, t.k)
	if err != nil {
		return tools.NewErrorResult(t.GetName(), err.Error(), time.Since(start)), nil
	}
	if len(results) == 0 {
		return tools.NewSuccessResult(t.GetName(), "No results found.", time.Since(start)), nil
	}

	var b strings.Builder
	for i, res := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if filename := res.Metadata["filename"]; filename != "" {
			b.WriteString(fmt.Sprintf("[%s]\n", filename))
		}
		b.WriteString(res.Content)
	}
	return tools.NewSuccessResult(t.GetName(), b.String(), time.Since(start)), nil
}
