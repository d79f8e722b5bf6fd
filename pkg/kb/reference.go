package kb

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/etendosoftware/copilot/pkg/tools"
)

// ReferenceTool looks up the stored image closest to a local file. Built
// per request next to the search tool when the assistant has a KB.
type ReferenceTool struct {
	manager   *Manager
	kbID      string
	threshold *float64
}

func NewReferenceTool(manager *Manager, kbID string, threshold *float64) *ReferenceTool {
	return &ReferenceTool{manager: manager, kbID: kbID, threshold: threshold}
}

func (t *ReferenceTool) GetName() string { return "FindSimilarReference" }

func (t *ReferenceTool) GetDescription() string {
	return "Find the stored reference image most similar to a local image file."
}

func (t *ReferenceTool) GetInfo() tools.ToolInfo {
	return tools.ToolInfo{
		Name:        t.GetName(),
		Description: t.GetDescription(),
		Parameters: []tools.ToolParameter{
			{Name: "image_path", Type: "string", Description: "Path to the local image file", Required: true},
		},
	}
}

func (t *ReferenceTool) Execute(ctx context.Context, args map[string]interface{}) (tools.ToolResult, error) {
	start := time.Now()

	path, _ := args["image_path"].(string)
	if path == "" {
		return tools.NewErrorResult(t.GetName(), "missing required parameter 'image_path'", time.Since(start)), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return tools.NewErrorResult(t.GetName(), fmt.Sprintf("failed to read %s: %v", path, err), time.Since(start)), nil
	}

	best, ok, err := t.manager.FindSimilarImage(ctx, t.kbID, data, t.threshold)
	if err != nil {
		return tools.NewErrorResult(t.GetName(), err.Error(), time.Since(start)), nil
	}
	if !ok {
		return tools.NewSuccessResult(t.GetName(), "No similar reference found.", time.Since(start)), nil
	}

	output := map[string]interface{}{
		"reference": best.Metadata["filename"],
		"score":     best.Score,
	}
	// The reference may no longer exist where it was ingested from.
	if refData, err := os.ReadFile(best.Metadata["filename"]); err == nil {
		output["base64"] = base64.StdEncoding.EncodeToString(refData)
	}

	result := tools.NewSuccessResult(t.GetName(), "", time.Since(start))
	result.Output = output
	return result, nil
}
