package tools

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/etendosoftware/copilot/pkg/logger"
)

// NewSuccessResult builds a success ToolResult.
func NewSuccessResult(toolName, content string, executionTime time.Duration) ToolResult {
	return ToolResult{
		Success:       true,
		Content:       content,
		ToolName:      toolName,
		ExecutionTime: executionTime,
	}
}

// NewErrorResult builds an error ToolResult. Tool failures are data, not
// process failures; the agent loop feeds them back to the model.
func NewErrorResult(toolName, errorMsg string, executionTime time.Duration) ToolResult {
	if errorMsg == "" {
		errorMsg = "unknown error"
	}
	return ToolResult{
		Success:       false,
		Error:         errorMsg,
		ToolName:      toolName,
		ExecutionTime: executionTime,
	}
}

// NormalizeOutput maps a raw tool payload onto the three standard output
// shapes: {message}, {content}, or {error}. Unknown shapes are stringified
// with a warning.
func NormalizeOutput(toolName string, raw interface{}) ToolResult {
	switch v := raw.(type) {
	case ToolResult:
		return v
	case string:
		return ToolResult{Success: true, Content: v, ToolName: toolName}
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			return ToolResult{Success: true, Content: msg, ToolName: toolName, Output: v}
		}
		if content, ok := v["content"].(string); ok {
			return ToolResult{Success: true, Content: content, ToolName: toolName, Output: v}
		}
		if errMsg, ok := v["error"].(string); ok {
			return ToolResult{Success: false, Error: errMsg, ToolName: toolName, Output: v}
		}
	case error:
		return ToolResult{Success: false, Error: v.Error(), ToolName: toolName}
	}

	logger.GetLogger().Warn("Tool returned unrecognized output shape, stringifying",
		"tool", toolName)

	encoded, err := json.Marshal(raw)
	if err != nil {
		return ToolResult{Success: true, Content: fmt.Sprint(raw), ToolName: toolName}
	}
	return ToolResult{Success: true, Content: string(encoded), ToolName: toolName}
}
