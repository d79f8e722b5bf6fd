// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/etendosoftware/copilot/pkg/config"
	"github.com/etendosoftware/copilot/pkg/httpclient"
	"github.com/etendosoftware/copilot/pkg/logger"
	"github.com/etendosoftware/copilot/pkg/tools"
)

const (
	protocolVersion    = "2024-11-05"
	clientName         = "etendo-copilot"
	clientVersion      = "1.0.0"
	defaultSSETimeout  = 5 * time.Minute
	defaultHTTPTimeout = 30 * time.Second
)

// Connection holds one live MCP server connection and the tools it
// exposes. Stdio servers run through mcp-go; HTTP servers speak JSON-RPC
// through the retrying http client, with SSE responses supported.
type Connection struct {
	cfg     config.MCPServerConfig
	headers map[string]string

	mu         sync.Mutex
	stdio      *client.Client
	httpClient *httpclient.Client
	sessionID  string
	tools      []tools.Tool
}

// FetchTools connects to every configured server and collects their
// tools. A server that cannot be reached contributes nothing; the request
// goes on with the rest.
func FetchTools(ctx context.Context, servers []config.MCPServerConfig) []tools.Tool {
	var out []tools.Tool
	for _, server := range servers {
		conn, err := Connect(ctx, server)
		if err != nil {
			logger.GetLogger().Warn("Failed to connect to MCP server",
				"server", server.Name, "error", err)
			continue
		}
		out = append(out, conn.Tools()...)
	}
	return out
}

// Connect establishes the connection and lists the server's tools.
func Connect(ctx context.Context, cfg config.MCPServerConfig) (*Connection, error) {
	c := &Connection{
		cfg:     cfg,
		headers: EnrichHeaders(cfg.Headers),
	}

	var err error
	if cfg.Command != "" || cfg.Transport == "stdio" {
		err = c.connectStdio(ctx)
	} else {
		err = c.connectHTTP(ctx)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Tools returns the tools discovered at connect time.
func (c *Connection) Tools() []tools.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tools
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stdio != nil {
		err := c.stdio.Close()
		c.stdio = nil
		c.tools = nil
		return err
	}
	c.httpClient = nil
	c.tools = nil
	return nil
}

func (c *Connection) connectStdio(ctx context.Context) error {
	env := make([]string, 0, len(c.cfg.Env))
	for key, value := range c.cfg.Env {
		env = append(env, key+"="+value)
	}

	stdio, err := client.NewStdioMCPClient(c.cfg.Command, env, c.cfg.Args...)
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", c.cfg.Command, err)
	}

	if err := stdio.Start(ctx); err != nil {
		stdio.Close()
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	if _, err := stdio.Initialize(ctx, initReq); err != nil {
		stdio.Close()
		return fmt.Errorf("failed to initialize MCP session: %w", err)
	}

	listResp, err := stdio.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		stdio.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	var listed []tools.Tool
	for _, mcpTool := range listResp.Tools {
		listed = append(listed, &remoteTool{
			conn:        c,
			name:        mcpTool.Name,
			description: mcpTool.Description,
			parameters:  schemaToParameters(marshalSchema(mcpTool.InputSchema)),
			stdio:       true,
		})
	}

	c.mu.Lock()
	c.stdio = stdio
	c.tools = listed
	c.mu.Unlock()

	logger.GetLogger().Info("Connected to MCP server",
		"server", c.cfg.Name, "transport", "stdio", "tools", len(listed))
	return nil
}

func (c *Connection) connectHTTP(ctx context.Context) error {
	c.httpClient = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: defaultHTTPTimeout}),
		httpclient.WithMaxRetries(3),
	)

	initResp, err := c.rpc(ctx, "initialize", map[string]interface{}{
		"protocolVersion": protocolVersion,
		"clientInfo":      map[string]interface{}{"name": clientName, "version": clientVersion},
		"capabilities":    map[string]interface{}{},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize MCP session: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("MCP initialize error: %s", initResp.Error.Message)
	}

	listResp, err := c.rpc(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("MCP tools/list error: %s", listResp.Error.Message)
	}

	resultMap, _ := listResp.Result.(map[string]interface{})
	toolsList, _ := resultMap["tools"].([]interface{})

	var listed []tools.Tool
	for _, raw := range toolsList {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		description, _ := entry["description"].(string)
		schema, _ := entry["inputSchema"].(map[string]interface{})

		listed = append(listed, &remoteTool{
			conn:        c,
			name:        name,
			description: description,
			parameters:  schemaToParameters(schema),
		})
	}

	c.mu.Lock()
	c.tools = listed
	c.mu.Unlock()

	logger.GetLogger().Info("Connected to MCP server",
		"server", c.cfg.Name, "transport", "http", "url", c.cfg.URL, "tools", len(listed))
	return nil
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Connection) rpc(ctx context.Context, method string, params interface{}) (*rpcResponse, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	c.mu.Lock()
	if c.sessionID != "" {
		req.Header.Set("mcp-session-id", c.sessionID)
	}
	httpClient := c.httpClient
	c.mu.Unlock()

	if httpClient == nil {
		return nil, fmt.Errorf("connection is closed")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if sessionID := resp.Header.Get("mcp-session-id"); sessionID != "" {
		c.mu.Lock()
		c.sessionID = sessionID
		c.mu.Unlock()
	}

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d from MCP server: %s", resp.StatusCode, string(payload))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(resp.Body, defaultSSETimeout)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	out := &rpcResponse{}
	if err := json.Unmarshal(payload, out); err != nil {
		return nil, fmt.Errorf("failed to parse MCP response: %w", err)
	}
	return out, nil
}

// readSSEResponse returns the first complete JSON-RPC message carried by
// an SSE stream.
func readSSEResponse(body io.Reader, timeout time.Duration) (*rpcResponse, error) {
	type result struct {
		resp *rpcResponse
		err  error
	}
	resultChan := make(chan result, 1)

	go func() {
		reader := bufio.NewReader(body)
		var data strings.Builder

		flush := func() *rpcResponse {
			if data.Len() == 0 {
				return nil
			}
			resp := &rpcResponse{}
			if err := json.Unmarshal([]byte(data.String()), resp); err != nil {
				data.Reset()
				return nil
			}
			return resp
		}

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if resp := flush(); resp != nil {
					resultChan <- result{resp: resp}
					return
				}
				resultChan <- result{err: fmt.Errorf("SSE stream ended without a complete message")}
				return
			}

			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				if resp := flush(); resp != nil {
					resultChan <- result{resp: resp}
					return
				}
				continue
			}
			if strings.HasPrefix(trimmed, "data:") {
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
			}
		}
	}()

	select {
	case res := <-resultChan:
		return res.resp, res.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out reading SSE response after %v", timeout)
	}
}

// remoteTool adapts one MCP tool to the local tool contract.
type remoteTool struct {
	conn        *Connection
	name        string
	description string
	parameters  []tools.ToolParameter
	stdio       bool
}

func (t *remoteTool) GetName() string        { return t.name }
func (t *remoteTool) GetDescription() string { return t.description }

func (t *remoteTool) GetInfo() tools.ToolInfo {
	return tools.ToolInfo{
		Name:        t.name,
		Description: t.description,
		Parameters:  t.parameters,
		ServerURL:   t.conn.cfg.URL,
	}
}

func (t *remoteTool) Execute(ctx context.Context, args map[string]interface{}) (tools.ToolResult, error) {
	raw, err := t.call(ctx, args)
	if err != nil {
		return tools.NewErrorResult(t.name, err.Error(), 0), nil
	}
	return tools.NormalizeOutput(t.name, raw), nil
}

func (t *remoteTool) call(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.stdio {
		return t.callStdio(ctx, args)
	}
	return t.callHTTP(ctx, args)
}

func (t *remoteTool) callStdio(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	t.conn.mu.Lock()
	stdio := t.conn.stdio
	t.conn.mu.Unlock()
	if stdio == nil {
		return nil, fmt.Errorf("MCP connection is closed")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = args

	resp, err := stdio.CallTool(ctx, req)
	if err != nil {
		return nil, err
	}

	texts := make([]string, 0, len(resp.Content))
	for _, content := range resp.Content {
		if text, ok := content.(mcp.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}
	joined := strings.Join(texts, "\n")
	if resp.IsError {
		return map[string]interface{}{"error": orUnknown(joined)}, nil
	}
	return map[string]interface{}{"message": joined}, nil
}

func (t *remoteTool) callHTTP(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	resp, err := t.conn.rpc(ctx, "tools/call", map[string]interface{}{
		"name":      t.name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return map[string]interface{}{"error": resp.Error.Message}, nil
	}

	resultMap, ok := resp.Result.(map[string]interface{})
	if !ok {
		encoded, _ := json.Marshal(resp.Result)
		return map[string]interface{}{"message": string(encoded)}, nil
	}

	var texts []string
	if content, ok := resultMap["content"].([]interface{}); ok {
		for _, item := range content {
			entry, ok := item.(map[string]interface{})
			if !ok || entry["type"] != "text" {
				continue
			}
			if text, ok := entry["text"].(string); ok {
				texts = append(texts, text)
			}
		}
	}
	joined := strings.Join(texts, "\n")

	if isError, _ := resultMap["isError"].(bool); isError {
		return map[string]interface{}{"error": orUnknown(joined)}, nil
	}
	return map[string]interface{}{"message": joined}, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown error"
	}
	return s
}

func marshalSchema(schema mcp.ToolInputSchema) map[string]interface{} {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// schemaToParameters maps a JSON schema object onto the parameter list
// the local tool contract uses.
func schemaToParameters(schema map[string]interface{}) []tools.ToolParameter {
	properties, _ := schema["properties"].(map[string]interface{})
	if len(properties) == 0 {
		return nil
	}

	requiredSet := map[string]bool{}
	if required, ok := schema["required"].([]interface{}); ok {
		for _, field := range required {
			if name, ok := field.(string); ok {
				requiredSet[name] = true
			}
		}
	}

	out := make([]tools.ToolParameter, 0, len(properties))
	for name, raw := range properties {
		prop, _ := raw.(map[string]interface{})
		param := tools.ToolParameter{Name: name, Required: requiredSet[name]}
		if typ, ok := prop["type"].(string); ok {
			param.Type = typ
		} else {
			param.Type = "string"
		}
		if description, ok := prop["description"].(string); ok {
			param.Description = description
		}
		if items, ok := prop["items"].(map[string]interface{}); ok {
			param.Items = items
		}
		if nested, ok := prop["properties"].(map[string]interface{}); ok {
			param.Properties = nested
		}
		out = append(out, param)
	}
	return out
}
