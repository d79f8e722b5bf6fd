// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package openapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/etendosoftware/copilot/pkg/config"
	"github.com/etendosoftware/copilot/pkg/httpclient"
	"github.com/etendosoftware/copilot/pkg/requestctx"
	"github.com/etendosoftware/copilot/pkg/tools"
)

type paramLocation struct {
	In       string
	WireName string
}

// generatedTool is one compiled OpenAPI operation. Execution captures the
// method, base URL, path template and parameter locations; there is no
// runtime code emission.
type generatedTool struct {
	name         string
	description  string
	method       string
	baseURL      string
	pathTemplate string
	params       []tools.ToolParameter
	locations    map[string]paramLocation
	bodyFields   map[string]bool
	headless     bool
	bulk         bool
	tokenAuto    bool
	client       *httpclient.Client
	cfg          *config.Config
}

func (t *generatedTool) GetName() string        { return t.name }
func (t *generatedTool) GetDescription() string { return t.description }

func (t *generatedTool) GetInfo() tools.ToolInfo {
	return tools.ToolInfo{
		Name:        t.name,
		Description: t.description,
		Parameters:  t.params,
		ServerURL:   t.baseURL,
	}
}

func (t *generatedTool) Execute(ctx context.Context, args map[string]interface{}) (tools.ToolResult, error) {
	start := time.Now()

	reqURL, err := t.buildURL(args)
	if err != nil {
		return tools.NewErrorResult(t.name, err.Error(), time.Since(start)), nil
	}

	var bodyReader io.Reader
	if t.method == "POST" || t.method == "PUT" {
		payload, err := t.buildBody(args)
		if err != nil {
			return tools.NewErrorResult(t.name, err.Error(), time.Since(start)), nil
		}
		if payload != nil {
			encoded, err := json.Marshal(payload)
			if err != nil {
				return tools.NewErrorResult(t.name, fmt.Sprintf("failed to encode body: %v", err), time.Since(start)), nil
			}
			bodyReader = bytes.NewReader(encoded)
		}
	}

	req, err := http.NewRequestWithContext(ctx, t.method, reqURL, bodyReader)
	if err != nil {
		return tools.NewErrorResult(t.name, err.Error(), time.Since(start)), nil
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	for exposed, loc := range t.locations {
		if loc.In != "header" {
			continue
		}
		if value, ok := args[exposed]; ok {
			req.Header.Set(loc.WireName, fmt.Sprint(value))
		}
	}

	if token := t.resolveToken(ctx, args); token != "" {
		req.Header.Set("Authorization", requestctx.NormalizeBearer(token))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return tools.NewErrorResult(t.name, err.Error(), time.Since(start)), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return tools.NewErrorResult(t.name, err.Error(), time.Since(start)), nil
	}
	body := decodeBody(raw)

	if resp.StatusCode >= 400 {
		return tools.NewErrorResult(t.name,
			fmt.Sprintf("request failed with status %d: %s", resp.StatusCode, body), time.Since(start)), nil
	}

	if t.simpleModeApplies() {
		return tools.NewSuccessResult(t.name, simpleModeSummary(body), time.Since(start)), nil
	}
	return tools.NewSuccessResult(t.name, body, time.Since(start)), nil
}

// resolveToken prefers the request-context token when the target is the
// configured Etendo host, otherwise the explicit token argument.
func (t *generatedTool) resolveToken(ctx context.Context, args map[string]interface{}) string {
	if t.tokenAuto {
		if token, err := requestctx.EtendoToken(ctx); err == nil {
			return token
		}
		return ""
	}
	token, _ := args["token"].(string)
	return token
}

func (t *generatedTool) buildURL(args map[string]interface{}) (string, error) {
	path := t.pathTemplate
	query := url.Values{}

	for exposed, loc := range t.locations {
		value, ok := args[exposed]
		if !ok {
			continue
		}
		switch loc.In {
		case "path":
			path = strings.ReplaceAll(path, "{"+loc.WireName+"}",
				url.PathEscape(fmt.Sprint(value)))
		case "query":
			query.Set(loc.WireName, fmt.Sprint(value))
		}
	}

	if missing := pathParamPattern.FindString(path); missing != "" {
		return "", fmt.Errorf("missing required path parameter %s", missing)
	}

	full := t.baseURL + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	return full, nil
}

// buildBody serializes only the fields the caller provided, so headless
// partial updates never overwrite server state with nulls. Bulk inserts
// pass records through as an array.
func (t *generatedTool) buildBody(args map[string]interface{}) (interface{}, error) {
	if t.bulk {
		if records, ok := args["records"].([]interface{}); ok && len(records) > 0 {
			return expandBase64Markers(records)
		}
	}

	body := map[string]interface{}{}
	for exposed, value := range args {
		if !t.bodyFields[exposed] {
			continue
		}
		wire := t.locations[exposed].WireName
		body[wire] = value
	}
	if len(body) == 0 {
		return nil, nil
	}
	return expandBase64Markers(body)
}

var base64MarkerPattern = regexp.MustCompile(`@BASE64_([^@]+)@`)

// expandBase64Markers replaces @BASE64_<path>@ markers anywhere in the
// payload with the base64 of the file at that path.
func expandBase64Markers(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		matches := base64MarkerPattern.FindStringSubmatch(v)
		if matches == nil {
			return v, nil
		}
		data, err := os.ReadFile(matches[1])
		if err != nil {
			return nil, fmt.Errorf("failed to read file for base64 payload: %w", err)
		}
		return strings.Replace(v, matches[0], base64.StdEncoding.EncodeToString(data), 1), nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			expanded, err := expandBase64Markers(item)
			if err != nil {
				return nil, err
			}
			out[key] = expanded
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			expanded, err := expandBase64Markers(item)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	default:
		return value, nil
	}
}

// decodeBody interprets a response as UTF-8, falls back to latin-1, and
// wraps undecodable payloads in a base64 error envelope instead of
// failing.
func decodeBody(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}

	if !bytes.ContainsRune(raw, 0) {
		// latin-1 maps every byte to the code point of the same value.
		runes := make([]rune, len(raw))
		for i, b := range raw {
			runes[i] = rune(b)
		}
		return string(runes)
	}

	envelope, err := json.Marshal(map[string]string{
		"encoding_error": "response could not be decoded as text",
		"base64":         base64.StdEncoding.EncodeToString(raw),
	})
	if err != nil {
		return base64.StdEncoding.EncodeToString(raw)
	}
	return string(envelope)
}

func (t *generatedTool) simpleModeApplies() bool {
	return t.cfg != nil && t.cfg.SimpleMode && t.headless &&
		(t.method == "POST" || t.method == "PUT")
}

// simpleModeSummary reduces a datasource write response to a short
// confirmation carrying the created/updated record id.
func simpleModeSummary(body string) string {
	var parsed struct {
		Response struct {
			Data []map[string]interface{} `json:"data"`
		} `json:"response"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err == nil && len(parsed.Response.Data) > 0 {
		if id, ok := parsed.Response.Data[0]["id"]; ok {
			return fmt.Sprintf("Operation completed successfully. Record id: %v", id)
		}
	}
	return "Operation completed successfully."
}
