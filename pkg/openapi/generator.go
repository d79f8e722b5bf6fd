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
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/etendosoftware/copilot/pkg/config"
	"github.com/etendosoftware/copilot/pkg/etendo"
	"github.com/etendosoftware/copilot/pkg/httpclient"
	"github.com/etendosoftware/copilot/pkg/logger"
	"github.com/etendosoftware/copilot/pkg/tools"
)

const (
	maxToolNameLength    = 64
	maxDescriptionLength = 1024
)

var (
	invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
	underscoreRuns   = regexp.MustCompile(`_+`)
	pathParamPattern = regexp.MustCompile(`\{([^}/]+)\}`)
)

// paginationRenames maps the headless pagination parameters onto the names
// the model sees. All other underscore-prefixed parameters are private and
// skipped.
var paginationRenames = map[string]string{
	"_startRow": "startRow",
	"_endRow":   "endRow",
}

// Generator compiles OpenAPI documents into tools bound to their base URL.
type Generator struct {
	cfg    *config.Config
	etendo *etendo.Client
	client *httpclient.Client
}

func NewGenerator(cfg *config.Config, etendoClient *etendo.Client) *Generator {
	if cfg != nil && cfg.LegacyOpenAPITools {
		logger.GetLogger().Info("COPILOT_OLD_OPENAPI_TOOLS is set; a single generator serves both modes")
	}
	return &Generator{
		cfg:    cfg,
		etendo: etendoClient,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
			httpclient.WithMaxRetries(0),
		),
	}
}

// Generate compiles every operation in the document into a tool.
func (g *Generator) Generate(data []byte) ([]tools.Tool, error) {
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	baseURL, err := doc.BaseURL()
	if err != nil {
		return nil, err
	}

	tokenAuto := g.etendo != nil && g.etendo.MatchesHost(baseURL)

	paths := make([]string, 0, len(doc.Paths))
	for path := range doc.Paths {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	used := map[string]bool{}
	var out []tools.Tool
	for _, path := range paths {
		for _, mo := range doc.Paths[path].Operations() {
			tool, err := g.compile(doc, baseURL, path, mo, tokenAuto, used)
			if err != nil {
				logger.GetLogger().Warn("Skipping OpenAPI operation",
					"method", mo.Method, "path", path, "error", err)
				continue
			}
			out = append(out, tool)
		}
	}
	return out, nil
}

func (g *Generator) compile(doc *Document, baseURL, path string, mo MethodOperation, tokenAuto bool, used map[string]bool) (tools.Tool, error) {
	op := mo.Operation
	headless := g.cfg != nil && g.cfg.IsHeadlessPath(path)

	name := op.OperationID
	if name == "" {
		name = mo.Method + "_" + path
	}
	name = sanitizeToolName(name, used)

	description := op.Summary
	if op.Description != "" {
		if description != "" {
			description += "\n"
		}
		description += op.Description
	}
	if len(description) > maxDescriptionLength {
		description = description[:maxDescriptionLength]
	}

	t := &generatedTool{
		name:         name,
		description:  description,
		method:       mo.Method,
		baseURL:      baseURL,
		pathTemplate: path,
		headless:     headless,
		bulk:         headless && mo.Method == "POST",
		tokenAuto:    tokenAuto,
		locations:    map[string]paramLocation{},
		bodyFields:   map[string]bool{},
		client:       g.client,
		cfg:          g.cfg,
	}

	declared := map[string]bool{}
	for _, param := range op.Parameters {
		exposed, ok := exposedParamName(param.Name, headless)
		if !ok {
			continue
		}
		declared[param.Name] = true

		typ, nullable := doc.EffectiveType(param.Schema)
		required := param.Required && !nullable
		if param.In == "path" {
			required = true
		}
		t.params = append(t.params, tools.ToolParameter{
			Name:        exposed,
			Type:        typ,
			Description: param.Description,
			Required:    required,
		})
		t.locations[exposed] = paramLocation{In: param.In, WireName: param.Name}
	}

	// Path params the template uses but the operation never declares
	// still have to be filled in.
	for _, match := range pathParamPattern.FindAllStringSubmatch(path, -1) {
		paramName := match[1]
		if declared[paramName] {
			continue
		}
		t.params = append(t.params, tools.ToolParameter{
			Name:     paramName,
			Type:     "string",
			Required: true,
		})
		t.locations[paramName] = paramLocation{In: "path", WireName: paramName}
	}

	if body := doc.Resolve(op.RequestBody.JSONSchema()); len(body.Properties) > 0 {
		requiredSet := map[string]bool{}
		for _, field := range body.Required {
			requiredSet[field] = true
		}

		fields := make([]string, 0, len(body.Properties))
		for field := range body.Properties {
			fields = append(fields, field)
		}
		sort.Strings(fields)

		for _, field := range fields {
			exposed, ok := exposedParamName(field, headless)
			if !ok {
				continue
			}
			prop := doc.Resolve(body.Properties[field])
			typ, nullable := doc.EffectiveType(body.Properties[field])

			param := tools.ToolParameter{
				Name:        exposed,
				Type:        typ,
				Description: prop.Description,
				Required:    requiredSet[field] && !nullable,
			}
			if typ == "array" && prop.Items != nil {
				itemType, _ := doc.EffectiveType(prop.Items)
				param.Items = map[string]interface{}{"type": itemType}
			}
			if typ == "object" && len(prop.Properties) > 0 {
				param.Properties = objectProperties(doc, prop)
			}
			t.params = append(t.params, param)
			t.bodyFields[exposed] = true
			t.locations[exposed] = paramLocation{In: "body", WireName: field}
		}
	}

	if t.bulk {
		t.params = append(t.params, tools.ToolParameter{
			Name:        "records",
			Type:        "array",
			Description: "Multiple records for a bulk insert. When set, individual body fields are ignored.",
			Items:       map[string]interface{}{"type": "object"},
		})
	}

	if !tokenAuto {
		t.params = append(t.params, tools.ToolParameter{
			Name:        "token",
			Type:        "string",
			Description: "Bearer token for the target API, if it requires one",
		})
		t.locations["token"] = paramLocation{In: "token", WireName: "token"}
	}

	return t, nil
}

// objectProperties renders nested object properties recursively for the
// model's schema.
func objectProperties(doc *Document, s *Schema) map[string]interface{} {
	out := make(map[string]interface{}, len(s.Properties))
	for field, prop := range s.Properties {
		prop = doc.Resolve(prop)
		typ, _ := doc.EffectiveType(prop)
		entry := map[string]interface{}{"type": typ}
		if prop.Description != "" {
			entry["description"] = prop.Description
		}
		if typ == "object" && len(prop.Properties) > 0 {
			entry["properties"] = objectProperties(doc, prop)
		}
		if typ == "array" && prop.Items != nil {
			itemType, _ := doc.EffectiveType(prop.Items)
			entry["items"] = map[string]interface{}{"type": itemType}
		}
		out[field] = entry
	}
	return out
}

// exposedParamName applies the underscore-privacy rule: underscore params
// are hidden except the headless pagination pair, which is renamed.
func exposedParamName(name string, headless bool) (string, bool) {
	if !strings.HasPrefix(name, "_") {
		return name, true
	}
	if headless {
		if renamed, ok := paginationRenames[name]; ok {
			return renamed, true
		}
	}
	return "", false
}

// sanitizeToolName maps a raw name onto [A-Za-z0-9_-], at most 64 chars.
// Truncation and collisions get a numeric suffix.
func sanitizeToolName(raw string, used map[string]bool) string {
	name := invalidNameChars.ReplaceAllString(raw, "_")
	name = underscoreRuns.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = "operation"
	}

	truncated := false
	if len(name) > maxToolNameLength {
		name = name[:maxToolNameLength]
		truncated = true
	}

	if !truncated && !used[name] {
		used[name] = true
		return name
	}

	for counter := 1; ; counter++ {
		suffix := fmt.Sprintf("_%d", counter)
		candidate := name
		if len(candidate)+len(suffix) > maxToolNameLength {
			candidate = candidate[:maxToolNameLength-len(suffix)]
		}
		candidate += suffix
		if !used[candidate] {
			used[candidate] = true
			return candidate
		}
	}
}
