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

// Package openapi compiles OpenAPI documents into executable tools.
package openapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the subset of an OpenAPI 3.x document the generator needs.
type Document struct {
	Servers    []Server            `json:"servers" yaml:"servers"`
	Paths      map[string]PathItem `json:"paths" yaml:"paths"`
	Components *Components         `json:"components" yaml:"components"`
}

type Server struct {
	URL string `json:"url" yaml:"url"`
}

type PathItem struct {
	Get    *Operation `json:"get" yaml:"get"`
	Post   *Operation `json:"post" yaml:"post"`
	Put    *Operation `json:"put" yaml:"put"`
	Delete *Operation `json:"delete" yaml:"delete"`
}

// Operations returns the defined operations keyed by upper-case method,
// in a stable order.
func (p PathItem) Operations() []MethodOperation {
	var out []MethodOperation
	if p.Get != nil {
		out = append(out, MethodOperation{"GET", p.Get})
	}
	if p.Post != nil {
		out = append(out, MethodOperation{"POST", p.Post})
	}
	if p.Put != nil {
		out = append(out, MethodOperation{"PUT", p.Put})
	}
	if p.Delete != nil {
		out = append(out, MethodOperation{"DELETE", p.Delete})
	}
	return out
}

type MethodOperation struct {
	Method    string
	Operation *Operation
}

type Operation struct {
	OperationID string       `json:"operationId" yaml:"operationId"`
	Summary     string       `json:"summary" yaml:"summary"`
	Description string       `json:"description" yaml:"description"`
	Parameters  []Parameter  `json:"parameters" yaml:"parameters"`
	RequestBody *RequestBody `json:"requestBody" yaml:"requestBody"`
}

type Parameter struct {
	Name        string  `json:"name" yaml:"name"`
	In          string  `json:"in" yaml:"in"`
	Description string  `json:"description" yaml:"description"`
	Required    bool    `json:"required" yaml:"required"`
	Schema      *Schema `json:"schema" yaml:"schema"`
}

type RequestBody struct {
	Required bool                 `json:"required" yaml:"required"`
	Content  map[string]MediaType `json:"content" yaml:"content"`
}

// JSONSchema returns the application/json schema, or nil.
func (b *RequestBody) JSONSchema() *Schema {
	if b == nil {
		return nil
	}
	media, ok := b.Content["application/json"]
	if !ok {
		return nil
	}
	return media.Schema
}

type MediaType struct {
	Schema *Schema `json:"schema" yaml:"schema"`
}

type Schema struct {
	Ref         string             `json:"$ref" yaml:"$ref"`
	Type        string             `json:"type" yaml:"type"`
	Description string             `json:"description" yaml:"description"`
	Properties  map[string]*Schema `json:"properties" yaml:"properties"`
	Items       *Schema            `json:"items" yaml:"items"`
	Required    []string           `json:"required" yaml:"required"`
	Nullable    bool               `json:"nullable" yaml:"nullable"`
	AnyOf       []*Schema          `json:"anyOf" yaml:"anyOf"`
	Enum        []interface{}      `json:"enum" yaml:"enum"`
}

type Components struct {
	Schemas map[string]*Schema `json:"schemas" yaml:"schemas"`
}

// ParseDocument reads a JSON or YAML OpenAPI document.
func ParseDocument(data []byte) (*Document, error) {
	doc := &Document{}
	if err := json.Unmarshal(data, doc); err != nil {
		if yamlErr := yaml.Unmarshal(data, doc); yamlErr != nil {
			return nil, fmt.Errorf("document is neither valid JSON (%v) nor YAML (%v)", err, yamlErr)
		}
	}
	if len(doc.Paths) == 0 {
		return nil, fmt.Errorf("document declares no paths")
	}
	return doc, nil
}

// BaseURL is the first declared server URL.
func (d *Document) BaseURL() (string, error) {
	if len(d.Servers) == 0 || d.Servers[0].URL == "" {
		return "", fmt.Errorf("document declares no servers")
	}
	return strings.TrimRight(d.Servers[0].URL, "/"), nil
}

const refPrefix = "#/components/schemas/"

// Resolve follows a $ref chain to a concrete schema. Unknown refs and
// cycles resolve to an empty schema rather than failing compilation.
func (d *Document) Resolve(s *Schema) *Schema {
	seen := map[string]bool{}
	for s != nil && s.Ref != "" {
		name := strings.TrimPrefix(s.Ref, refPrefix)
		if seen[name] || d.Components == nil {
			return &Schema{}
		}
		seen[name] = true
		next, ok := d.Components.Schemas[name]
		if !ok {
			return &Schema{}
		}
		s = next
	}
	if s == nil {
		return &Schema{}
	}
	return s
}

// EffectiveType reports the concrete type of a schema and whether null is
// one of its alternatives. anyOf resolves to the first non-null branch.
func (d *Document) EffectiveType(s *Schema) (typ string, nullable bool) {
	s = d.Resolve(s)
	if s.Nullable {
		nullable = true
	}
	if len(s.AnyOf) > 0 {
		for _, branch := range s.AnyOf {
			branch = d.Resolve(branch)
			if branch.Type == "null" {
				nullable = true
				continue
			}
			if typ == "" {
				typ = branch.Type
			}
		}
	}
	if typ == "" {
		typ = s.Type
	}
	if typ == "" || typ == "null" {
		typ = "string"
	}
	return typ, nullable
}
