package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Assistant types.
const (
	AssistantTypeSingle     = "single"
	AssistantTypeMultiAgent = "multi-agent"
)

// Spec types carried by an assistant. FLOW specs contain OpenAPI documents
// that are compiled into tools.
const (
	SpecTypeFlow = "FLOW"
)

var nodeLabelPattern = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SpecConfig is a typed blob attached to an assistant. For FLOW specs the
// Spec field holds the OpenAPI document, either inline or as a JSON string.
type SpecConfig struct {
	Type string          `json:"type"`
	Spec json.RawMessage `json:"spec,omitempty"`
}

// MCPServerConfig describes one MCP endpoint an assistant can pull tools
// from. Both the flat shape {name, url, ...} and the keyed shape
// {"<name>": {url, ...}} are accepted on the wire; normalization happens
// in the mcp package.
type MCPServerConfig struct {
	Name      string            `json:"name,omitempty"`
	URL       string            `json:"url,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Transport string            `json:"transport,omitempty"`
}

// AssistantConfig is the unit of configurable AI behavior.
type AssistantConfig struct {
	AssistantID   string  `json:"assistant_id,omitempty"`
	Name          string  `json:"name,omitempty"`
	Description   string  `json:"description,omitempty"`
	Type          string  `json:"type,omitempty"`
	Provider      string  `json:"provider,omitempty"`
	Model         string  `json:"model,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	SystemPrompt  string  `json:"system_prompt,omitempty"`
	CodeExecution bool    `json:"code_execution,omitempty"`

	Tools        []string          `json:"tools,omitempty"`
	Specs        []SpecConfig      `json:"specs,omitempty"`
	KBVectorDBID string            `json:"kb_vectordb_id,omitempty"`
	KBSearchK    int               `json:"kb_search_k,omitempty"`
	MCPServers   []MCPServerConfig `json:"mcp_servers,omitempty"`

	// Member assistants, present only on supervisors.
	Assistants []AssistantConfig `json:"assistants,omitempty"`

	// Graph definition for multi-agent assistants.
	Graph *GraphConfig `json:"graph,omitempty"`
}

// GraphConfig is an ordered pipeline of stages.
type GraphConfig struct {
	Stages []StageConfig `json:"stages"`
}

// StageConfig groups member assistant names that run under one supervisor.
type StageConfig struct {
	Name       string   `json:"name"`
	Assistants []string `json:"assistants"`
}

// SetDefaults fills unset fields with their defaults.
func (a *AssistantConfig) SetDefaults() {
	if a.Type == "" {
		if len(a.Assistants) > 0 {
			a.Type = AssistantTypeMultiAgent
		} else {
			a.Type = AssistantTypeSingle
		}
	}
	if a.Provider == "" {
		a.Provider = "openai"
	}
	if a.KBSearchK <= 0 {
		a.KBSearchK = DefaultKBSearchK
	}
	for i := range a.Assistants {
		a.Assistants[i].SetDefaults()
	}
}

// Validate checks the assistant definition for structural problems.
func (a *AssistantConfig) Validate() error {
	if a.Name == "" && a.AssistantID == "" {
		return fmt.Errorf("assistant requires a name or assistant_id")
	}
	if a.IsSupervisor() && a.Type == AssistantTypeSingle {
		return fmt.Errorf("assistant %q declares members but type is single", a.DisplayName())
	}
	for i := range a.Assistants {
		if err := a.Assistants[i].Validate(); err != nil {
			return err
		}
	}
	if a.Graph != nil {
		if err := a.Graph.Validate(a.memberNames()); err != nil {
			return err
		}
	}
	return nil
}

// IsSupervisor reports whether this assistant orchestrates member
// assistants and must run through the graph path.
func (a *AssistantConfig) IsSupervisor() bool {
	return len(a.Assistants) > 0
}

// DisplayName returns the name, falling back to the assistant id.
func (a *AssistantConfig) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.AssistantID
}

// NodeLabel returns the assistant name sanitized for use as a graph node
// label: [A-Za-z0-9_-], at most 63 characters, never empty.
func (a *AssistantConfig) NodeLabel() string {
	return SanitizeNodeLabel(a.DisplayName())
}

func (a *AssistantConfig) memberNames() map[string]bool {
	names := make(map[string]bool, len(a.Assistants))
	for i := range a.Assistants {
		names[a.Assistants[i].NodeLabel()] = true
	}
	return names
}

// FindMember returns the member assistant whose sanitized name matches
// label, or nil.
func (a *AssistantConfig) FindMember(label string) *AssistantConfig {
	for i := range a.Assistants {
		if a.Assistants[i].NodeLabel() == label {
			return &a.Assistants[i]
		}
	}
	return nil
}

// Validate checks stage structure against the known member names.
func (g *GraphConfig) Validate(members map[string]bool) error {
	if len(g.Stages) == 0 {
		return fmt.Errorf("graph requires at least one stage")
	}
	for _, stage := range g.Stages {
		if len(stage.Assistants) == 0 {
			return fmt.Errorf("stage %q has no assistants", stage.Name)
		}
		for _, name := range stage.Assistants {
			if len(members) > 0 && !members[SanitizeNodeLabel(name)] {
				return fmt.Errorf("stage %q references unknown assistant %q", stage.Name, name)
			}
		}
	}
	return nil
}

// SanitizeNodeLabel maps an arbitrary display name to a valid node label.
func SanitizeNodeLabel(name string) string {
	label := nodeLabelPattern.ReplaceAllString(name, "_")
	label = strings.Trim(label, "_")
	if label == "" {
		label = "agent"
	}
	if len(label) > 63 {
		label = label[:63]
	}
	return label
}
