// Package mcp connects assistants to Model Context Protocol servers over
// stdio and HTTP transports.
package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/etendosoftware/copilot/pkg/config"
)

// rawServer tolerates the loose shapes server entries arrive in.
type rawServer struct {
	Name      string            `mapstructure:"name"`
	URL       string            `mapstructure:"url"`
	Command   string            `mapstructure:"command"`
	Args      []string          `mapstructure:"args"`
	Env       map[string]string `mapstructure:"env"`
	Headers   map[string]string `mapstructure:"headers"`
	Transport string            `mapstructure:"transport"`
	Disabled  bool              `mapstructure:"disabled"`
}

// NormalizeServers accepts both configuration shapes: a flat list of
// server entries, or the {"mcpServers": {name: entry}} map clients
// commonly emit. Disabled servers are dropped.
func NormalizeServers(raw json.RawMessage) ([]config.MCPServerConfig, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var asList []map[string]interface{}
	if err := json.Unmarshal(raw, &asList); err == nil {
		return decodeServers(asList)
	}

	var wrapped struct {
		MCPServers map[string]map[string]interface{} `json:"mcpServers"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil || wrapped.MCPServers == nil {
		return nil, fmt.Errorf("mcp_servers must be a list or an mcpServers map")
	}

	entries := make([]map[string]interface{}, 0, len(wrapped.MCPServers))
	for name, entry := range wrapped.MCPServers {
		if entry == nil {
			entry = map[string]interface{}{}
		}
		if _, ok := entry["name"]; !ok {
			entry["name"] = name
		}
		entries = append(entries, entry)
	}
	return decodeServers(entries)
}

func decodeServers(entries []map[string]interface{}) ([]config.MCPServerConfig, error) {
	var out []config.MCPServerConfig
	for _, entry := range entries {
		var rs rawServer
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &rs,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(entry); err != nil {
			return nil, fmt.Errorf("invalid mcp server entry: %w", err)
		}
		if rs.Disabled {
			continue
		}
		if rs.URL == "" && rs.Command == "" {
			return nil, fmt.Errorf("mcp server %q needs a url or a command", rs.Name)
		}

		out = append(out, config.MCPServerConfig{
			Name:      rs.Name,
			URL:       rs.URL,
			Command:   rs.Command,
			Args:      rs.Args,
			Env:       rs.Env,
			Headers:   rs.Headers,
			Transport: strings.ToLower(rs.Transport),
		})
	}
	return out, nil
}
