package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/etendosoftware/copilot/pkg/protocol"
)

// SchemaCmd generates the JSON Schema of the inbound request bodies.
// Useful for platform-side validation and client generation.
type SchemaCmd struct {
	Graph   bool `help:"Generate the multi-agent (GraphQuestion) schema instead."`
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run() error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	var schema *jsonschema.Schema
	if c.Graph {
		schema = reflector.Reflect(&protocol.GraphQuestion{})
		schema.Title = "Copilot graph request"
	} else {
		schema = reflector.Reflect(&protocol.Question{})
		schema.Title = "Copilot question request"
	}
	schema.Version = "http://json-schema.org/draft-07/schema#"

	var (
		out []byte
		err error
	)
	if c.Compact {
		out, err = json.Marshal(schema)
	} else {
		out, err = json.MarshalIndent(schema, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}

	fmt.Fprintln(os.Stdout, string(out))
	return nil
}
