package llms

import "testing"

func TestConvertToolInfoToDefinition(t *testing.T) {
	def := ConvertToolInfoToDefinition("Search", "search things", []interface{}{
		map[string]interface{}{"name": "query", "type": "string", "description": "what to find", "required": true},
		map[string]interface{}{"name": "limit", "type": "integer", "description": "max results", "required": false},
	})

	if def.Name != "Search" {
		t.Errorf("name = %q", def.Name)
	}
	props := def.Parameters["properties"].(map[string]interface{})
	if len(props) != 2 {
		t.Fatalf("expected 2 properties, got %d", len(props))
	}
	required := def.Parameters["required"].([]string)
	if len(required) != 1 || required[0] != "query" {
		t.Errorf("required = %v", required)
	}
}

func TestLLMRegistry(t *testing.T) {
	r := NewLLMRegistry()

	if err := r.RegisterLLM("", nil); err == nil {
		t.Error("expected error for empty name")
	}

	p := &OllamaProvider{model: "llama3"}
	if err := r.RegisterLLM("main", p); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	got, err := r.GetLLM("main")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.GetModelName() != "llama3" {
		t.Errorf("model = %q", got.GetModelName())
	}

	if _, err := r.GetLLM("missing"); err == nil {
		t.Error("expected error for missing provider")
	}
}
