package config

import (
	"testing"
)

func TestSanitizeNodeLabel(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Sales Agent", "Sales_Agent"},
		{"déjà-vu", "d_j_-vu"},
		{"???", "agent"},
		{"already_ok-123", "already_ok-123"},
	}
	for _, tc := range cases {
		if got := SanitizeNodeLabel(tc.in); got != tc.want {
			t.Errorf("SanitizeNodeLabel(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeNodeLabelTruncates(t *testing.T) {
	long := ""
	for i := 0; i < 10; i++ {
		long += "abcdefghij"
	}
	got := SanitizeNodeLabel(long)
	if len(got) != 63 {
		t.Fatalf("expected 63 chars, got %d", len(got))
	}
}

func TestAssistantSetDefaults(t *testing.T) {
	a := &AssistantConfig{Name: "helper"}
	a.SetDefaults()

	if a.Type != AssistantTypeSingle {
		t.Errorf("expected type single, got %q", a.Type)
	}
	if a.Provider != "openai" {
		t.Errorf("expected default provider openai, got %q", a.Provider)
	}
	if a.KBSearchK != DefaultKBSearchK {
		t.Errorf("expected kb_search_k %d, got %d", DefaultKBSearchK, a.KBSearchK)
	}
}

func TestSupervisorTypeInference(t *testing.T) {
	a := &AssistantConfig{
		Name:       "boss",
		Assistants: []AssistantConfig{{Name: "worker"}},
	}
	a.SetDefaults()

	if a.Type != AssistantTypeMultiAgent {
		t.Errorf("expected multi-agent type, got %q", a.Type)
	}
	if !a.IsSupervisor() {
		t.Error("expected supervisor")
	}
}

func TestGraphValidateUnknownMember(t *testing.T) {
	a := &AssistantConfig{
		Name:       "boss",
		Type:       AssistantTypeMultiAgent,
		Assistants: []AssistantConfig{{Name: "worker"}},
		Graph: &GraphConfig{
			Stages: []StageConfig{{Name: "s1", Assistants: []string{"ghost"}}},
		},
	}
	if err := a.Validate(); err == nil {
		t.Fatal("expected error for unknown member")
	}
}

func TestGraphValidateEmptyStages(t *testing.T) {
	g := &GraphConfig{}
	if err := g.Validate(nil); err == nil {
		t.Fatal("expected error for empty graph")
	}
}

func TestIsHeadlessPath(t *testing.T) {
	cfg := &Config{HeadlessPrefixes: []string{DefaultHeadlessPrefix}}

	if !cfg.IsHeadlessPath(DefaultHeadlessPrefix + "/Invoice") {
		t.Error("expected headless match")
	}
	if cfg.IsHeadlessPath("/api/other") {
		t.Error("unexpected headless match")
	}
}

func TestExpandEnvVarsInData(t *testing.T) {
	t.Setenv("COPILOT_TEST_VALUE", "42")

	data := map[string]interface{}{
		"plain":   "no vars",
		"braced":  "${COPILOT_TEST_VALUE}",
		"def":     "${COPILOT_TEST_MISSING:-fallback}",
		"nested":  []interface{}{"$COPILOT_TEST_VALUE"},
		"numeric": 7,
	}

	result := ExpandEnvVarsInData(data).(map[string]interface{})

	if result["plain"] != "no vars" {
		t.Errorf("plain string changed: %v", result["plain"])
	}
	if result["braced"] != 42 {
		t.Errorf("expected parsed int 42, got %v", result["braced"])
	}
	if result["def"] != "fallback" {
		t.Errorf("expected fallback, got %v", result["def"])
	}
	nested := result["nested"].([]interface{})
	if nested[0] != 42 {
		t.Errorf("expected nested expansion, got %v", nested[0])
	}
	if result["numeric"] != 7 {
		t.Errorf("non-string value changed: %v", result["numeric"])
	}
}
