package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestParseDependency(t *testing.T) {
	tests := []struct {
		spec string
		want Dependency
	}{
		{"requests", Dependency{InstallName: "requests", ImportName: "requests"}},
		{"requests==2.31.0", Dependency{InstallName: "requests", ImportName: "requests", Version: "2.31.0"}},
		{"pyyaml|yaml", Dependency{InstallName: "pyyaml", ImportName: "yaml"}},
		{"pyyaml|yaml==6.0.1", Dependency{InstallName: "pyyaml", ImportName: "yaml", Version: "6.0.1"}},
	}
	for _, tt := range tests {
		if got := ParseDependency(tt.spec); got != tt.want {
			t.Errorf("ParseDependency(%q) = %+v, want %+v", tt.spec, got, tt.want)
		}
	}
}

func TestLoadDependencyManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tools_deps.yaml")
	content := "DocTool:\n  - \"pyyaml|yaml==6.0.1\"\n  - requests\nEmptyTool: []\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	manifest, err := LoadDependencyManifest(path)
	if err != nil {
		t.Fatalf("LoadDependencyManifest() error = %v", err)
	}
	if len(manifest["DocTool"]) != 2 {
		t.Fatalf("DocTool deps = %d, want 2", len(manifest["DocTool"]))
	}
	if manifest["DocTool"][0].ImportName != "yaml" {
		t.Errorf("import name = %q, want yaml", manifest["DocTool"][0].ImportName)
	}
	if len(manifest["EmptyTool"]) != 0 {
		t.Errorf("EmptyTool deps = %d, want 0", len(manifest["EmptyTool"]))
	}
}

func TestLoadDependencyManifestMissingFile(t *testing.T) {
	manifest, err := LoadDependencyManifest(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing manifest should not error, got %v", err)
	}
	if len(manifest) != 0 {
		t.Errorf("manifest = %v, want empty", manifest)
	}
}

func TestInstallerInstallsOnce(t *testing.T) {
	var mu sync.Mutex
	installs := 0
	inst := NewInstallerWithFuncs(
		func(string) (string, bool) { return "", false },
		func(Dependency) error {
			mu.Lock()
			installs++
			mu.Unlock()
			return nil
		},
	)

	dep := ParseDependency("requests==2.31.0")
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := inst.Ensure(dep); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if err := inst.Ensure(dep); err != nil {
		t.Fatal(err)
	}

	if installs != 1 {
		t.Errorf("installs = %d, want 1", installs)
	}
}

func TestInstallerRefusesNewerVersion(t *testing.T) {
	inst := NewInstallerWithFuncs(
		func(string) (string, bool) { return "3.0.0", true },
		func(Dependency) error {
			t.Fatal("install should not run when a newer version is present")
			return nil
		},
	)

	err := inst.Ensure(ParseDependency("requests==2.31.0"))
	if err == nil {
		t.Fatal("expected version mismatch error")
	}
	if !strings.Contains(err.Error(), "3.0.0") {
		t.Errorf("error = %v, want mention of installed version", err)
	}
}

func TestInstallerAcceptsMatchingVersion(t *testing.T) {
	inst := NewInstallerWithFuncs(
		func(string) (string, bool) { return "2.31.0", true },
		func(Dependency) error {
			return errors.New("should not install")
		},
	)
	if err := inst.Ensure(ParseDependency("requests==2.31.0")); err != nil {
		t.Fatalf("matching version should be a no-op, got %v", err)
	}
}

func TestInstallerUpgradesOlderVersion(t *testing.T) {
	installed := false
	inst := NewInstallerWithFuncs(
		func(string) (string, bool) { return "1.0.0", true },
		func(Dependency) error {
			installed = true
			return nil
		},
	)
	if err := inst.Ensure(ParseDependency("requests==2.31.0")); err != nil {
		t.Fatal(err)
	}
	if !installed {
		t.Error("older installed version should trigger an install")
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.2.0", "1.10.0", -1},
		{"2.0", "1.9.9", 1},
		{"1.0.0", "1.0", 0},
	}
	for _, tt := range tests {
		if got := compareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("compareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

type fakeTool struct {
	name    string
	agentID string
}

func (f *fakeTool) GetName() string        { return f.name }
func (f *fakeTool) GetDescription() string { return "fake" }
func (f *fakeTool) GetInfo() ToolInfo      { return ToolInfo{Name: f.name, Description: "fake"} }
func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	return NewSuccessResult(f.name, "ok", 0), nil
}
func (f *fakeTool) WithAgentID(agentID string) Tool {
	return &fakeTool{name: f.name, agentID: agentID}
}

func TestGetAllToolsFiltering(t *testing.T) {
	r := NewToolRegistry(nil)
	if err := r.Register("alpha", &fakeTool{name: "alpha"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("beta", &fakeTool{name: "beta"}); err != nil {
		t.Fatal(err)
	}

	if got := r.GetAllTools(nil, ""); len(got) != 0 {
		t.Errorf("no enabled tools should yield none, got %d", len(got))
	}

	got := r.GetAllTools([]string{"alpha", "missing"}, "")
	if len(got) != 1 || got[0].GetName() != "alpha" {
		t.Fatalf("GetAllTools = %v, want just alpha", names(got))
	}
}

func TestGetAllToolsInjectsAgentID(t *testing.T) {
	r := NewToolRegistry(nil)
	if err := r.Register("alpha", &fakeTool{name: "alpha"}); err != nil {
		t.Fatal(err)
	}

	got := r.GetAllTools([]string{"alpha"}, "agent-7", &fakeTool{name: "extra"})
	if len(got) != 2 {
		t.Fatalf("tools = %d, want 2", len(got))
	}
	for _, tool := range got {
		ft, ok := tool.(*fakeTool)
		if !ok {
			t.Fatalf("unexpected tool type %T", tool)
		}
		if ft.agentID != "agent-7" {
			t.Errorf("tool %s agentID = %q, want agent-7", ft.name, ft.agentID)
		}
	}
}

func TestGetAllToolsSkipsToolWithBadDeps(t *testing.T) {
	r := NewToolRegistry(nil)
	r.installer = NewInstallerWithFuncs(
		func(string) (string, bool) { return "", false },
		func(dep Dependency) error { return fmt.Errorf("network down") },
	)
	r.deps = map[string][]Dependency{"alpha": {ParseDependency("requests")}}
	if err := r.Register("alpha", &fakeTool{name: "alpha"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("beta", &fakeTool{name: "beta"}); err != nil {
		t.Fatal(err)
	}

	got := r.GetAllTools([]string{"alpha", "beta"}, "")
	if len(got) != 1 || got[0].GetName() != "beta" {
		t.Errorf("GetAllTools = %v, want just beta", names(got))
	}
}

func names(tools []Tool) []string {
	out := make([]string, len(tools))
	for i, tool := range tools {
		out[i] = tool.GetName()
	}
	return out
}

func TestNormalizeOutputShapes(t *testing.T) {
	if res := NormalizeOutput("x", map[string]interface{}{"message": "hi"}); !res.Success || res.Content != "hi" {
		t.Errorf("message shape: %+v", res)
	}
	if res := NormalizeOutput("x", map[string]interface{}{"content": "body"}); !res.Success || res.Content != "body" {
		t.Errorf("content shape: %+v", res)
	}
	if res := NormalizeOutput("x", map[string]interface{}{"error": "boom"}); res.Success || res.Error != "boom" {
		t.Errorf("error shape: %+v", res)
	}
	if res := NormalizeOutput("x", "plain"); !res.Success || res.Content != "plain" {
		t.Errorf("string shape: %+v", res)
	}
	if res := NormalizeOutput("x", errors.New("bad")); res.Success || res.Error != "bad" {
		t.Errorf("error value: %+v", res)
	}
}

func TestTaskManagementSequentialFlow(t *testing.T) {
	tool := NewTaskManagementTool(NewTaskStore())
	ctx := context.Background()

	exec := func(args map[string]interface{}) ToolResult {
		t.Helper()
		res, err := tool.Execute(ctx, args)
		if err != nil {
			t.Fatal(err)
		}
		return res
	}

	res := exec(map[string]interface{}{"mode": "planning", "plan": "two steps"})
	if !res.Success {
		t.Fatalf("planning failed: %+v", res)
	}

	res = exec(map[string]interface{}{
		"mode":  "add_tasks",
		"tasks": []interface{}{"first", "second"},
	})
	if !res.Success {
		t.Fatalf("add_tasks failed: %+v", res)
	}

	res = exec(map[string]interface{}{"mode": "get_next"})
	if !strings.Contains(res.Content, "first") {
		t.Errorf("get_next = %q, want first task", res.Content)
	}

	res = exec(map[string]interface{}{"mode": "get_next"})
	if res.Success {
		t.Error("second get_next without mark_done should fail")
	}

	res = exec(map[string]interface{}{"mode": "mark_done"})
	if !res.Success {
		t.Fatalf("mark_done failed: %+v", res)
	}

	res = exec(map[string]interface{}{"mode": "get_next"})
	if !strings.Contains(res.Content, "second") {
		t.Errorf("get_next = %q, want second task", res.Content)
	}

	exec(map[string]interface{}{"mode": "mark_done"})
	res = exec(map[string]interface{}{"mode": "report"})
	if !strings.Contains(res.Content, "Completed 2 of 2") {
		t.Errorf("report = %q", res.Content)
	}
}

func TestTaskManagementUnknownMode(t *testing.T) {
	tool := NewTaskManagementTool(NewTaskStore())
	res, err := tool.Execute(context.Background(), map[string]interface{}{"mode": "explode"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("unknown mode should fail")
	}
}
