package tools

import (
	"sync"

	"github.com/etendosoftware/copilot/pkg/config"
	"github.com/etendosoftware/copilot/pkg/logger"
	"github.com/etendosoftware/copilot/pkg/registry"
)

// ToolRegistry holds the base tools available to every agent, plus the
// dependency manifest controlling what gets installed before a tool is
// handed out.
type ToolRegistry struct {
	*registry.BaseRegistry[Tool]
	installer *Installer

	depsMu sync.RWMutex
	deps   map[string][]Dependency
}

var (
	globalRegistry *ToolRegistry
	globalOnce     sync.Once
)

// Global returns the process-wide tool registry, building it on first use.
// Construction is idempotent; later calls ignore cfg.
func Global(cfg *config.Config) *ToolRegistry {
	globalOnce.Do(func() {
		globalRegistry = NewToolRegistry(cfg)
	})
	return globalRegistry
}

// NewToolRegistry builds a registry with the builtin tools registered and
// the dependency manifest loaded. Manifest problems are logged, not fatal.
func NewToolRegistry(cfg *config.Config) *ToolRegistry {
	r := &ToolRegistry{
		BaseRegistry: registry.NewBaseRegistry[Tool](),
		installer:    NewInstaller(),
		deps:         map[string][]Dependency{},
	}

	if cfg != nil {
		deps, err := LoadDependencyManifest(cfg.DependenciesPath())
		if err != nil {
			logger.GetLogger().Warn("Failed to load tool dependency manifest", "error", err)
		} else {
			r.deps = deps
		}
	}

	for _, tool := range BuiltinTools(cfg) {
		if err := r.Register(tool.GetName(), tool); err != nil {
			logger.GetLogger().Warn("Failed to register builtin tool",
				"tool", tool.GetName(), "error", err)
		}
	}

	return r
}

// GetAllTools resolves the tools an agent may use. enabledTools selects
// from the base registry; an empty selection yields no base tools. extras
// are appended as-is (knowledge base, OpenAPI and MCP tools are built per
// request by their own packages). Tools whose dependencies cannot be
// satisfied are skipped with a warning so one broken tool does not take
// the request down.
func (r *ToolRegistry) GetAllTools(enabledTools []string, agentID string, extras ...Tool) []Tool {
	out := make([]Tool, 0, len(enabledTools)+len(extras))

	for _, name := range enabledTools {
		tool, ok := r.Get(name)
		if !ok {
			logger.GetLogger().Warn("Requested tool is not registered", "tool", name)
			continue
		}
		if err := r.ensureDependencies(name); err != nil {
			logger.GetLogger().Warn("Skipping tool with unsatisfied dependencies",
				"tool", name, "error", err)
			continue
		}
		out = append(out, withAgentID(tool, agentID))
	}

	for _, tool := range extras {
		out = append(out, withAgentID(tool, agentID))
	}
	return out
}

// ReloadDependencies re-reads the dependency manifest so edits are picked
// up without a restart.
func (r *ToolRegistry) ReloadDependencies(path string) error {
	deps, err := LoadDependencyManifest(path)
	if err != nil {
		return err
	}
	r.depsMu.Lock()
	r.deps = deps
	r.depsMu.Unlock()
	return nil
}

func (r *ToolRegistry) ensureDependencies(toolName string) error {
	r.depsMu.RLock()
	deps := r.deps[toolName]
	r.depsMu.RUnlock()
	for _, dep := range deps {
		if err := r.installer.Ensure(dep); err != nil {
			return err
		}
	}
	return nil
}

func withAgentID(tool Tool, agentID string) Tool {
	if agentID == "" {
		return tool
	}
	if aware, ok := tool.(AgentAware); ok {
		return aware.WithAgentID(agentID)
	}
	return tool
}
