package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DefaultEtendoHost     = "http://host.docker.internal:8080/etendo"
	DefaultPort           = 5005
	DefaultMaxIterations  = 100
	DefaultRecursionLimit = 500
	DefaultKBSearchK      = 4

	// Headless datasource prefix used when an OpenAPI spec does not
	// declare one of its own.
	DefaultHeadlessPrefix = "/sws/com.etendoerp.etendorx.datasource"
)

// Config holds the process-wide settings resolved from the environment.
type Config struct {
	// Etendo platform
	EtendoHost string

	// Server
	Port            int
	DebugPort       int
	WaitForDebugger bool

	// Execution limits
	MaxIterations    int
	ExecutionTimeout int // seconds, 0 disables
	RecursionLimit   int

	// Behavior toggles
	SimpleMode         bool
	LegacyOpenAPITools bool
	UsePydoide         bool
	StreamDebug        bool

	// Retrieval
	ReferenceSimilarityThreshold *float64

	// Tool configuration files
	ToolsConfigFile  string
	DependenciesFile string

	// Provider endpoints
	OllamaHost string

	// OpenAPI
	HeadlessPrefixes []string

	rootDir string
}

// Load resolves the configuration from environment variables, applying
// defaults for anything unset. Malformed numeric values fall back to the
// default rather than failing startup.
func Load() *Config {
	cfg := &Config{
		EtendoHost:       envString("ETENDO_HOST_DOCKER", DefaultEtendoHost),
		Port:             envInt("COPILOT_PORT", DefaultPort),
		DebugPort:        envInt("COPILOT_PORT_DEBUG", 0),
		WaitForDebugger:  envBool("COPILOT_WAIT_FOR_DEBUGGER"),
		MaxIterations:    envInt("COPILOT_MAX_ITERATIONS", DefaultMaxIterations),
		ExecutionTimeout: envInt("COPILOT_EXECUTION_TIMEOUT", 0),
		RecursionLimit:   envInt("LANGGRAPH_RECURSION_LIMIT", DefaultRecursionLimit),
		SimpleMode:       envBool("COPILOT_SIMPLE_MODE"),
		UsePydoide:       envBool("COPILOT_USE_PYDOIDE"),
		StreamDebug:      envBool("COPILOT_STREAM_DEBUG"),
		ToolsConfigFile:  envString("CONFIGURED_TOOLS_FILENAME", "tools_config.json"),
		DependenciesFile: envString("DEPENDENCIES_TOOLS_FILENAME", "tools_deps.yaml"),
		OllamaHost:       envString("COPILOT_OLLAMA_HOST", "http://localhost:11434"),
		HeadlessPrefixes: headlessPrefixesFromEnv(),
		rootDir:          resolveRootDir(),
	}

	// Both values select the same generator now. The flag is still read so
	// deployments that set it keep working.
	if _, ok := os.LookupEnv("COPILOT_OLD_OPENAPI_TOOLS"); ok {
		cfg.LegacyOpenAPITools = envBool("COPILOT_OLD_OPENAPI_TOOLS")
	}

	if raw := os.Getenv("COPILOT_REFERENCE_SIMILARITY_THRESHOLD"); raw != "" {
		if v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			cfg.ReferenceSimilarityThreshold = &v
		}
	}

	return cfg
}

func headlessPrefixesFromEnv() []string {
	raw := os.Getenv("COPILOT_HEADLESS_PREFIXES")
	if raw == "" {
		return []string{DefaultHeadlessPrefix}
	}
	var prefixes []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			prefixes = append(prefixes, p)
		}
	}
	if len(prefixes) == 0 {
		return []string{DefaultHeadlessPrefix}
	}
	return prefixes
}

func resolveRootDir() string {
	if envBool("COPILOT_DOCKER") {
		return "/app"
	}
	if info, err := os.Stat("/app"); err == nil && info.IsDir() {
		return "/app"
	}
	return "."
}

// RootDir is the base directory for persisted state. Containers use /app,
// local runs use the working directory.
func (c *Config) RootDir() string {
	if c.rootDir == "" {
		return "."
	}
	return c.rootDir
}

// VectorDBDir is the directory holding per-knowledge-base vector stores.
func (c *Config) VectorDBDir() string {
	return filepath.Join(c.RootDir(), "vectordbs")
}

// CheckpointDir is the directory holding the conversation checkpoint store.
func (c *Config) CheckpointDir() string {
	return filepath.Join(c.RootDir(), "checkpoints")
}

// ToolsConfigPath is the location of the configured-tools file.
func (c *Config) ToolsConfigPath() string {
	return filepath.Join(c.RootDir(), c.ToolsConfigFile)
}

// DependenciesPath is the location of the tool dependency manifest.
func (c *Config) DependenciesPath() string {
	return filepath.Join(c.RootDir(), c.DependenciesFile)
}

// IsHeadlessPath reports whether an OpenAPI path belongs to the Etendo
// headless datasource family, which gets bulk bodies and partial-update
// serialization.
func (c *Config) IsHeadlessPath(path string) bool {
	for _, prefix := range c.HeadlessPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
