package tools

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/etendosoftware/copilot/pkg/logger"
)

// Dependency is one helper package a tool needs at runtime. The manifest
// syntax is "install_name|import_name==version"; import_name and version
// are optional.
type Dependency struct {
	InstallName string
	ImportName  string
	Version     string
}

// ParseDependency parses the manifest spec syntax.
func ParseDependency(spec string) Dependency {
	dep := Dependency{}

	name := spec
	if idx := strings.Index(spec, "=="); idx >= 0 {
		name = spec[:idx]
		dep.Version = strings.TrimSpace(spec[idx+2:])
	}

	if idx := strings.Index(name, "|"); idx >= 0 {
		dep.InstallName = strings.TrimSpace(name[:idx])
		dep.ImportName = strings.TrimSpace(name[idx+1:])
	} else {
		dep.InstallName = strings.TrimSpace(name)
		dep.ImportName = dep.InstallName
	}

	return dep
}

// String renders the install spec passed to the package manager.
func (d Dependency) String() string {
	if d.Version != "" {
		return d.InstallName + "==" + d.Version
	}
	return d.InstallName
}

// LoadDependencyManifest reads the YAML manifest mapping tool name to its
// dependency specs. A missing file yields an empty manifest.
func LoadDependencyManifest(path string) (map[string][]Dependency, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]Dependency{}, nil
		}
		return nil, fmt.Errorf("failed to read dependency manifest %s: %w", path, err)
	}

	var raw map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse dependency manifest %s: %w", path, err)
	}

	manifest := make(map[string][]Dependency, len(raw))
	for tool, specs := range raw {
		deps := make([]Dependency, 0, len(specs))
		for _, spec := range specs {
			spec = strings.TrimSpace(spec)
			if spec == "" {
				continue
			}
			deps = append(deps, ParseDependency(spec))
		}
		manifest[tool] = deps
	}
	return manifest, nil
}

// LookupFunc reports the installed version of a package, if any.
type LookupFunc func(importName string) (version string, found bool)

// InstallFunc installs one dependency.
type InstallFunc func(dep Dependency) error

// Installer installs tool dependencies exactly once per process. Concurrent
// requests for the same package share one installation.
type Installer struct {
	mu        sync.Mutex
	installed map[string]bool
	group     singleflight.Group
	lookup    LookupFunc
	install   InstallFunc
}

func NewInstaller() *Installer {
	return &Installer{
		installed: make(map[string]bool),
		lookup:    pipLookup,
		install:   pipInstall,
	}
}

// NewInstallerWithFuncs injects lookup and install behavior, used in tests.
func NewInstallerWithFuncs(lookup LookupFunc, install InstallFunc) *Installer {
	return &Installer{
		installed: make(map[string]bool),
		lookup:    lookup,
		install:   install,
	}
}

// Ensure makes the dependency available. A present compatible version is a
// no-op; a present newer version is refused so the tool (not the process)
// fails; anything else is installed once.
func (i *Installer) Ensure(dep Dependency) error {
	i.mu.Lock()
	if i.installed[dep.InstallName] {
		i.mu.Unlock()
		return nil
	}
	i.mu.Unlock()

	_, err, _ := i.group.Do(dep.InstallName, func() (interface{}, error) {
		if version, found := i.lookup(dep.ImportName); found {
			if dep.Version == "" || version == dep.Version {
				i.markInstalled(dep.InstallName)
				return nil, nil
			}
			if compareVersions(version, dep.Version) > 0 {
				return nil, fmt.Errorf(
					"dependency %s has incompatible newer version %s installed (need %s)",
					dep.InstallName, version, dep.Version)
			}
		}

		logger.GetLogger().Info("Installing tool dependency", "package", dep.String())
		if err := i.install(dep); err != nil {
			return nil, fmt.Errorf("failed to install %s: %w", dep.String(), err)
		}
		i.markInstalled(dep.InstallName)
		return nil, nil
	})
	return err
}

func (i *Installer) markInstalled(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.installed[name] = true
}

// compareVersions compares dotted numeric versions; non-numeric segments
// compare lexically. Returns -1, 0 or 1.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv string
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		an, aerr := strconv.Atoi(av)
		bn, berr := strconv.Atoi(bv)
		if aerr == nil && berr == nil {
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
			continue
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func pipLookup(importName string) (string, bool) {
	out, err := exec.Command("python3", "-m", "pip", "show", importName).Output()
	if err != nil {
		return "", false
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "Version:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "Version:")), true
		}
	}
	return "", false
}

func pipInstall(dep Dependency) error {
	cmd := exec.Command("python3", "-m", "pip", "install", dep.String())
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
