package daemonrt

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/orbitwork/workd/internal/provider"
)

// ProjectDefaults names the environment/task providers a project falls
// back to when a request doesn't specify one.
type ProjectDefaults struct {
	EnvironmentProvider string `yaml:"environment_provider,omitempty"`
	TaskProvider        string `yaml:"task_provider,omitempty"`
}

// ProviderConfig is the user config file's shape: global defaults,
// per-project overrides, and the named provider entries
// internal/provider.Registry resolves against.
type ProviderConfig struct {
	DefaultEnvironmentProvider string                     `yaml:"default_environment_provider,omitempty"`
	DefaultTaskProvider        string                     `yaml:"default_task_provider,omitempty"`
	ProjectDefaults            map[string]ProjectDefaults `yaml:"project_defaults,omitempty"`
	Providers                  map[string]provider.Config `yaml:"providers,omitempty"`
}

// EnvironmentProviderFor returns the environment provider name for
// projectName, falling back to DefaultEnvironmentProvider.
func (c *ProviderConfig) EnvironmentProviderFor(projectName string) string {
	if d, ok := c.ProjectDefaults[projectName]; ok && d.EnvironmentProvider != "" {
		return d.EnvironmentProvider
	}
	return c.DefaultEnvironmentProvider
}

// TaskProviderFor returns the task provider name for projectName,
// falling back to DefaultTaskProvider.
func (c *ProviderConfig) TaskProviderFor(projectName string) string {
	if d, ok := c.ProjectDefaults[projectName]; ok && d.TaskProvider != "" {
		return d.TaskProvider
	}
	return c.DefaultTaskProvider
}

// LoadProviderConfig reads and parses path. A missing path is not an
// error: it yields an empty configuration with only the registry's
// built-in providers available.
func LoadProviderConfig(path string) (*ProviderConfig, error) {
	cfg := &ProviderConfig{Providers: map[string]provider.Config{}}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("daemonrt: read provider config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("daemonrt: parse provider config %s: %w", path, err)
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]provider.Config{}
	}
	return cfg, nil
}
