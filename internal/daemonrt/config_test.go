package daemonrt

import (
	"os"
	"path/filepath"
	"testing"
)

const testConfigYAML = `
default_environment_provider: git-worktree
default_task_provider: shell
project_defaults:
  demo:
    environment_provider: apfs-worktree
providers:
  shell:
    type: command
    command: /bin/sh
    args: ["-c", "{task_description}"]
  slow:
    type: script
    path: /usr/local/bin/slow-provider
`

func TestLoadProviderConfigParsesEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testConfigYAML), 0o644); err != nil {
		t.Fatalf("write config error = %v", err)
	}

	cfg, err := LoadProviderConfig(path)
	if err != nil {
		t.Fatalf("LoadProviderConfig() error = %v", err)
	}
	if cfg.DefaultEnvironmentProvider != "git-worktree" {
		t.Fatalf("DefaultEnvironmentProvider = %q", cfg.DefaultEnvironmentProvider)
	}
	if got := cfg.EnvironmentProviderFor("demo"); got != "apfs-worktree" {
		t.Fatalf("EnvironmentProviderFor(demo) = %q, want apfs-worktree", got)
	}
	if got := cfg.EnvironmentProviderFor("other"); got != "git-worktree" {
		t.Fatalf("EnvironmentProviderFor(other) = %q, want default git-worktree", got)
	}
	if got := cfg.TaskProviderFor("demo"); got != "shell" {
		t.Fatalf("TaskProviderFor(demo) = %q, want shell", got)
	}
	shell, ok := cfg.Providers["shell"]
	if !ok || shell.Type != "command" || shell.Command != "/bin/sh" {
		t.Fatalf("Providers[shell] = %#v", shell)
	}
}

func TestLoadProviderConfigMissingFileIsNotError(t *testing.T) {
	cfg, err := LoadProviderConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadProviderConfig() error = %v", err)
	}
	if cfg.Providers == nil {
		t.Fatal("expected non-nil empty Providers map")
	}
}

func TestLoadProviderConfigEmptyPath(t *testing.T) {
	cfg, err := LoadProviderConfig("")
	if err != nil {
		t.Fatalf("LoadProviderConfig(\"\") error = %v", err)
	}
	if cfg.DefaultEnvironmentProvider != "" {
		t.Fatalf("expected zero-value config, got %#v", cfg)
	}
}
