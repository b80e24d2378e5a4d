package provider

import (
	"context"
	"fmt"
	"strings"
)

// CommandTaskProvider is the command-type task provider configured as
// `{type:"command", command, args}`. Only Run is meaningful for it;
// args may contain the literal "{task_description}" placeholder,
// substituted with the task's description at run time (passed in as
// command by the caller).
type CommandTaskProvider struct {
	unsupported
	Command string
	Args    []string
}

func (p CommandTaskProvider) Run(ctx context.Context, metadata Metadata, command string, args []string) (RunSpec, error) {
	resolved := make([]string, len(p.Args))
	for i, a := range p.Args {
		resolved[i] = strings.ReplaceAll(a, "{task_description}", command)
	}
	return RunSpec{Program: p.Command, Args: resolved}, nil
}

// Config is one named entry from the daemon's provider configuration
// file (internal/daemonrt/config.go), describing either an environment
// script provider or a command-type task provider.
type Config struct {
	Type    string   `yaml:"type"`
	Path    string   `yaml:"path,omitempty"`
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
}

// Registry resolves a provider name to a handler. Built-ins are
// resolved by fixed name; everything else is looked up in the
// configured entries table.
type Registry struct {
	builtins map[string]Provider
	entries  map[string]Config
}

// NewRegistry builds a registry over the built-in providers plus the
// given named configuration entries.
func NewRegistry(entries map[string]Config) *Registry {
	return &Registry{
		builtins: map[string]Provider{
			"git-worktree":  GitWorktreeProvider{},
			"apfs-worktree": ApfsWorktreeProvider{},
		},
		entries: entries,
	}
}

// Resolve looks up name, returning ErrUnknownProvider if it matches
// neither a built-in nor a configured entry.
func (r *Registry) Resolve(name string) (Provider, error) {
	if p, ok := r.builtins[name]; ok {
		return p, nil
	}
	cfg, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", name, ErrUnknownProvider)
	}
	switch cfg.Type {
	case "script":
		if cfg.Path == "" {
			return nil, fmt.Errorf("provider %q: script entry missing path", name)
		}
		return ScriptProvider{Path: cfg.Path}, nil
	case "command":
		if cfg.Command == "" {
			return nil, fmt.Errorf("provider %q: command entry missing command", name)
		}
		return CommandTaskProvider{Command: cfg.Command, Args: cfg.Args}, nil
	default:
		return nil, fmt.Errorf("provider %q: unknown config type %q", name, cfg.Type)
	}
}
