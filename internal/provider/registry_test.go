package provider

import (
	"context"
	"errors"
	"testing"
)

func TestRegistryResolvesBuiltins(t *testing.T) {
	r := NewRegistry(nil)

	if _, err := r.Resolve("git-worktree"); err != nil {
		t.Fatalf("Resolve(git-worktree) error = %v", err)
	}
	if _, err := r.Resolve("apfs-worktree"); err != nil {
		t.Fatalf("Resolve(apfs-worktree) error = %v", err)
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Resolve("nonexistent"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("Resolve(nonexistent) error = %v, want ErrUnknownProvider", err)
	}
}

func TestRegistryResolvesScriptEntry(t *testing.T) {
	r := NewRegistry(map[string]Config{
		"my-script": {Type: "script", Path: "/usr/local/bin/my-script"},
	})
	p, err := r.Resolve("my-script")
	if err != nil {
		t.Fatalf("Resolve(my-script) error = %v", err)
	}
	sp, ok := p.(ScriptProvider)
	if !ok || sp.Path != "/usr/local/bin/my-script" {
		t.Fatalf("Resolve(my-script) = %#v", p)
	}
}

func TestRegistryResolvesCommandEntry(t *testing.T) {
	r := NewRegistry(map[string]Config{
		"claude": {Type: "command", Command: "claude", Args: []string{"--task", "{task_description}"}},
	})
	p, err := r.Resolve("claude")
	if err != nil {
		t.Fatalf("Resolve(claude) error = %v", err)
	}
	cp, ok := p.(CommandTaskProvider)
	if !ok {
		t.Fatalf("Resolve(claude) = %#v, want CommandTaskProvider", p)
	}

	spec, err := cp.Run(context.Background(), nil, "fix the bug", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(spec.Args) != 2 || spec.Args[1] != "fix the bug" {
		t.Fatalf("Run() args = %#v, want substituted task description", spec.Args)
	}
}

func TestCommandTaskProviderDoesNotSupportPrepare(t *testing.T) {
	cp := CommandTaskProvider{Command: "echo"}
	if _, err := cp.Prepare(context.Background(), "/tmp", "env-1", nil); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("Prepare() error = %v, want ErrNotSupported", err)
	}
}
