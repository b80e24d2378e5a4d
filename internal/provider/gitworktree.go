package provider

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// GitWorktreeProvider is the git-worktree built-in: prepare creates a
// branch and a linked worktree off the project's repository; claim is a
// no-op marker; remove tears the worktree down tolerating "already
// gone".
type GitWorktreeProvider struct {
	unsupported
}

func (GitWorktreeProvider) Prepare(ctx context.Context, projectPath, envID string, sink LogSink) (Metadata, error) {
	repoRoot, err := gitRepoRoot(projectPath)
	if err != nil {
		return nil, fmt.Errorf("git-worktree: resolve repo root: %w", err)
	}

	branch := "work/" + envID
	worktreePath := filepath.Join(filepath.Dir(repoRoot), filepath.Base(repoRoot)+"-worktrees", envID)

	if _, err := os.Stat(worktreePath); err == nil {
		// Idempotent replay: the worktree already exists from a prior
		// attempt, reuse it.
		logAppend(sink, envID, "worktree already present at "+worktreePath)
		return Metadata{"path": worktreePath, "branch": branch, "repo_root": repoRoot}, nil
	}

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return nil, fmt.Errorf("git-worktree: create worktree parent dir: %w", err)
	}
	if _, err := runGit(repoRoot, "worktree", "add", worktreePath, "-b", branch); err != nil {
		return nil, fmt.Errorf("git-worktree: add worktree: %w", err)
	}
	logAppend(sink, envID, "worktree created at "+worktreePath+" on branch "+branch)

	return Metadata{"path": worktreePath, "branch": branch, "repo_root": repoRoot}, nil
}

func (GitWorktreeProvider) Update(ctx context.Context, metadata Metadata, sink LogSink) (Metadata, error) {
	path, _ := metadata["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("git-worktree: update: metadata missing path")
	}
	if _, err := runGit(path, "pull", "--ff-only"); err != nil {
		return nil, fmt.Errorf("git-worktree: update: %w", err)
	}
	envID, _ := metadata["env_id"].(string)
	logAppend(sink, envID, "worktree updated at "+path)
	return metadata, nil
}

func (GitWorktreeProvider) Claim(ctx context.Context, metadata Metadata, sink LogSink) (Metadata, error) {
	return metadata, nil
}

func (GitWorktreeProvider) Remove(ctx context.Context, metadata Metadata, sink LogSink) error {
	path, _ := metadata["path"].(string)
	repoRoot, _ := metadata["repo_root"].(string)
	if path == "" || repoRoot == "" {
		// Nothing recorded to remove; treat as already gone.
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if _, err := runGit(repoRoot, "worktree", "remove", "--force", path); err != nil {
		if strings.Contains(err.Error(), "is not a working tree") || strings.Contains(err.Error(), "no such file") {
			return nil
		}
		return fmt.Errorf("git-worktree: remove worktree: %w", err)
	}
	return nil
}

func (GitWorktreeProvider) Run(ctx context.Context, metadata Metadata, command string, args []string) (RunSpec, error) {
	path, _ := metadata["path"].(string)
	return RunSpec{Program: command, Args: args, Cwd: path}, nil
}

func (GitWorktreeProvider) Exec(ctx context.Context, metadata Metadata, command string, args []string) (RunSpec, error) {
	path, _ := metadata["path"].(string)
	if command == "cd" {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
		return RunSpec{Program: shell, Cwd: path}, nil
	}
	return RunSpec{Program: command, Args: args, Cwd: path}, nil
}

func gitRepoRoot(path string) (string, error) {
	out, err := runGit(path, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	root := strings.TrimSpace(out)
	if root == "" {
		return "", fmt.Errorf("git repo root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve repo root: %w", err)
	}
	return filepath.Clean(abs), nil
}

func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		op := strings.Join(args, " ")
		if stderr.Len() > 0 {
			return "", fmt.Errorf("git %s failed: %s", op, strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("git %s failed: %w", op, err)
	}
	return string(out), nil
}

func logAppend(sink LogSink, envID, line string) {
	if sink == nil || envID == "" {
		return
	}
	sink.Append(envID, line)
}
