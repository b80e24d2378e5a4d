package provider

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ApfsWorktreeProvider is the apfs-worktree built-in: it layers a
// clone-on-write copy (`cp -c`, macOS APFS) of the project repository
// over the git-worktree mechanics, so claim/update/run/remove reuse the
// same worktree code path once the copy exists. This is strictly an
// optimization over git-worktree's prepare step for APFS volumes; every
// other operation delegates to GitWorktreeProvider.
type ApfsWorktreeProvider struct {
	unsupported
	git GitWorktreeProvider
}

func (p ApfsWorktreeProvider) Prepare(ctx context.Context, projectPath, envID string, sink LogSink) (Metadata, error) {
	repoRoot, err := gitRepoRoot(projectPath)
	if err != nil {
		return nil, fmt.Errorf("apfs-worktree: resolve repo root: %w", err)
	}

	copyRoot := filepath.Join(filepath.Dir(repoRoot), filepath.Base(repoRoot)+"-apfs-clones", envID)
	if _, err := os.Stat(copyRoot); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(copyRoot), 0o755); err != nil {
			return nil, fmt.Errorf("apfs-worktree: create clone parent dir: %w", err)
		}
		if err := cloneOnWriteCopy(repoRoot, copyRoot); err != nil {
			return nil, fmt.Errorf("apfs-worktree: clone-on-write copy: %w", err)
		}
		logAppend(sink, envID, "clone-on-write copy created at "+copyRoot)
	}

	// Hand off to the shared git-worktree mechanics, rooted at the
	// cloned copy rather than the original repository.
	meta, err := p.git.Prepare(ctx, copyRoot, envID, sink)
	if err != nil {
		return nil, err
	}
	meta["apfs_clone_root"] = copyRoot
	return meta, nil
}

func (p ApfsWorktreeProvider) Update(ctx context.Context, metadata Metadata, sink LogSink) (Metadata, error) {
	return p.git.Update(ctx, metadata, sink)
}

func (p ApfsWorktreeProvider) Claim(ctx context.Context, metadata Metadata, sink LogSink) (Metadata, error) {
	return p.git.Claim(ctx, metadata, sink)
}

func (p ApfsWorktreeProvider) Remove(ctx context.Context, metadata Metadata, sink LogSink) error {
	if err := p.git.Remove(ctx, metadata, sink); err != nil {
		return err
	}
	cloneRoot, _ := metadata["apfs_clone_root"].(string)
	if cloneRoot == "" {
		return nil
	}
	if err := os.RemoveAll(cloneRoot); err != nil {
		return fmt.Errorf("apfs-worktree: remove clone-on-write copy: %w", err)
	}
	return nil
}

func (p ApfsWorktreeProvider) Run(ctx context.Context, metadata Metadata, command string, args []string) (RunSpec, error) {
	return p.git.Run(ctx, metadata, command, args)
}

func (p ApfsWorktreeProvider) Exec(ctx context.Context, metadata Metadata, command string, args []string) (RunSpec, error) {
	return p.git.Exec(ctx, metadata, command, args)
}

// cloneOnWriteCopy copies src to dst using APFS's copy-on-write clone
// (`cp -c`), falling back to a regular recursive copy on platforms
// without clonefile support.
func cloneOnWriteCopy(src, dst string) error {
	cmd := exec.Command("cp", "-c", "-R", src, dst)
	if err := cmd.Run(); err == nil {
		return nil
	}
	return exec.Command("cp", "-R", src, dst).Run()
}
