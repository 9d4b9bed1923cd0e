// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safety

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/autopatch/pkg/validation"
)

// RemoteClient performs the version-control side of publishing a
// batch of changes for review.
//
// Implementations must treat each method as one fallible step; the
// caller sequences them and rolls back applied files when any step
// fails.
type RemoteClient interface {
	// CreateBranch creates and switches to a new branch.
	CreateBranch(ctx context.Context, name string) error

	// Commit stages the given files and commits them.
	Commit(ctx context.Context, message string, files []string) error

	// Push pushes the branch to the default remote.
	Push(ctx context.Context, branch string) error

	// OpenReview opens a review request for the pushed branch and
	// returns its URL.
	OpenReview(ctx context.Context, branch, title, body string) (string, error)
}

// GitCLI implements RemoteClient using the git and gh command lines.
//
// # Description
//
// Executes commands with a per-operation timeout in the configured
// repository directory. Failures wrap ErrRemote and carry the tool's
// stderr.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type GitCLI struct {
	repoPath string
	timeout  time.Duration
}

// NewGitCLI creates a remote client for the repository at repoPath.
//
// # Inputs
//
//   - repoPath: Absolute path to the git repository.
//   - timeout: Maximum duration per command. Defaults to 30s when
//     non-positive.
func NewGitCLI(repoPath string, timeout time.Duration) (*GitCLI, error) {
	if !filepath.IsAbs(repoPath) {
		return nil, fmt.Errorf("repoPath must be absolute: %s", repoPath)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GitCLI{repoPath: repoPath, timeout: timeout}, nil
}

// run executes a command and returns stdout.
func (g *GitCLI) run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = g.repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: %s %s: timeout after %v", ErrRemote, name, args[0], g.timeout)
		}
		return "", fmt.Errorf("%w: %s %s: %v: %s", ErrRemote, name, args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CreateBranch creates and switches to branch name.
func (g *GitCLI) CreateBranch(ctx context.Context, name string) error {
	if err := validation.ValidateBranchName(name); err != nil {
		return fmt.Errorf("%w: %v", ErrRemote, err)
	}
	_, err := g.run(ctx, "git", "checkout", "-b", name)
	return err
}

// Commit stages files and commits them with message.
func (g *GitCLI) Commit(ctx context.Context, message string, files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("%w: commit with no files", ErrRemote)
	}
	addArgs := append([]string{"add", "--"}, files...)
	if _, err := g.run(ctx, "git", addArgs...); err != nil {
		return err
	}
	_, err := g.run(ctx, "git", "commit", "-m", message)
	return err
}

// Push pushes branch to origin, setting the upstream.
func (g *GitCLI) Push(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "git", "push", "-u", "origin", branch)
	return err
}

// OpenReview opens a pull request via gh and returns its URL.
func (g *GitCLI) OpenReview(ctx context.Context, branch, title, body string) (string, error) {
	return g.run(ctx, "gh", "pr", "create", "--head", branch, "--title", title, "--body", body)
}
