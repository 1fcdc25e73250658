// Package vcs wraps the git operations the agent needs: committing
// applied changes and reverting commits that made things worse. It
// shells out to the git binary in the workspace directory rather than
// reimplementing any plumbing.
package vcs

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"tinker/internal/logging"
)

// Client runs git commands against a single workspace.
type Client struct {
	workspace string
	log       *zap.Logger
}

// NewClient creates a git client rooted at workspace.
func NewClient(workspace string) *Client {
	return &Client{
		workspace: workspace,
		log:       logging.Named("vcs"),
	}
}

// Workspace returns the directory the client operates in.
func (c *Client) Workspace() string { return c.workspace }

// run executes git with the given arguments and returns trimmed
// combined output. Failures include the output, which is where git puts
// its diagnostics.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.workspace
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text != "" {
			return text, fmt.Errorf("git %s: %w: %s", args[0], err, text)
		}
		return text, fmt.Errorf("git %s: %w", args[0], err)
	}
	return text, nil
}

// IsRepo reports whether the workspace is inside a git work tree.
func (c *Client) IsRepo(ctx context.Context) bool {
	out, err := c.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// Head returns the current commit hash.
func (c *Client) Head(ctx context.Context) (string, error) {
	return c.run(ctx, "rev-parse", "HEAD")
}

// Status returns the porcelain status output, empty for a clean tree.
func (c *Client) Status(ctx context.Context) (string, error) {
	return c.run(ctx, "status", "--porcelain")
}

// HasChanges reports whether the working tree has uncommitted changes.
func (c *Client) HasChanges(ctx context.Context) (bool, error) {
	status, err := c.Status(ctx)
	if err != nil {
		return false, err
	}
	return status != "", nil
}

// Commit stages everything and commits with the given message,
// returning the new commit hash. A clean tree yields ErrNothingToCommit
// so callers can tell "no-op" from "failed".
func (c *Client) Commit(ctx context.Context, message string) (string, error) {
	if !c.IsRepo(ctx) {
		return "", ErrNotRepo
	}
	dirty, err := c.HasChanges(ctx)
	if err != nil {
		return "", err
	}
	if !dirty {
		return "", ErrNothingToCommit
	}

	if _, err := c.run(ctx, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := c.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	sha, err := c.Head(ctx)
	if err != nil {
		return "", err
	}
	c.log.Info("committed changes",
		zap.String("commit", sha),
		zap.String("message", message))
	return sha, nil
}

// Revert creates a new commit that undoes the named commit. The history
// keeps both, so a bad revert can itself be reverted.
func (c *Client) Revert(ctx context.Context, sha string) error {
	if !c.IsRepo(ctx) {
		return ErrNotRepo
	}
	if _, err := c.run(ctx, "revert", "--no-edit", sha); err != nil {
		return err
	}
	c.log.Info("reverted commit", zap.String("commit", sha))
	return nil
}

// Show returns the one-line subject of a commit, used in task reports.
func (c *Client) Show(ctx context.Context, sha string) (string, error) {
	return c.run(ctx, "log", "-1", "--format=%s", sha)
}
