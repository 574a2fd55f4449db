package gitrepo

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Client runs git against a single working tree, mutating it in place.
// Concurrent invocations against the same tree are the caller's hazard.
type Client struct {
	dir    string
	logger *slog.Logger
}

func NewClient(dir string, logger *slog.Logger) *Client {
	return &Client{dir: dir, logger: logger}
}

func (c *Client) Dir() string {
	return c.dir
}

// CurrentBranch returns the checked-out branch name.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	out, err := c.output(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// HasUncommittedChanges reports whether the tree has staged, unstaged, or
// untracked changes.
func (c *Client) HasUncommittedChanges(ctx context.Context) (bool, error) {
	out, err := c.output(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// Stash saves all local changes, untracked files included.
func (c *Client) Stash(ctx context.Context, message string) error {
	return c.run(ctx, "stash", "push", "--include-untracked", "-m", message)
}

func (c *Client) Checkout(ctx context.Context, branch string) error {
	return c.run(ctx, "checkout", branch)
}

func (c *Client) Pull(ctx context.Context) error {
	return c.run(ctx, "pull", "--no-rebase")
}

// PullPreferRemote retries a failed pull resolving conflicting hunks in
// favor of the remote side. Lossy for local divergence on those hunks;
// callers must warn before invoking it.
func (c *Client) PullPreferRemote(ctx context.Context) error {
	// A half-applied merge from the failed pull blocks any retry.
	_ = c.run(ctx, "merge", "--abort")
	return c.run(ctx, "pull", "--no-rebase", "--strategy-option=theirs")
}

// DeleteBranch removes the local feature branch. Best-effort: a missing
// branch (already gone, never created locally) is not an error.
func (c *Client) DeleteBranch(ctx context.Context, branch string) error {
	if err := c.run(ctx, "branch", "-D", branch); err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil
		}
		return err
	}
	return nil
}

// DeleteRemoteTrackingRef prunes the remote-tracking ref for a branch the
// hosting side already deleted. Best-effort.
func (c *Client) DeleteRemoteTrackingRef(ctx context.Context, branch string) error {
	if err := c.run(ctx, "branch", "-rd", "origin/"+branch); err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil
		}
		return err
	}
	return nil
}

func (c *Client) run(ctx context.Context, args ...string) error {
	c.logger.Debug("exec", "cmd", "git "+strings.Join(args, " "), "dir", c.dir)
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, string(out))
	}
	return nil
}

func (c *Client) output(ctx context.Context, args ...string) (string, error) {
	c.logger.Debug("exec", "cmd", "git "+strings.Join(args, " "), "dir", c.dir)
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.dir
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, string(exitErr.Stderr))
		}
		return "", err
	}
	return string(out), nil
}
