package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/neoboid/pergit/internal/run"
)

// QueryError reports a repository query that exited non-zero. It carries the
// tool's stderr so callers can surface it verbatim.
type QueryError struct {
	Op     string
	Stderr string
}

func (e *QueryError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Op)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Client provides queries and commands against the local git repository
type Client interface {
	// ChangedPaths lists the de-duplicated file paths that differ between
	// two commit references.
	ChangedPaths(ctx context.Context, base, head string) ([]string, error)
	// CommitSubjects lists commit subjects between two references,
	// oldest first.
	CommitSubjects(ctx context.Context, base, head string) ([]string, error)
	// CurrentPosition resolves the commit hash the workspace is at.
	CurrentPosition(ctx context.Context) (string, error)
	// IsClean reports whether the working tree has no pending changes.
	IsClean(ctx context.Context) (bool, error)
	// ModifiedPaths lists files with uncommitted modifications.
	ModifiedPaths(ctx context.Context) ([]string, error)
	// ClearWriteProtection makes a workspace file writable by its owner.
	ClearWriteProtection(path string) error
	// AddAll stages every change in the working tree.
	AddAll(ctx context.Context) error
	// Commit records the staged changes.
	Commit(ctx context.Context, message string, allowEmpty bool) error
	// LastCommitSubject returns the subject of the most recent commit.
	LastCommitSubject(ctx context.Context) (string, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	runner run.Runner
	dir    string
	git    string
}

// NewShellClient creates a git client rooted at the workspace directory.
func NewShellClient(runner run.Runner, dir, gitTool string) *ShellClient {
	return &ShellClient{
		runner: runner,
		dir:    dir,
		git:    gitTool,
	}
}

// ChangedPaths lists the paths that differ between base and head, one per
// diff output line, de-duplicated. The change kind is deliberately not
// distinguished: added, modified and deleted paths are all reported alike.
func (c *ShellClient) ChangedPaths(ctx context.Context, base, head string) ([]string, error) {
	res, err := c.runner.Run(ctx, c.git, "diff", "--name-only", base+".."+head)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, &QueryError{Op: "git diff", Stderr: res.Stderr}
	}

	seen := make(map[string]bool)
	var paths []string
	for _, line := range run.Lines(res.Stdout) {
		if seen[line] {
			continue
		}
		seen[line] = true
		paths = append(paths, line)
	}
	return paths, nil
}

// CommitSubjects lists the commit subjects between base and head. git log
// reports newest first; the returned slice is reversed so callers always
// see chronological order.
func (c *ShellClient) CommitSubjects(ctx context.Context, base, head string) ([]string, error) {
	res, err := c.runner.Run(ctx, c.git, "log", "--pretty=%s", base+".."+head)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, &QueryError{Op: "git log", Stderr: res.Stderr}
	}

	subjects := run.Lines(res.Stdout)
	for i, j := 0, len(subjects)-1; i < j; i, j = i+1, j-1 {
		subjects[i], subjects[j] = subjects[j], subjects[i]
	}
	return subjects, nil
}

// CurrentPosition resolves HEAD to a commit hash.
func (c *ShellClient) CurrentPosition(ctx context.Context) (string, error) {
	res, err := c.runner.Run(ctx, c.git, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &QueryError{Op: "git rev-parse", Stderr: res.Stderr}
	}
	return strings.TrimSpace(res.Stdout), nil
}

// IsClean reports whether git status shows no pending changes, staged or not.
func (c *ShellClient) IsClean(ctx context.Context) (bool, error) {
	res, err := c.runner.Run(ctx, c.git, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return false, &QueryError{Op: "git status", Stderr: res.Stderr}
	}
	return len(run.Lines(res.Stdout)) == 0, nil
}

// ModifiedPaths lists tracked files with uncommitted modifications.
func (c *ShellClient) ModifiedPaths(ctx context.Context) ([]string, error) {
	res, err := c.runner.Run(ctx, c.git, "diff", "--name-only", "HEAD")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, &QueryError{Op: "git diff", Stderr: res.Stderr}
	}
	return run.Lines(res.Stdout), nil
}

// ClearWriteProtection adds the owner write bit to a file. Paths are
// interpreted relative to the workspace root.
func (c *ShellClient) ClearWriteProtection(path string) error {
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(c.dir, path)
	}

	info, err := os.Stat(full)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := os.Chmod(full, info.Mode()|0o200); err != nil {
		return fmt.Errorf("failed to clear write protection on %s: %w", path, err)
	}
	return nil
}

// AddAll stages all changes, including untracked files.
func (c *ShellClient) AddAll(ctx context.Context) error {
	res, err := c.runner.Run(ctx, c.git, "add", ".")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git add failed: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Commit records the staged changes with the given message.
func (c *ShellClient) Commit(ctx context.Context, message string, allowEmpty bool) error {
	args := []string{"commit", "-m", message}
	if allowEmpty {
		args = append(args, "--allow-empty")
	}

	res, err := c.runner.Run(ctx, c.git, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git commit failed: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// LastCommitSubject returns the subject line of the most recent commit.
func (c *ShellClient) LastCommitSubject(ctx context.Context) (string, error) {
	res, err := c.runner.Run(ctx, c.git, "log", "-1", "--pretty=%s")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &QueryError{Op: "git log", Stderr: res.Stderr}
	}
	return strings.TrimSpace(res.Stdout), nil
}
