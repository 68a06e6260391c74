package p4

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/neoboid/pergit/internal/run"
)

// PathError reports a p4 command that failed for a specific file.
type PathError struct {
	Op     string
	Path   string
	Stderr string
}

func (e *PathError) Error() string {
	msg := fmt.Sprintf("p4 %s %s failed", e.Op, e.Path)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Client provides queries and commands against the Perforce workspace
type Client interface {
	// Preview returns the number of files a sync to the changelist would
	// touch, without syncing anything.
	Preview(ctx context.Context, depot string, changelist int) (int, error)
	// Sync brings the workspace to the changelist. On a non-zero exit the
	// parsed partial result is returned together with the error so callers
	// can inspect the writable files that blocked the sync.
	Sync(ctx context.Context, depot string, changelist int) (*SyncResult, error)
	// ForceSyncPath re-syncs a single file, clobbering local content.
	ForceSyncPath(ctx context.Context, path string, changelist int) (*SyncResult, error)
	// Opened lists the raw p4 opened lines for the whole workspace.
	Opened(ctx context.Context) ([]string, error)
	// OpenedChangelist reports where a file is open for edit: "" when it
	// is not opened, "default", or the changelist number.
	OpenedChangelist(ctx context.Context, path string) (string, error)
	// OpenForEdit opens a file for edit. A zero changelist opens it in the
	// default changelist.
	OpenForEdit(ctx context.Context, path string, changelist int) error
	// Reopen moves an already-open file to another changelist.
	Reopen(ctx context.Context, path string, changelist int) error
	// CreateChangelist creates a new pending changelist with the given
	// description and returns its number.
	CreateChangelist(ctx context.Context, description string) (int, error)
	// Shelve shelves the changelist, replacing any previous shelf.
	Shelve(ctx context.Context, changelist int) error
}

// ShellClient implements Client by shelling out to the p4 command. With
// dryRun set, commands that would modify the workspace or the depot are
// echoed to out instead of executed; queries always run.
type ShellClient struct {
	runner run.Runner
	p4     string
	dryRun bool
	out    io.Writer
}

// NewShellClient creates a p4 client using the given tool name or path.
func NewShellClient(runner run.Runner, p4Tool string, dryRun bool, out io.Writer) *ShellClient {
	return &ShellClient{
		runner: runner,
		p4:     p4Tool,
		dryRun: dryRun,
		out:    out,
	}
}

func target(depot string, changelist int) string {
	return fmt.Sprintf("%s@%d", depot, changelist)
}

// echo prints the command line that a dry run suppressed.
func (c *ShellClient) echo(args ...string) {
	fmt.Fprintln(c.out, ">", run.CommandLine(c.p4, args...))
}

func (c *ShellClient) Preview(ctx context.Context, depot string, changelist int) (int, error) {
	res, err := c.runner.Run(ctx, c.p4, "sync", "-n", target(depot, changelist))
	if err != nil {
		return 0, err
	}
	if res.ExitCode != 0 {
		// An up-to-date workspace makes p4 sync -n exit non-zero on some
		// server versions. Treat it as zero files to sync.
		if parseSync(res.Stdout, res.Stderr).UpToDate {
			return 0, nil
		}
		return 0, fmt.Errorf("p4 sync preview failed: %s", strings.TrimSpace(res.Stderr))
	}
	return len(run.Lines(res.Stdout)), nil
}

func (c *ShellClient) Sync(ctx context.Context, depot string, changelist int) (*SyncResult, error) {
	args := []string{"sync", target(depot, changelist)}
	if c.dryRun {
		c.echo(args...)
		return &SyncResult{}, nil
	}

	res, err := c.runner.Run(ctx, c.p4, args...)
	if err != nil {
		return nil, err
	}
	result := parseSync(res.Stdout, res.Stderr)
	if res.ExitCode != 0 {
		return result, fmt.Errorf("p4 sync %s failed with exit code %d", target(depot, changelist), res.ExitCode)
	}
	return result, nil
}

func (c *ShellClient) ForceSyncPath(ctx context.Context, path string, changelist int) (*SyncResult, error) {
	args := []string{"sync", "-f", fmt.Sprintf("%s@%d", path, changelist)}
	if c.dryRun {
		c.echo(args...)
		return &SyncResult{}, nil
	}

	res, err := c.runner.Run(ctx, c.p4, args...)
	if err != nil {
		return nil, err
	}
	result := parseSync(res.Stdout, res.Stderr)
	if res.ExitCode != 0 {
		return result, &PathError{Op: "sync -f", Path: path, Stderr: res.Stderr}
	}
	return result, nil
}

func (c *ShellClient) Opened(ctx context.Context) ([]string, error) {
	res, err := c.runner.Run(ctx, c.p4, "opened")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("p4 opened failed: %s", strings.TrimSpace(res.Stderr))
	}
	return run.Lines(res.Stdout), nil
}

func (c *ShellClient) OpenedChangelist(ctx context.Context, path string) (string, error) {
	res, err := c.runner.Run(ctx, c.p4, "opened", path)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("p4 opened %s failed: %s", path, strings.TrimSpace(res.Stderr))
	}
	return parseOpenedChangelist(run.Lines(res.Stdout)), nil
}

func (c *ShellClient) OpenForEdit(ctx context.Context, path string, changelist int) error {
	args := []string{"edit"}
	if changelist > 0 {
		args = append(args, "-c", strconv.Itoa(changelist))
	}
	args = append(args, path)

	if c.dryRun {
		c.echo(args...)
		return nil
	}

	res, err := c.runner.Run(ctx, c.p4, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &PathError{Op: "edit", Path: path, Stderr: res.Stderr}
	}
	return nil
}

func (c *ShellClient) Reopen(ctx context.Context, path string, changelist int) error {
	args := []string{"reopen", "-c", strconv.Itoa(changelist), path}
	if c.dryRun {
		c.echo(args...)
		return nil
	}

	res, err := c.runner.Run(ctx, c.p4, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &PathError{Op: "reopen", Path: path, Stderr: res.Stderr}
	}
	return nil
}

// CreateChangelist builds a changelist spec from the server's template so
// client and user fields stay whatever the workspace mapping says.
func (c *ShellClient) CreateChangelist(ctx context.Context, description string) (int, error) {
	res, err := c.runner.Run(ctx, c.p4, "change", "-o")
	if err != nil {
		return 0, err
	}
	if res.ExitCode != 0 {
		return 0, fmt.Errorf("p4 change -o failed: %s", strings.TrimSpace(res.Stderr))
	}
	spec := specWithDescription(res.Stdout, description)

	if c.dryRun {
		c.echo("change", "-i")
		return 0, nil
	}

	res, err = c.runner.RunInput(ctx, spec, c.p4, "change", "-i")
	if err != nil {
		return 0, err
	}
	if res.ExitCode != 0 {
		return 0, fmt.Errorf("p4 change -i failed: %s", strings.TrimSpace(res.Stderr))
	}
	n, ok := parseChangeCreated(res.Stdout)
	if !ok {
		return 0, fmt.Errorf("failed to parse changelist number from: %s", strings.TrimSpace(res.Stdout))
	}
	return n, nil
}

func (c *ShellClient) Shelve(ctx context.Context, changelist int) error {
	args := []string{"shelve", "-f", "-Af", "-c", strconv.Itoa(changelist)}
	if c.dryRun {
		c.echo(args...)
		return nil
	}

	res, err := c.runner.Run(ctx, c.p4, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("p4 shelve failed: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}
