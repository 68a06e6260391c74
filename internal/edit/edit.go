package edit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/neoboid/pergit/internal/changes"
	"github.com/neoboid/pergit/internal/git"
	"github.com/neoboid/pergit/internal/p4"
)

// Options configures one edit run.
type Options struct {
	// Changelist is the pending changelist to open files in. Zero means
	// the default changelist.
	Changelist int
	// NewChangelist creates a fresh changelist first, described by the
	// commit subjects since the base branch.
	NewChangelist bool
	// BaseBranch is the reference where git and the Perforce workspace
	// agree.
	BaseBranch string
}

// Engine opens locally committed changes for edit in the Perforce workspace
type Engine struct {
	git    git.Client
	p4     p4.Client
	out    io.Writer
	logger *slog.Logger
}

func NewEngine(gitClient git.Client, p4Client p4.Client, out io.Writer, logger *slog.Logger) *Engine {
	return &Engine{
		git:    gitClient,
		p4:     p4Client,
		out:    out,
		logger: logger,
	}
}

// Run opens every path changed since the base branch, creating a new
// changelist first when requested.
func (e *Engine) Run(ctx context.Context, opts Options) error {
	changelist := opts.Changelist
	if opts.NewChangelist {
		cl, err := e.CreateDescribedChangelist(ctx, opts.BaseBranch)
		if err != nil {
			return err
		}
		if cl > 0 {
			fmt.Fprintf(e.out, "Created new changelist: %d\n", cl)
		}
		changelist = cl
	}
	return e.OpenChanged(ctx, opts.BaseBranch, changelist)
}

// CreateDescribedChangelist creates a pending changelist described by the
// numbered commit subjects since the base branch. Under dry run the
// changelist number is zero.
func (e *Engine) CreateDescribedChangelist(ctx context.Context, base string) (int, error) {
	head, err := e.git.CurrentPosition(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve current position: %w", err)
	}
	subjects, err := e.git.CommitSubjects(ctx, base, head)
	if err != nil {
		return 0, fmt.Errorf("failed to list commits: %w", err)
	}

	description := changes.Format(subjects)
	if description == "" {
		description = "Pending changes"
	}

	cl, err := e.p4.CreateChangelist(ctx, description)
	if err != nil {
		return 0, fmt.Errorf("failed to create changelist: %w", err)
	}
	return cl, nil
}

// OpenChanged opens every path that differs between the base branch and the
// current position. Per-path failures are collected so every path gets its
// attempt; the joined error reports them all.
func (e *Engine) OpenChanged(ctx context.Context, base string, changelist int) error {
	head, err := e.git.CurrentPosition(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve current position: %w", err)
	}
	paths, err := e.git.ChangedPaths(ctx, base, head)
	if err != nil {
		return fmt.Errorf("failed to get a list of changed files: %w", err)
	}
	if len(paths) == 0 {
		e.logger.Debug("no changed paths", "base", base)
		return nil
	}

	var errs []error
	for _, path := range paths {
		if err := e.openPath(ctx, path, changelist); err != nil {
			e.logger.Error("failed to open path for edit", "path", path, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openPath opens one path for edit. With a target changelist the opened
// state decides between opening, moving and leaving the file alone; without
// one the file is opened in the default changelist unconditionally.
func (e *Engine) openPath(ctx context.Context, path string, changelist int) error {
	if changelist == 0 {
		return e.p4.OpenForEdit(ctx, path, 0)
	}

	opened, err := e.p4.OpenedChangelist(ctx, path)
	if err != nil {
		return err
	}
	switch opened {
	case "":
		return e.p4.OpenForEdit(ctx, path, changelist)
	case strconv.Itoa(changelist):
		e.logger.Debug("already open in target changelist", "path", path, "changelist", changelist)
		return nil
	default:
		return e.p4.Reopen(ctx, path, changelist)
	}
}
