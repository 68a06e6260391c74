package review

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/neoboid/pergit/internal/changes"
	"github.com/neoboid/pergit/internal/edit"
	"github.com/neoboid/pergit/internal/git"
	"github.com/neoboid/pergit/internal/p4"
)

// Engine creates and updates Swarm reviews. A review is a shelved pending
// changelist whose description carries the #review keyword.
type Engine struct {
	git    git.Client
	p4     p4.Client
	edit   *edit.Engine
	out    io.Writer
	logger *slog.Logger
	dryRun bool
}

func NewEngine(gitClient git.Client, p4Client p4.Client, editEngine *edit.Engine, out io.Writer, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		git:    gitClient,
		p4:     p4Client,
		edit:   editEngine,
		out:    out,
		logger: logger,
		dryRun: dryRun,
	}
}

// New creates a changelist described by the commits since the base branch,
// opens every changed path into it and shelves it so Swarm picks it up.
func (e *Engine) New(ctx context.Context, base string) error {
	description, err := e.describe(ctx, base)
	if err != nil {
		return err
	}

	changelist, err := e.p4.CreateChangelist(ctx, description)
	if err != nil {
		return fmt.Errorf("failed to create changelist: %w", err)
	}
	if e.dryRun {
		fmt.Fprintln(e.out, "Would create a Swarm review for the new changelist")
		return nil
	}
	fmt.Fprintf(e.out, "Created new changelist: %d\n", changelist)

	if err := e.edit.OpenChanged(ctx, base, changelist); err != nil {
		return err
	}
	if err := e.p4.Shelve(ctx, changelist); err != nil {
		return fmt.Errorf("failed to shelve changelist: %w", err)
	}

	fmt.Fprintf(e.out, "Created Swarm review for changelist %d\n", changelist)
	return nil
}

// Update re-opens the changed paths into an existing review changelist and
// replaces its shelf.
func (e *Engine) Update(ctx context.Context, changelist int, base string) error {
	e.logger.Debug("updating review", "changelist", changelist, "base", base)

	if err := e.edit.OpenChanged(ctx, base, changelist); err != nil {
		return err
	}
	if err := e.p4.Shelve(ctx, changelist); err != nil {
		return fmt.Errorf("failed to shelve changelist: %w", err)
	}

	fmt.Fprintf(e.out, "Updated Swarm review for changelist %d\n", changelist)
	return nil
}

// describe renders the numbered commit subjects followed by the keyword
// Swarm watches for.
func (e *Engine) describe(ctx context.Context, base string) (string, error) {
	head, err := e.git.CurrentPosition(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to resolve current position: %w", err)
	}
	subjects, err := e.git.CommitSubjects(ctx, base, head)
	if err != nil {
		return "", fmt.Errorf("failed to list commits: %w", err)
	}

	description := changes.Format(subjects)
	if description == "" {
		description = "Pending changes\n"
	}
	return description + "#review", nil
}
