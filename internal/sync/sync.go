package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/neoboid/pergit/internal/config"
	"github.com/neoboid/pergit/internal/git"
	"github.com/neoboid/pergit/internal/p4"
)

// Engine orchestrates the sync process
type Engine struct {
	cfg    *config.Config
	git    git.Client
	p4     p4.Client
	out    io.Writer
	logger *slog.Logger
	force  bool
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, gitClient git.Client, p4Client p4.Client, out io.Writer, logger *slog.Logger, force bool) *Engine {
	return &Engine{
		cfg:    cfg,
		git:    gitClient,
		p4:     p4Client,
		out:    out,
		logger: logger,
		force:  force,
	}
}

// Run syncs the workspace to the target changelist and records a sync commit
// whose subject names the changelist. With head set, the workspace is
// re-synced to the last recorded changelist and nothing is committed.
func (e *Engine) Run(ctx context.Context, changelist int, head bool) error {
	e.logger.Info("starting sync",
		"changelist", changelist,
		"head", head,
		"force", e.force)

	// Both trees must be clean before moving the workspace.
	clean, err := e.git.IsClean(ctx)
	if err != nil {
		return fmt.Errorf("failed to check git status: %w", err)
	}
	if !clean {
		return errors.New("git status shows that workspace is not clean, aborting")
	}

	opened, err := e.p4.Opened(ctx)
	if err != nil {
		return fmt.Errorf("failed to check opened files: %w", err)
	}
	if len(opened) > 0 {
		return errors.New("p4 opened shows that workspace is not clean, aborting")
	}

	last := e.lastSyncedChangelist(ctx)

	if head {
		if last == 0 {
			return errors.New("no sync commit found to resolve head")
		}
		if err := e.syncOnce(ctx, last); err != nil {
			return fmt.Errorf("failed to sync files from perforce: %w", err)
		}
		return nil
	}

	if last == changelist {
		fmt.Fprintf(e.out, "Changelist of last commit is %d, nothing to do\n", last)
		return nil
	}

	// Return to the recorded changelist first, then move to the target.
	if last != 0 {
		if err := e.syncOnce(ctx, last); err != nil {
			return fmt.Errorf("failed to sync files from perforce: %w", err)
		}
	}
	if err := e.syncOnce(ctx, changelist); err != nil {
		return fmt.Errorf("failed to sync files from perforce: %w", err)
	}

	return e.commitSync(ctx, changelist)
}

// syncOnce performs a single sync call with its preview, progress report and
// writable-file handling.
func (e *Engine) syncOnce(ctx context.Context, changelist int) error {
	if e.force {
		if err := e.clearWriteProtection(ctx); err != nil {
			return err
		}
	}

	depot := e.cfg.Sync.DepotPath
	count, err := e.p4.Preview(ctx, depot, changelist)
	if err != nil {
		return err
	}
	if count == 0 {
		fmt.Fprintln(e.out, "All files are up to date")
		return nil
	}
	fmt.Fprintf(e.out, "Syncing %d files\n", count)

	start := time.Now()
	result, syncErr := e.p4.Sync(ctx, depot, changelist)
	if result == nil {
		return syncErr
	}
	newReport(e.out, count).render(result, time.Since(start))
	if syncErr == nil {
		return nil
	}

	if len(result.Writable) == 0 {
		return syncErr
	}
	fmt.Fprintf(e.out, "Found %d writable files\n", len(result.Writable))
	if !e.force {
		fmt.Fprintln(e.out, "Leaving files as is, use --force to force sync")
		for _, path := range result.Writable {
			fmt.Fprintln(e.out, path)
		}
		return syncErr
	}
	for _, path := range result.Writable {
		if err := e.forceSyncPath(ctx, path, changelist); err != nil {
			return err
		}
	}
	return nil
}

// clearWriteProtection makes every locally modified file writable. Runs
// before the sync call so a non-clobbering workspace does not fail on files
// the repository touched.
func (e *Engine) clearWriteProtection(ctx context.Context) error {
	paths, err := e.git.ModifiedPaths(ctx)
	if err != nil {
		return fmt.Errorf("failed to list modified files: %w", err)
	}
	for _, path := range paths {
		if err := e.git.ClearWriteProtection(path); err != nil {
			return err
		}
		e.logger.Debug("cleared write protection", "path", path)
	}
	return nil
}

// forceSyncPath re-syncs one writable file, clobbering its local content.
func (e *Engine) forceSyncPath(ctx context.Context, path string, changelist int) error {
	e.logger.Info("force syncing writable file", "path", path)

	start := time.Now()
	result, err := e.p4.ForceSyncPath(ctx, path, changelist)
	if result != nil {
		newReport(e.out, -1).render(result, time.Since(start))
	}
	return err
}

// commitSync stages whatever the sync changed and records the sync commit.
// The commit is allowed to be empty so the recorded changelist always moves.
func (e *Engine) commitSync(ctx context.Context, changelist int) error {
	clean, err := e.git.IsClean(ctx)
	if err != nil {
		return fmt.Errorf("failed to check git status: %w", err)
	}
	if !clean {
		if err := e.git.AddAll(ctx); err != nil {
			return fmt.Errorf("failed to add files to git: %w", err)
		}
	}

	if err := e.git.Commit(ctx, subjectFor(e.cfg.Sync.DepotPath, changelist), true); err != nil {
		return fmt.Errorf("failed to commit files to git: %w", err)
	}

	fmt.Fprintln(e.out, "Finished with success")
	return nil
}

// lastSyncedChangelist reads the changelist recorded by the most recent sync
// commit, zero when there is none.
func (e *Engine) lastSyncedChangelist(ctx context.Context) int {
	subject, err := e.git.LastCommitSubject(ctx)
	if err != nil {
		e.logger.Debug("no last commit subject", "error", err)
		return 0
	}
	return changelistFromSubject(subject)
}

var syncSubjectRE = regexp.MustCompile(`(\d+): p4 sync .*@(\d+)`)

// subjectFor renders the commit subject that records a sync.
func subjectFor(depot string, changelist int) string {
	return fmt.Sprintf("%d: p4 sync %s@%d", changelist, depot, changelist)
}

// changelistFromSubject extracts the changelist a sync commit recorded. The
// leading number and the pinned revision must agree; zero means the subject
// records no sync.
func changelistFromSubject(subject string) int {
	m := syncSubjectRE.FindStringSubmatch(subject)
	if m == nil || m[1] != m[2] {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}
