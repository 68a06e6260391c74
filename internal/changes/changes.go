package changes

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/neoboid/pergit/internal/git"
)

// Lister prints the commit subjects between a base reference and HEAD
type Lister struct {
	git    git.Client
	out    io.Writer
	logger *slog.Logger
}

func NewLister(gitClient git.Client, out io.Writer, logger *slog.Logger) *Lister {
	return &Lister{
		git:    gitClient,
		out:    out,
		logger: logger,
	}
}

// Run prints the numbered commit subjects, oldest first. Nothing is printed
// when the range is empty.
func (l *Lister) Run(ctx context.Context, base string) error {
	l.logger.Debug("listing commits", "base", base)

	subjects, err := l.git.CommitSubjects(ctx, base, "HEAD")
	if err != nil {
		return fmt.Errorf("failed to list commits: %w", err)
	}
	fmt.Fprint(l.out, Format(subjects))
	return nil
}

// Format renders commit subjects as a numbered list, one per line. The same
// rendering seeds changelist descriptions.
func Format(subjects []string) string {
	var b strings.Builder
	for i, subject := range subjects {
		fmt.Fprintf(&b, "%d. %s\n", i+1, subject)
	}
	return b.String()
}
