package sync

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/neoboid/pergit/internal/p4"
)

var actionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))

// report renders per-file sync lines and accumulates the statistics printed
// after a sync call.
type report struct {
	out    io.Writer
	total  int
	seen   int
	counts map[p4.Action]int
	sizes  map[p4.Action]int64
}

// newReport creates a report expecting total files. A negative total
// suppresses the progress lines.
func newReport(out io.Writer, total int) *report {
	return &report{
		out:    out,
		total:  total,
		counts: make(map[p4.Action]int),
		sizes:  make(map[p4.Action]int64),
	}
}

// render prints the parsed sync output followed by the totals.
func (r *report) render(result *p4.SyncResult, elapsed time.Duration) {
	for _, line := range result.Unparsed {
		fmt.Fprintf(r.out, "Unparsable line: %s\n", line)
	}
	if result.UpToDate && len(result.Files) == 0 {
		fmt.Fprintln(r.out, "All files are up to date")
		return
	}
	for _, file := range result.Files {
		r.add(file)
	}
	r.printTotals(elapsed)
}

// add prints one synced file with its progress and size lines.
func (r *report) add(file p4.SyncedFile) {
	r.seen++
	r.counts[file.Action]++

	fmt.Fprintf(r.out, "%s: %s\n", actionStyle.Render(string(file.Action)), file.Path)

	const indent = "     "
	if r.total >= 0 {
		fmt.Fprintf(r.out, "%sprogress: %d / %d\n", indent, r.seen, r.total)
	}

	// Deleted files have no local content left to measure.
	if file.Action == p4.ActionDelete {
		return
	}
	size := fileSize(file.Path)
	r.sizes[file.Action] += size
	fmt.Fprintf(r.out, "%ssize: %s\n", indent, humanize.IBytes(uint64(size)))
}

// printTotals prints the overall line and the per-action blocks. Clobbered
// files never reached the workspace, so they are subtracted from the totals.
func (r *report) printTotals(elapsed time.Duration) {
	count := r.counts[p4.ActionAdd] + r.counts[p4.ActionUpdate] - r.counts[p4.ActionClobber]
	size := r.sizes[p4.ActionAdd] + r.sizes[p4.ActionUpdate] - r.sizes[p4.ActionClobber]
	if count < 0 {
		count = 0
	}
	if size < 0 {
		size = 0
	}

	var rate int64
	if secs := elapsed.Seconds(); secs > 0 {
		rate = int64(float64(size) / secs)
	}

	fmt.Fprintf(r.out, "Sync stats: file count %d, size %s, time %s, average speed %s / sec\n",
		count,
		humanize.IBytes(uint64(size)),
		elapsed.Round(time.Millisecond),
		humanize.IBytes(uint64(rate)))

	for _, action := range p4.Actions {
		fmt.Fprintf(r.out, "%s\n", action)
		fmt.Fprintf(r.out, "  count: %d\n", r.counts[action])
		fmt.Fprintf(r.out, "  size : %s\n", humanize.IBytes(uint64(r.sizes[action])))
	}
}

// fileSize measures a local file, zero when it cannot be measured.
func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return 0
	}
	return info.Size()
}
