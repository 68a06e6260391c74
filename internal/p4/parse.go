package p4

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/neoboid/pergit/internal/run"
)

// Action classifies a line of p4 sync output.
type Action string

const (
	ActionAdd     Action = "add"
	ActionDelete  Action = "del"
	ActionUpdate  Action = "upd"
	ActionClobber Action = "clb"
)

// Actions lists all actions in the order reports present them.
var Actions = []Action{ActionAdd, ActionDelete, ActionUpdate, ActionClobber}

// SyncedFile is one file touched by a sync, with the local path p4 reported.
type SyncedFile struct {
	Action Action
	Path   string
}

// SyncResult is the parsed output of one p4 sync invocation.
type SyncResult struct {
	Files    []SyncedFile
	Writable []string
	UpToDate bool
	Unparsed []string
}

// syncMarkers maps the p4 sync output fragments to actions. Order matters:
// the first marker found in a line wins. A refreshing line is emitted by
// forced syncs and counts as an update.
var syncMarkers = []struct {
	marker string
	action Action
}{
	{" - added as ", ActionAdd},
	{" - deleted as ", ActionDelete},
	{" - updating ", ActionUpdate},
	{" - refreshing ", ActionUpdate},
	{"Can't clobber writable file ", ActionClobber},
}

var upToDateRE = regexp.MustCompile(`@\d+ - file\(s\) up-to-date\.`)

// parseSyncLine extracts the action and local path from one sync output line.
func parseSyncLine(line string) (Action, string, bool) {
	for _, m := range syncMarkers {
		if _, after, found := strings.Cut(line, m.marker); found {
			return m.action, strings.TrimSpace(after), true
		}
	}
	return "", "", false
}

// parseSync folds the stdout and stderr of a p4 sync run into a SyncResult.
// p4 reports clobber rejections and the up-to-date notice on stderr, so both
// streams are scanned with the same rules.
func parseSync(stdout, stderr string) *SyncResult {
	result := &SyncResult{}
	for _, stream := range []string{stdout, stderr} {
		for _, line := range run.Lines(stream) {
			if upToDateRE.MatchString(line) {
				result.UpToDate = true
				continue
			}
			action, path, ok := parseSyncLine(line)
			if !ok {
				result.Unparsed = append(result.Unparsed, line)
				continue
			}
			result.Files = append(result.Files, SyncedFile{Action: action, Path: path})
			if action == ActionClobber {
				result.Writable = append(result.Writable, path)
			}
		}
	}
	return result
}

var openedChangeRE = regexp.MustCompile(` - edit change (\d+)`)

// parseOpenedChangelist reads p4 opened output for a single path and reports
// where the file is open: "" when it is not opened for edit, "default" for
// the default changelist, or the changelist number.
func parseOpenedChangelist(lines []string) string {
	for _, line := range lines {
		if strings.Contains(line, "file(s) not opened on this client") {
			continue
		}
		if strings.Contains(line, " - edit default change ") {
			return "default"
		}
		if m := openedChangeRE.FindStringSubmatch(line); m != nil {
			return m[1]
		}
	}
	return ""
}

var changeCreatedRE = regexp.MustCompile(`Change (\d+) created`)

// parseChangeCreated extracts the changelist number from p4 change -i output.
func parseChangeCreated(output string) (int, bool) {
	m := changeCreatedRE.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// specWithDescription replaces the Description section of a changelist spec
// with the given text, one tab-indented line per description line. The spec
// format ends a section at the first blank line after its header.
func specWithDescription(spec, description string) string {
	lines := strings.Split(spec, "\n")

	start := -1
	end := len(lines)
	for i, line := range lines {
		if start < 0 {
			if strings.TrimSpace(line) == "Description:" {
				start = i
			}
			continue
		}
		if strings.TrimSpace(line) == "" {
			end = i
			break
		}
	}

	var desc []string
	desc = append(desc, "Description:")
	for _, line := range strings.Split(strings.TrimRight(description, "\n"), "\n") {
		desc = append(desc, "\t"+line)
	}

	if start < 0 {
		var out []string
		out = append(out, lines...)
		if len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
			out = out[:len(out)-1]
		}
		out = append(out, "")
		out = append(out, desc...)
		out = append(out, "")
		return strings.Join(out, "\n")
	}

	var out []string
	out = append(out, lines[:start]...)
	out = append(out, desc...)
	out = append(out, lines[end:]...)
	return strings.Join(out, "\n")
}
