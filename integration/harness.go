//go:build integration

package integration

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"testing"
)

// workspace is a real git repository whose .pergit.yaml points the p4 tool at
// an argv-logging shim, so command flows run end to end without a Perforce
// server.
type workspace struct {
	t       *testing.T
	root    string
	shim    string
	logPath string
}

// shimResponse scripts what the p4 shim prints for one command shape. Script
// lines run in the workspace root after the output, simulating files a real
// sync would write.
type shimResponse struct {
	Stdout string
	Stderr string
	Exit   int
	Script string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	root := t.TempDir()
	initRepo(t, root)
	return &workspace{t: t, root: root}
}

// installShim writes the p4 shim and a .pergit.yaml selecting it, then
// commits the config so the tree starts clean.
func (w *workspace) installShim(responses map[string]shimResponse) {
	w.t.Helper()

	shimDir := w.t.TempDir()
	w.logPath = filepath.Join(shimDir, "p4.log")
	w.shim = filepath.Join(shimDir, "p4")
	if err := os.WriteFile(w.shim, []byte(shimScript(w.logPath, responses)), 0o755); err != nil {
		w.t.Fatalf("failed to write p4 shim: %v", err)
	}

	config := fmt.Sprintf("tools:\n  p4: %q\nsync:\n  depot_path: \"//depot/...\"\n", w.shim)
	if err := os.WriteFile(filepath.Join(w.root, ".pergit.yaml"), []byte(config), 0o600); err != nil {
		w.t.Fatalf("failed to write config: %v", err)
	}
	mustGit(w.t, w.root, "add", ".pergit.yaml")
	mustGit(w.t, w.root, "commit", "-m", "Add pergit config")
}

// shimScript renders a shell script that logs every invocation and answers
// according to responses. Commands are keyed by their subcommand, plus the
// following flag when one is present ("sync -n", "change -o"). Unknown
// commands exit zero silently.
func shimScript(logPath string, responses map[string]shimResponse) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "printf '%%s %%s\\n' \"$(date -Iseconds)\" \"$*\" >> '%s'\n", logPath)
	b.WriteString("key=\"$1\"\n")
	b.WriteString("case \"$2\" in\n-*) key=\"$1 $2\" ;;\nesac\n")
	b.WriteString("case \"$key\" in\n")

	keys := make([]string, 0, len(responses))
	for key := range responses {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		r := responses[key]
		fmt.Fprintf(&b, "'%s')\n", key)
		writeHeredoc(&b, "", r.Stdout)
		writeHeredoc(&b, " >&2", r.Stderr)
		if r.Script != "" {
			b.WriteString(r.Script)
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "exit %d\n;;\n", r.Exit)
	}

	b.WriteString("*)\nexit 0\n;;\nesac\n")
	return b.String()
}

func writeHeredoc(b *strings.Builder, redirect, content string) {
	if content == "" {
		return
	}
	fmt.Fprintf(b, "cat%s <<'PERGIT_SHIM_EOF'\n", redirect)
	b.WriteString(strings.TrimSuffix(content, "\n"))
	b.WriteString("\nPERGIT_SHIM_EOF\n")
}

// shimLog reads and parses the p4 shim log.
func (w *workspace) shimLog() []ShimLogEntry {
	w.t.Helper()

	content, err := os.ReadFile(w.logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		w.t.Fatalf("failed to read shim log: %v", err)
	}

	var entries []ShimLogEntry
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		// Parse: "2024-01-01T12:00:00+00:00 sync //depot/...@42"
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}

		entries = append(entries, ShimLogEntry{
			Timestamp: parts[0],
			Args:      strings.Fields(parts[1]),
		})
	}
	if err := scanner.Err(); err != nil {
		w.t.Fatalf("failed to scan shim log: %v", err)
	}

	return entries
}

// clearShimLog truncates the p4 shim log.
func (w *workspace) clearShimLog() {
	w.t.Helper()
	if err := os.WriteFile(w.logPath, nil, 0o644); err != nil {
		w.t.Fatalf("failed to clear shim log: %v", err)
	}
}

func (w *workspace) lastSubject() string {
	w.t.Helper()
	return strings.TrimSpace(mustGit(w.t, w.root, "log", "-1", "--pretty=%s"))
}

func (w *workspace) commitCount() int {
	w.t.Helper()
	out := strings.TrimSpace(mustGit(w.t, w.root, "rev-list", "--count", "HEAD"))
	count, err := strconv.Atoi(out)
	if err != nil {
		w.t.Fatalf("failed to parse commit count from %q: %v", out, err)
	}
	return count
}

func (w *workspace) readFile(name string) string {
	w.t.Helper()
	content, err := os.ReadFile(filepath.Join(w.root, name))
	if err != nil {
		w.t.Fatalf("failed to read %s: %v", name, err)
	}
	return string(content)
}

// ShimLogEntry represents one parsed p4 shim invocation.
type ShimLogEntry struct {
	Timestamp string
	Args      []string
}

// String returns a human-readable representation
func (e ShimLogEntry) String() string {
	return fmt.Sprintf("%s: p4 %s", e.Timestamp, strings.Join(e.Args, " "))
}

// HasArgs checks if the entry starts with the given arguments
func (e ShimLogEntry) HasArgs(args ...string) bool {
	if len(e.Args) < len(args) {
		return false
	}
	for i, arg := range args {
		if e.Args[i] != arg {
			return false
		}
	}
	return true
}

// ContainsArg checks if the entry contains a specific argument anywhere
func (e ShimLogEntry) ContainsArg(arg string) bool {
	for _, a := range e.Args {
		if a == arg {
			return true
		}
	}
	return false
}

// cli runs the built pergit binary from the workspace root.
type cli struct {
	t   *testing.T
	bin string
	dir string
}

func (c *cli) run(args ...string) (string, string, int) {
	c.t.Helper()

	cmd := exec.Command(c.bin, args...)
	cmd.Dir = c.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			c.t.Fatalf("failed to run pergit: %v", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode
}

// mustRun runs pergit and fails the test on a non-zero exit.
func (c *cli) mustRun(args ...string) (string, string) {
	c.t.Helper()
	stdout, stderr, exitCode := c.run(args...)
	if exitCode != 0 {
		c.t.Fatalf("pergit %s failed with exit code %d\nstdout: %s\nstderr: %s",
			strings.Join(args, " "), exitCode, stdout, stderr)
	}
	return stdout, stderr
}

// buildBinary compiles pergit into a temporary directory.
func buildBinary(t *testing.T) string {
	t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		t.Fatalf("get project root: %v", err)
	}

	bin := filepath.Join(t.TempDir(), "pergit")
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/pergit")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		t.Fatalf("go build: %v", err)
	}

	return bin
}

// initRepo creates a local repo with commit identity configured.
func initRepo(t *testing.T, dir string) {
	t.Helper()
	cmds := [][]string{
		{"git", "init", "-b", "main", dir},
		{"git", "-C", dir, "config", "user.email", "test@test.com"},
		{"git", "-C", dir, "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			t.Fatalf("%v: %s", err, out)
		}
	}
}

// commitFile creates or overwrites a file and commits it.
func commitFile(t *testing.T, repoDir, name, content, msg string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(repoDir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	for _, args := range [][]string{
		{"git", "-C", repoDir, "add", name},
		{"git", "-C", repoDir, "commit", "-m", msg},
	} {
		if out, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
			t.Fatalf("%v: %s", err, out)
		}
	}
}

func mustGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return string(out)
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up the directory tree from this source file to find go.mod
func findProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)

	for {
		goModPath := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(goModPath); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
