package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Result holds the outcome of one finished command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes external commands and captures their output.
type Runner interface {
	// Run executes a command and captures stdout and stderr separately.
	// A non-zero exit is reported through Result.ExitCode, not through the
	// error: the error is reserved for commands that could not be started
	// at all.
	Run(ctx context.Context, name string, args ...string) (Result, error)
	// RunInput is Run with the given string fed to the command's stdin.
	RunInput(ctx context.Context, stdin, name string, args ...string) (Result, error)
}

// Shell implements Runner using os/exec with a fixed working directory.
type Shell struct {
	dir    string
	logger *slog.Logger
}

// NewShell creates a runner that executes commands in dir.
func NewShell(dir string, logger *slog.Logger) *Shell {
	return &Shell{dir: dir, logger: logger}
}

func (s *Shell) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return s.run(ctx, "", name, args...)
}

func (s *Shell) RunInput(ctx context.Context, stdin, name string, args ...string) (Result, error) {
	return s.run(ctx, stdin, name, args...)
}

func (s *Shell) run(ctx context.Context, stdin, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = s.dir
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("failed to start %s: %w", name, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	s.logger.Debug("command finished",
		"cmd", CommandLine(name, args...),
		"exit", res.ExitCode,
		"elapsed", time.Since(start))

	return res, nil
}

// CommandLine renders a command the way a user would type it, quoting
// arguments that contain spaces.
func CommandLine(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, arg := range args {
		if strings.Contains(arg, " ") {
			arg = `"` + arg + `"`
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}

// Lines splits captured output into non-empty lines without trailing
// carriage returns.
func Lines(output string) []string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
