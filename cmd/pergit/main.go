package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/neoboid/pergit/internal/changes"
	"github.com/neoboid/pergit/internal/config"
	"github.com/neoboid/pergit/internal/edit"
	"github.com/neoboid/pergit/internal/git"
	"github.com/neoboid/pergit/internal/p4"
	"github.com/neoboid/pergit/internal/review"
	"github.com/neoboid/pergit/internal/run"
	"github.com/neoboid/pergit/internal/sync"
	"github.com/neoboid/pergit/internal/workspace"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Command flags
	force      bool
	dryRun     bool
	baseBranch string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pergit",
	Short: "Bridge a git repository and a Perforce workspace sharing one tree",
	Long: `pergit bridges a git repository and a Perforce workspace that share a
single directory tree. Perforce stays the source of truth while day-to-day
work happens in git.

Sync pulls a depot changelist into the tree and records it as a git commit.
Edit opens locally committed changes for edit in Perforce, and review shelves
them as a Swarm review.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync changelist",
	Short: "Sync the workspace to a changelist and record it as a git commit",
	Long: `Sync brings the shared tree to the given changelist with p4 sync and
records the result as a git commit whose subject names the changelist.

When the last sync commit recorded a different changelist, the tree first
returns to that changelist before moving to the target so every sync commit
describes a single p4 sync. Pass "head" instead of a number to re-sync the
last recorded changelist without committing.`,
	Args: cobra.ExactArgs(1),
	RunE: runSync,
}

var editCmd = &cobra.Command{
	Use:   "edit [changelist]",
	Short: "Open files changed since the base branch for edit in Perforce",
	Long: `Edit lists the files changed between the base branch and HEAD and opens
each one for edit in the Perforce workspace. Without an argument, files open
in the default changelist.

Pass a changelist number to open files there, or "new" to create a fresh
changelist described by the commit subjects since the base branch.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEdit,
}

var listChangesCmd = &cobra.Command{
	Use:   "list-changes",
	Short: "List commit subjects since the base branch",
	Long: `List-changes prints the commit subjects between the base branch and HEAD
as a numbered list, oldest first. The same rendering seeds the changelist
descriptions created by edit and review.`,
	Args: cobra.NoArgs,
	RunE: runListChanges,
}

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Create or update Swarm reviews from local commits",
}

var reviewNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Shelve local changes as a new Swarm review",
	Long: `New creates a pending changelist described by the commit subjects since
the base branch with a #review keyword appended, opens every changed file
into it and shelves it so Swarm picks up the review.`,
	Args: cobra.NoArgs,
	RunE: runReviewNew,
}

var reviewUpdateCmd = &cobra.Command{
	Use:   "update changelist",
	Short: "Re-shelve local changes into an existing review changelist",
	Long: `Update re-opens the files changed since the base branch into the given
review changelist and replaces its shelf.`,
	Args: cobra.ExactArgs(1),
	RunE: runReviewUpdate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pergit %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <workspace>/.pergit.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync command flags
	syncCmd.Flags().BoolVarP(&force, "force", "f", false, "clear write protection on modified files and overwrite writable files")

	// Flags shared by the commit-range commands
	for _, cmd := range []*cobra.Command{editCmd, listChangesCmd, reviewNewCmd, reviewUpdateCmd} {
		cmd.Flags().StringVarP(&baseBranch, "base-branch", "b", "HEAD~1", "git reference where the repository and the Perforce workspace agree")
	}
	for _, cmd := range []*cobra.Command{editCmd, reviewNewCmd, reviewUpdateCmd} {
		cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "print Perforce commands without running them")
	}

	reviewCmd.AddCommand(reviewNewCmd)
	reviewCmd.AddCommand(reviewUpdateCmd)

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(listChangesCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	changelist, head, err := parseChangelist(args[0], "head")
	if err != nil {
		return err
	}

	env, err := setupEnv(false)
	if err != nil {
		return err
	}

	engine := sync.NewEngine(env.cfg, env.git, env.p4, os.Stdout, env.logger, force)
	if err := engine.Run(ctx, changelist, head); err != nil {
		env.logger.Error("sync failed", "error", err)
		return err
	}

	return nil
}

func runEdit(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	opts := edit.Options{}
	if len(args) == 1 {
		changelist, isNew, err := parseChangelist(args[0], "new")
		if err != nil {
			return err
		}
		opts.Changelist = changelist
		opts.NewChangelist = isNew
	}

	env, err := setupEnv(dryRun)
	if err != nil {
		return err
	}
	opts.BaseBranch = resolveBaseBranch(cmd, env.cfg)

	engine := edit.NewEngine(env.git, env.p4, os.Stdout, env.logger)
	return engine.Run(ctx, opts)
}

func runListChanges(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	env, err := setupEnv(false)
	if err != nil {
		return err
	}

	lister := changes.NewLister(env.git, os.Stdout, env.logger)
	return lister.Run(ctx, resolveBaseBranch(cmd, env.cfg))
}

func runReviewNew(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	env, err := setupEnv(dryRun)
	if err != nil {
		return err
	}

	return newReviewEngine(env).New(ctx, resolveBaseBranch(cmd, env.cfg))
}

func runReviewUpdate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	changelist, err := strconv.Atoi(args[0])
	if err != nil || changelist <= 0 {
		return fmt.Errorf("changelist must be a positive number, got %q", args[0])
	}

	env, err := setupEnv(dryRun)
	if err != nil {
		return err
	}

	return newReviewEngine(env).Update(ctx, changelist, resolveBaseBranch(cmd, env.cfg))
}

func newReviewEngine(env *env) *review.Engine {
	editEngine := edit.NewEngine(env.git, env.p4, os.Stdout, env.logger)
	return review.NewEngine(env.git, env.p4, editEngine, os.Stdout, env.logger, dryRun)
}

// parseChangelist parses a positive changelist number. The alias matches as a
// bare word and reports true instead of a number.
func parseChangelist(arg, alias string) (int, bool, error) {
	if arg == alias {
		return 0, true, nil
	}
	changelist, err := strconv.Atoi(arg)
	if err != nil || changelist <= 0 {
		return 0, false, fmt.Errorf("changelist must be a positive number or %q, got %q", alias, arg)
	}
	return changelist, false, nil
}

// resolveBaseBranch prefers an explicitly passed flag over the configured
// base branch.
func resolveBaseBranch(cmd *cobra.Command, cfg *config.Config) string {
	if cmd.Flags().Changed("base-branch") {
		return baseBranch
	}
	return cfg.Edit.BaseBranch
}

// env holds the collaborators every subcommand wires together.
type env struct {
	cfg    *config.Config
	root   string
	git    git.Client
	p4     p4.Client
	logger *slog.Logger
}

// setupEnv locates the workspace root, loads configuration and builds the
// shell clients. Both clients run from the root so git and p4 operate on the
// same tree.
func setupEnv(dryRun bool) (*env, error) {
	// Setup logger
	logger := setupLogger()

	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to determine working directory: %w", err)
	}
	root, err := workspace.FindRoot(wd)
	if err != nil {
		return nil, err
	}

	// Load configuration
	cfg, err := loadConfig(logger, root)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	runner := run.NewShell(root, logger)
	return &env{
		cfg:    cfg,
		root:   root,
		git:    git.NewShellClient(runner, root, cfg.Tools.Git),
		p4:     p4.NewShellClient(runner, cfg.Tools.P4, dryRun, os.Stdout),
		logger: logger,
	}, nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format. Logs go to stderr so stdout carries
	// only command output and stays pipeable.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger, root string) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		configPath = filepath.Join(root, ".pergit.yaml")
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"git", cfg.Tools.Git,
		"p4", cfg.Tools.P4,
		"depot_path", cfg.Sync.DepotPath,
		"base_branch", cfg.Edit.BaseBranch)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
