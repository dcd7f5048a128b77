package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/pickle/internal/git"
	"github.com/joescharf/pickle/internal/models"
	"github.com/joescharf/pickle/internal/output"
	"github.com/joescharf/pickle/internal/session"
	"github.com/joescharf/pickle/internal/store"
	"github.com/joescharf/pickle/internal/worktree"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui     *output.UI
	ledger *store.SQLiteStore

	verbose bool
	dryRun  bool

	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// Test seams.
var (
	cwdFunc   = os.Getwd
	gitClient = func() git.Client { return git.NewClient() }
)

var rootCmd = &cobra.Command{
	Use:   "pickle",
	Short: "Keep an AI coding agent looping until the job is done",
	Long: `pickle drives an external coding agent through a multi-phase loop
(PRD, breakdown, research, plan, implement, refactor). Agent hooks call
back into pickle after every turn to decide whether the agent may stop.

It also supervises single-ticket workers, isolates them in git worktrees
and drains a queue of archived sessions unattended.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	err := rootCmd.Execute()
	if ledger != nil {
		_ = ledger.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return rootRun(cmd)
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/pickle/config.yaml)")
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		dir, err := configDirFunc()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	bindEnv()

	dir, _ := configDirFunc()
	setDefaults(dir)

	_ = viper.ReadInConfig()
}

// bindEnv maps PICKLE_AGENT_COMMAND style variables onto dotted keys.
func bindEnv() {
	viper.SetEnvPrefix("PICKLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// setDefaults registers every config key. Paths below state_dir follow an
// overridden state_dir unless set themselves.
func setDefaults(stateDir string) {
	viper.SetDefault("state_dir", stateDir)
	viper.SetDefault("db_path", "")
	viper.SetDefault("sessions_dir", "")
	viper.SetDefault("jar_dir", "")
	viper.SetDefault("worktrees_dir", "")
	viper.SetDefault("defaults.max_iterations", session.DefaultLimits.MaxIterations)
	viper.SetDefault("defaults.max_time_minutes", session.DefaultLimits.MaxTimeMinutes)
	viper.SetDefault("defaults.worker_timeout_seconds", session.DefaultLimits.WorkerTimeoutSeconds)
	viper.SetDefault("agent.command", "gemini")
	viper.SetDefault("agent.loop_command", "/loop")
	viper.SetDefault("worker.output_format", "text")
	viper.SetDefault("worktree.branch_prefix", worktree.DefaultBranchPrefix)
	viper.SetDefault("queue.schedule", "")
	viper.SetDefault("queue.metrics_addr", "")
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// The ledger is opened lazily so hooks and config commands never
	// depend on the database.
}

// rootRun handles `pickle` with no subcommand: show the cwd session if any.
func rootRun(cmd *cobra.Command) error {
	cwd, err := cwdFunc()
	if err != nil {
		return cmd.Help()
	}
	dir, ok, err := sessionStore().ResolveForDirectory(cwd)
	if err != nil || !ok {
		return cmd.Help()
	}
	s, err := session.Load(dir)
	if err != nil {
		return cmd.Help()
	}
	return renderSession(s)
}

func stateDir() string {
	return viper.GetString("state_dir")
}

// statePath returns a configured path, or name under state_dir when unset.
func statePath(key, name string) string {
	if p := viper.GetString(key); p != "" {
		return p
	}
	return filepath.Join(stateDir(), name)
}

func sessionsDir() string  { return statePath("sessions_dir", "sessions") }
func jarDir() string       { return statePath("jar_dir", "jar") }
func worktreesDir() string { return statePath("worktrees_dir", "worktrees") }
func dbPath() string       { return statePath("db_path", "pickle.db") }

func sessionStore() *session.Store {
	return session.NewStore(sessionsDir(), session.NewFileRegistry(stateDir()))
}

func worktreeManager() *worktree.Manager {
	return worktree.NewManager(gitClient(), worktreesDir(), viper.GetString("worktree.branch_prefix"))
}

func configLimits() session.Limits {
	return session.Limits{
		MaxIterations:        viper.GetInt("defaults.max_iterations"),
		MaxTimeMinutes:       viper.GetInt("defaults.max_time_minutes"),
		WorkerTimeoutSeconds: viper.GetInt("defaults.worker_timeout_seconds"),
	}
}

// getLedger returns the shared event ledger, opening it on first call.
func getLedger(ctx context.Context) (*store.SQLiteStore, error) {
	if ledger != nil {
		return ledger, nil
	}
	s, err := store.Open(ctx, dbPath())
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	ledger = s
	return ledger, nil
}

// recordEvent writes to the ledger, reporting failures only in verbose mode.
func recordEvent(ctx context.Context, s *session.Session, kind models.EventKind, name, decision, message string) {
	if dryRun || s == nil {
		return
	}
	l, err := getLedger(ctx)
	if err == nil {
		err = l.Record(ctx, s, kind, name, decision, message)
	}
	if err != nil {
		ui.VerboseLog("ledger: %v", err)
	}
}

// resolveSessionDir picks the session a command acts on: an explicit target
// (path, id or id fragment), else the one registered for cwd.
func resolveSessionDir(target string) (string, error) {
	cwd, err := cwdFunc()
	if err != nil {
		return "", err
	}
	dir, err := sessionStore().ResolveTarget(target, cwd)
	if errors.Is(err, session.ErrNoTarget) && target == "" {
		return "", fmt.Errorf("no session registered for %s", cwd)
	}
	return dir, err
}
