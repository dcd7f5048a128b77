package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/pickle/internal/metrics"
	"github.com/joescharf/pickle/internal/models"
	"github.com/joescharf/pickle/internal/output"
	"github.com/joescharf/pickle/internal/queue"
	"github.com/joescharf/pickle/internal/runlock"
	"github.com/joescharf/pickle/internal/session"
)

var (
	queueSession string

	queueDate         string
	queueWorktree     bool
	queueKeepWorktree bool

	watchSchedule    string
	watchMetricsAddr string
	watchRunNow      bool
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	Aliases: []string{"jar"},
	Short:   "Archive sessions and run them unattended",
	Long: `The queue ("jar") holds archived sessions in date partitions.
'queue run' drains it once; 'queue watch' drains it on a cron schedule.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueListRun()
	},
}

var queueAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Archive a session into today's queue partition",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueAddRun()
	},
}

var queueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List queued tasks",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueListRun()
	},
}

var queueRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every runnable task once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueRunRun()
	},
}

var queueWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the queue on a cron schedule until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueWatchRun()
	},
}

func init() {
	queueAddCmd.Flags().StringVar(&queueSession, "session", "", "Session directory, id or id fragment (default: cwd session)")

	for _, c := range []*cobra.Command{queueRunCmd, queueWatchCmd} {
		c.Flags().StringVar(&queueDate, "date", "", "Only run tasks from this partition (YYYY-MM-DD)")
		c.Flags().BoolVar(&queueWorktree, "worktree", false, "Run each task in its own git worktree")
		c.Flags().BoolVar(&queueKeepWorktree, "keep-worktree", false, "Keep worktrees after the task finishes")
	}
	queueWatchCmd.Flags().StringVar(&watchSchedule, "schedule", "", "Cron schedule (default from config, then \""+queue.DefaultSchedule+"\")")
	queueWatchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (default from config)")
	queueWatchCmd.Flags().BoolVar(&watchRunNow, "run-now", false, "Run once immediately before waiting for the schedule")

	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRunCmd)
	queueCmd.AddCommand(queueWatchCmd)
	rootCmd.AddCommand(queueCmd)
}

func newJar() *queue.Jar {
	return queue.NewJar(jarDir())
}

func queueAddRun() error {
	dir, err := resolveSessionDir(queueSession)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would archive %s into %s", dir, jarDir())
		return nil
	}
	t, err := newJar().Add(dir, gitClient())
	if err != nil {
		return err
	}
	if s, err := session.Load(dir); err == nil {
		if s.SessionDir == "" {
			s.SessionDir = dir
		}
		recordEvent(context.Background(), s, models.EventKindQueue, "add", string(t.Meta.Status), t.Dir)
	}
	ui.Success("Queued %s for %s (branch %s)", output.Cyan(t.ID), t.Day, t.Meta.Branch)
	return nil
}

func queueListRun() error {
	j := newJar()
	tasks, err := j.All()
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		ui.Info("Task queue is empty. Use 'pickle queue add' to archive a session.")
		return nil
	}

	table := ui.Table([]string{"Day", "Task", "Status", "Branch", "Repo"})
	for _, t := range tasks {
		status, branch, repo := "invalid", "-", "-"
		if t.Meta != nil {
			status = string(t.Meta.Status)
			branch = t.Meta.Branch
			repo = t.Meta.RepoPath
		}
		_ = table.Append([]string{t.Day, output.Cyan(t.ID), output.StatusColor(status), branch, repo})
	}
	if err := table.Render(); err != nil {
		return err
	}
	if err := j.Validate(); err != nil {
		ui.Warning("%v", err)
	}
	return nil
}

// queueRunner wires a Runner to this process's configuration.
func queueRunner(obs queue.Observer) *queue.Runner {
	return &queue.Runner{
		Jar:         newJar(),
		Sessions:    sessionStore(),
		Worktrees:   worktreeManager(),
		Lock:        runlock.New(filepath.Join(stateDir(), "jar.lock")),
		Observer:    obs,
		UI:          ui,
		Command:     viper.GetString("agent.command"),
		LoopCommand: viper.GetString("agent.loop_command"),
		Stdout:      ui.Out,
		Stderr:      ui.ErrOut,
	}
}

func queueOptions() (queue.Options, error) {
	cwd, err := cwdFunc()
	if err != nil {
		return queue.Options{}, err
	}
	return queue.Options{
		Date:         queueDate,
		Worktree:     queueWorktree,
		KeepWorktree: queueKeepWorktree,
		Cwd:          cwd,
	}, nil
}

func queueRunRun() error {
	opts, err := queueOptions()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would run the queue in %s", jarDir())
		return queueListRun()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, err := queueRunner(nil).Run(ctx, opts)
	if err != nil {
		return err
	}
	recordQueueRun(ctx, opts.Cwd, sum)
	if sum.Failed > 0 {
		return fmt.Errorf("%d task(s) failed", sum.Failed)
	}
	return nil
}

// recordQueueRun logs the run against the cwd session, if there is one.
func recordQueueRun(ctx context.Context, cwd string, sum *queue.Summary) {
	dir, ok, err := sessionStore().ResolveForDirectory(cwd)
	if err != nil || !ok {
		return
	}
	s, err := session.Load(dir)
	if err != nil {
		return
	}
	if s.SessionDir == "" {
		s.SessionDir = dir
	}
	msg := fmt.Sprintf("completed=%d failed=%d skipped=%d", sum.Completed, sum.Failed, sum.Skipped)
	recordEvent(ctx, s, models.EventKindQueue, "run", "done", msg)
}

func queueWatchRun() error {
	opts, err := queueOptions()
	if err != nil {
		return err
	}
	schedule := watchSchedule
	if schedule == "" {
		schedule = viper.GetString("queue.schedule")
	}
	addr := watchMetricsAddr
	if addr == "" {
		addr = viper.GetString("queue.metrics_addr")
	}
	if dryRun {
		ui.DryRunMsg("Would watch %s on schedule %q", jarDir(), schedule)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	w := &queue.Watcher{
		Runner:      queueRunner(m),
		Options:     opts,
		Schedule:    schedule,
		RunNow:      watchRunNow,
		MetricsAddr: addr,
		Metrics:     m.Handler(),
		Log:         watchLogger(),
	}
	ui.Info("Watching %s (Ctrl-C to stop)", jarDir())
	return w.Watch(ctx)
}

// watchLogger writes one JSON line per scheduler event to stderr.
func watchLogger() logr.Logger {
	verbosity := 0
	if verbose {
		verbosity = 1
	}
	return funcr.NewJSON(func(obj string) {
		fmt.Fprintln(ui.ErrOut, obj)
	}, funcr.Options{LogTimestamp: true, Verbosity: verbosity}).WithName("queue")
}
