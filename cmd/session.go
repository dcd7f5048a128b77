package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/pickle/internal/models"
	"github.com/joescharf/pickle/internal/output"
	"github.com/joescharf/pickle/internal/session"
	"github.com/joescharf/pickle/internal/ticket"
)

var (
	startMaxIterations int
	startMaxTime       int
	startWorkerTimeout int
	startPromise       string
	startPaused        bool

	resumeReset         bool
	resumePaused        bool
	resumeMaxIterations int
	resumeMaxTime       int
	resumeWorkerTimeout int
	resumePromise       string
)

var startCmd = &cobra.Command{
	Use:   "start [task...]",
	Short: "Start a new session for the current directory",
	Long: `Create a session for the current directory and register it so agent
hooks find it. Limits default to the configured values.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return startRun(cmd, strings.Join(args, " "))
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [target]",
	Short: "Reactivate an existing session",
	Long: `Reactivate a session and register it for the current directory.

The target is tried as a session directory, then as an id, then as a
fragment of an id. Without a target the session registered for the
current directory is resumed. Limits given as flags replace the stored
ones; the others are kept.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var target string
		if len(args) > 0 {
			target = args[0]
		}
		return resumeRun(cmd, target)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Deactivate the session for the current directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cancelRun()
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all sessions, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listRun()
	},
}

func init() {
	startCmd.Flags().IntVar(&startMaxIterations, "max-iterations", 0, "Iteration limit, 0 for unbounded (default from config)")
	startCmd.Flags().IntVar(&startMaxTime, "max-time", 0, "Time limit in minutes, 0 for unbounded (default from config)")
	startCmd.Flags().IntVar(&startWorkerTimeout, "worker-timeout", 0, "Worker timeout in seconds (default from config)")
	startCmd.Flags().StringVar(&startPromise, "completion-promise", "", "Token that ends the loop when the agent emits it")
	startCmd.Flags().BoolVar(&startPaused, "paused", false, "Create the session inactive")

	resumeCmd.Flags().BoolVar(&resumeReset, "reset", false, "Zero the iteration counter and restart the clock")
	resumeCmd.Flags().BoolVar(&resumePaused, "paused", false, "Resume without activating")
	resumeCmd.Flags().IntVar(&resumeMaxIterations, "max-iterations", 0, "Replace the iteration limit")
	resumeCmd.Flags().IntVar(&resumeMaxTime, "max-time", 0, "Replace the time limit in minutes")
	resumeCmd.Flags().IntVar(&resumeWorkerTimeout, "worker-timeout", 0, "Replace the worker timeout in seconds")
	resumeCmd.Flags().StringVar(&resumePromise, "completion-promise", "", "Replace the completion token")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(listCmd)
}

// changedInt returns &v when the flag was given on the command line.
func changedInt(cmd *cobra.Command, name string, v int) *int {
	if cmd != nil && cmd.Flags().Changed(name) {
		return &v
	}
	return nil
}

func startRun(cmd *cobra.Command, task string) error {
	task = strings.TrimSpace(task)
	if task == "" {
		return errors.New("no task specified")
	}
	cwd, err := cwdFunc()
	if err != nil {
		return err
	}

	lim := configLimits()
	if p := changedInt(cmd, "max-iterations", startMaxIterations); p != nil {
		lim.MaxIterations = *p
	}
	if p := changedInt(cmd, "max-time", startMaxTime); p != nil {
		lim.MaxTimeMinutes = *p
	}
	if p := changedInt(cmd, "worker-timeout", startWorkerTimeout); p != nil {
		lim.WorkerTimeoutSeconds = *p
	}

	if dryRun {
		ui.DryRunMsg("Would start session in %s: %s", cwd, task)
		return nil
	}

	s, err := sessionStore().Create(session.CreateOptions{
		WorkingDir:        cwd,
		Prompt:            task,
		Limits:            lim,
		CompletionPromise: startPromise,
		Paused:            startPaused,
	})
	if err != nil {
		return err
	}
	recordEvent(context.Background(), s, models.EventKindSession, "start", sessionState(s), task)

	ui.Success("Started session %s", s.ID())
	return renderSession(s)
}

func resumeRun(cmd *cobra.Command, target string) error {
	cwd, err := cwdFunc()
	if err != nil {
		return err
	}
	opts := session.ResumeOptions{
		Target:               target,
		Cwd:                  cwd,
		Reset:                resumeReset,
		Paused:               resumePaused,
		MaxIterations:        changedInt(cmd, "max-iterations", resumeMaxIterations),
		MaxTimeMinutes:       changedInt(cmd, "max-time", resumeMaxTime),
		WorkerTimeoutSeconds: changedInt(cmd, "worker-timeout", resumeWorkerTimeout),
		CompletionPromise:    resumePromise,
	}

	if dryRun {
		dir, err := sessionStore().ResolveTarget(target, cwd)
		if err != nil {
			return err
		}
		ui.DryRunMsg("Would resume %s for %s", dir, cwd)
		return nil
	}

	s, err := sessionStore().Resume(opts)
	if err != nil {
		return err
	}
	recordEvent(context.Background(), s, models.EventKindSession, "resume", sessionState(s), "")

	verb := "Resumed"
	if resumePaused {
		verb = "Loaded (paused)"
	}
	ui.Success("%s session %s", verb, s.ID())
	return renderSession(s)
}

func cancelRun() error {
	cwd, err := cwdFunc()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would cancel the session for %s", cwd)
		return nil
	}
	s, err := sessionStore().Cancel(cwd)
	if errors.Is(err, session.ErrNotFound) {
		ui.Info("No session for %s; nothing to cancel.", cwd)
		return nil
	}
	if err != nil {
		return err
	}
	recordEvent(context.Background(), s, models.EventKindSession, "cancel", "cancelled", "")
	ui.Success("Cancelled session %s", s.ID())
	return nil
}

func listRun() error {
	sessions, err := sessionStore().List()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		ui.Info("No sessions found. Use 'pickle start <task>' to begin.")
		return nil
	}

	now := time.Now()
	table := ui.Table([]string{"Session", "Title", "Status", "Phase", "Tickets", "Iteration", "Elapsed"})
	for _, s := range sessions {
		sum := ticket.Summarize(s.SessionDir)
		tickets := "-"
		if sum.Total > 0 {
			tickets = fmt.Sprintf("%d/%d", sum.Done, sum.Total)
		}
		_ = table.Append([]string{
			output.Cyan(s.ID()),
			sessionTitle(s, sum),
			output.StatusColor(sessionState(s)),
			output.PhaseBar(phaseLabels, phaseIndex(s.Step)),
			tickets,
			iterationText(s),
			elapsedText(s, now),
		})
	}
	return table.Render()
}
