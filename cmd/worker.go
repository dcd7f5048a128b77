package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/pickle/internal/models"
	"github.com/joescharf/pickle/internal/output"
	"github.com/joescharf/pickle/internal/session"
	"github.com/joescharf/pickle/internal/worker"
)

var (
	workerTicketID     string
	workerTicketPath   string
	workerTicketFile   string
	workerTimeout      int
	workerOutputFormat string
)

// newSupervisor is replaced in tests.
var newSupervisor = worker.NewSupervisor

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run single-ticket workers",
}

var workerSpawnCmd = &cobra.Command{
	Use:   "spawn <task...>",
	Short: "Run one worker on one ticket and wait for it",
	Long: `Launch the agent as a worker scoped to a single ticket.

The worker's timeout is clamped to the time left in the parent session.
It succeeds only if its log contains the worker-done sentinel.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return workerSpawnRun(cmd, strings.Join(args, " "))
	},
}

func init() {
	workerSpawnCmd.Flags().StringVar(&workerTicketID, "ticket-id", "", "Ticket id (required)")
	workerSpawnCmd.Flags().StringVar(&workerTicketPath, "ticket-path", "", "Ticket directory or file (required)")
	workerSpawnCmd.Flags().StringVar(&workerTicketFile, "ticket-file", "", "Ticket markdown to embed in the prompt")
	workerSpawnCmd.Flags().IntVar(&workerTimeout, "timeout", 0, "Timeout in seconds (default from config)")
	workerSpawnCmd.Flags().StringVar(&workerOutputFormat, "output-format", "", "Agent output format (default from config)")
	_ = workerSpawnCmd.MarkFlagRequired("ticket-id")
	_ = workerSpawnCmd.MarkFlagRequired("ticket-path")

	workerCmd.AddCommand(workerSpawnCmd)
	rootCmd.AddCommand(workerCmd)
}

func workerSpawnRun(cmd *cobra.Command, task string) error {
	timeout := viper.GetInt("defaults.worker_timeout_seconds")
	if cmd != nil && cmd.Flags().Changed("timeout") {
		timeout = workerTimeout
	}
	format := workerOutputFormat
	if format == "" {
		format = viper.GetString("worker.output_format")
	}
	cwd, err := cwdFunc()
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would spawn worker for ticket %s in %s (timeout %ds)", workerTicketID, worker.TicketDir(workerTicketPath), timeout)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ui.Info("Spawning worker for ticket %s", output.Cyan(workerTicketID))
	res, err := newSupervisor().Run(ctx, worker.Options{
		Task:         task,
		TicketID:     workerTicketID,
		TicketPath:   workerTicketPath,
		TicketFile:   workerTicketFile,
		Timeout:      time.Duration(timeout) * time.Second,
		OutputFormat: format,
		Command:      viper.GetString("agent.command"),
		StateDir:     stateDir(),
		Cwd:          cwd,
		Progress:     ui.ErrOut,
	})
	if err != nil {
		return err
	}

	if res.Clamped {
		ui.Warning("Timeout clamped to %s by the session time limit", res.Timeout)
	}
	if s, err := session.LoadFile(res.StateFile); err == nil {
		if s.SessionDir == "" {
			s.SessionDir = filepath.Dir(res.StateFile)
		}
		recordEvent(ctx, s, models.EventKindWorker, workerTicketID, res.Validation(), res.LogPath)
	}

	validation := output.Green(res.Validation())
	if !res.Success {
		validation = output.Red(res.Validation())
	}
	rows := [][2]string{
		{"Ticket", workerTicketID},
		{"Status", fmt.Sprintf("exit:%d", res.ExitCode)},
		{"Validation", validation},
		{"Elapsed", worker.FormatElapsed(res.Elapsed)},
		{"Timeout", res.Timeout.String()},
		{"Log", res.LogPath},
	}
	if res.TimedOut {
		rows = append(rows, [2]string{"Note", output.Red("timed out")})
	}
	if err := ui.Panel("Worker Report", rows); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("worker for ticket %s %s", workerTicketID, res.Validation())
	}
	return nil
}
