package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/pickle/internal/models"
	"github.com/joescharf/pickle/internal/output"
	"github.com/joescharf/pickle/internal/store"
)

var (
	historyLimit int
	historyKind  string
	historyDays  int
)

var historyCmd = &cobra.Command{
	Use:   "history [session]",
	Short: "Show hook, worker and queue events from the ledger",
	Long: `Show events recorded in the ledger, newest first.

Without a session every session's events are listed. The session may be
a directory, id or id fragment.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var target string
		if len(args) > 0 {
			target = args[0]
		}
		return historyRun(target)
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete ledger events older than --days",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return historyPruneRun(time.Now())
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 50, "Maximum events to show, 0 for all")
	historyCmd.Flags().StringVar(&historyKind, "kind", "", "Only show events of this kind (hook, worker, queue, session)")
	historyPruneCmd.Flags().IntVar(&historyDays, "days", 30, "Keep events from the last N days")

	historyCmd.AddCommand(historyPruneCmd)
	rootCmd.AddCommand(historyCmd)
}

func historyRun(target string) error {
	ctx := context.Background()
	filter := store.EventFilter{Kind: models.EventKind(historyKind), Limit: historyLimit}
	if target != "" {
		dir, err := resolveSessionDir(target)
		if err != nil {
			return err
		}
		filter.SessionID = filepath.Base(dir)
	}

	l, err := getLedger(ctx)
	if err != nil {
		return err
	}
	events, err := l.ListEvents(ctx, filter)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		ui.Info("No events recorded.")
		return nil
	}

	table := ui.Table([]string{"Time", "Session", "Kind", "Name", "Decision", "Message"})
	for _, e := range events {
		_ = table.Append([]string{
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			output.Cyan(e.SessionID),
			string(e.Kind),
			e.Name,
			output.DecisionColor(e.Decision),
			output.Truncate(e.Message, 60),
		})
	}
	return table.Render()
}

func historyPruneRun(now time.Time) error {
	if historyDays < 0 {
		return fmt.Errorf("--days must not be negative")
	}
	before := now.AddDate(0, 0, -historyDays)
	if dryRun {
		ui.DryRunMsg("Would delete events before %s", before.Format(time.RFC3339))
		return nil
	}
	ctx := context.Background()
	l, err := getLedger(ctx)
	if err != nil {
		return err
	}
	n, err := l.PruneEvents(ctx, before)
	if err != nil {
		return err
	}
	ui.Success("Deleted %d event(s)", n)
	return nil
}
