package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/pickle/internal/models"
	"github.com/joescharf/pickle/internal/session"
	"github.com/joescharf/pickle/internal/ticket"
)

var (
	stateSession  string
	ticketSession string
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or edit a session record",
}

var stateSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set one field of state.json",
	Long: `Set one field of a session's state.json.

Settable keys: step, current_ticket, active, iteration, max_iterations,
max_time_minutes, worker_timeout_seconds, completion_promise.
Use "null" to clear current_ticket or completion_promise.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return stateSetRun(args[0], args[1])
	},
}

var ticketCmd = &cobra.Command{
	Use:   "ticket",
	Short: "Work with session tickets",
}

var ticketStatusCmd = &cobra.Command{
	Use:   "status <id> <status>",
	Short: "Set the status of a ticket file",
	Long: `Rewrite the status and updated lines of linear_ticket_<id>.md in the
session. Marking the session's current ticket Done clears it.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return ticketStatusRun(args[0], args[1])
	},
}

func init() {
	stateSetCmd.Flags().StringVar(&stateSession, "session", "", "Session directory, id or id fragment (default: cwd session)")
	stateCmd.AddCommand(stateSetCmd)
	rootCmd.AddCommand(stateCmd)

	ticketStatusCmd.Flags().StringVar(&ticketSession, "session", "", "Session directory, id or id fragment (default: cwd session)")
	ticketCmd.AddCommand(ticketStatusCmd)
	rootCmd.AddCommand(ticketCmd)
}

func stateSetRun(key, value string) error {
	dir, err := resolveSessionDir(stateSession)
	if err != nil {
		return err
	}
	// Validate against a scratch copy first so dry-run reports bad input too.
	scratch := &session.Session{}
	if err := scratch.Set(key, value); err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would set %s=%s in %s", key, value, session.StatePath(dir))
		return nil
	}

	s, err := sessionStore().Update(dir, func(s *session.Session) error {
		if err := s.Set(key, value); err != nil {
			return err
		}
		s.AppendHistory(time.Now(), "set", key+"="+value)
		return nil
	})
	if err != nil {
		return err
	}
	recordEvent(context.Background(), s, models.EventKindSession, "set:"+key, value, "")
	ui.Success("Set %s = %s", key, value)
	return nil
}

func ticketStatusRun(id, status string) error {
	dir, err := resolveSessionDir(ticketSession)
	if err != nil {
		return err
	}
	if dryRun {
		path, err := ticket.Find(dir, id)
		if err != nil {
			return err
		}
		ui.DryRunMsg("Would set %s to %q", path, status)
		return nil
	}

	u, err := ticket.UpdateStatus(dir, id, status, time.Now())
	if err != nil {
		return err
	}
	if s, err := session.Load(dir); err == nil {
		if s.SessionDir == "" {
			s.SessionDir = dir
		}
		recordEvent(context.Background(), s, models.EventKindSession, "ticket:"+id, status, u.Path)
	}

	ui.Success("Ticket %s is now %q", id, status)
	ui.VerboseLog("%s", u.Path)
	if u.ClearedTicket {
		ui.Info("Cleared current ticket %s", id)
	}
	return nil
}
