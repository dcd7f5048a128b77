package cmd

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/pickle/internal/limits"
	"github.com/joescharf/pickle/internal/output"
	"github.com/joescharf/pickle/internal/session"
	"github.com/joescharf/pickle/internal/ticket"
	"github.com/joescharf/pickle/internal/worker"
)

var statusSession string

// phaseLabels are shown in the phase bar, one per session.Steps entry.
var phaseLabels = []string{"PRD", "Breakdown", "Research", "Plan", "Implement", "Refactor", "Finished"}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session for the current directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusRun()
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusSession, "session", "", "Session directory, id or id fragment (default: cwd session)")
	rootCmd.AddCommand(statusCmd)
}

func statusRun() error {
	dir, err := resolveSessionDir(statusSession)
	if err != nil {
		return err
	}
	s, err := session.Load(dir)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if s.SessionDir == "" {
		s.SessionDir = dir
	}
	return renderSession(s)
}

// phaseIndex maps a step to its phase bar position; done marks all finished.
func phaseIndex(step string) int {
	if step == session.StepDone {
		return len(phaseLabels)
	}
	if i := slices.Index(session.Steps, step); i >= 0 {
		return i
	}
	return 0
}

func sessionState(s *session.Session) string {
	switch {
	case s.JarComplete:
		return "completed"
	case s.Active:
		return "active"
	default:
		return "paused"
	}
}

func iterationText(s *session.Session) string {
	if s.MaxIterations <= 0 {
		return fmt.Sprintf("%d/Infinite", s.Iteration)
	}
	return fmt.Sprintf("%d/%d", s.Iteration, s.MaxIterations)
}

func elapsedText(s *session.Session, now time.Time) string {
	text := worker.FormatElapsed(s.Elapsed(now))
	if s.MaxTimeMinutes > 0 {
		text += fmt.Sprintf(" of %dm", s.MaxTimeMinutes)
	}
	return text
}

func sessionTitle(s *session.Session, sum ticket.Summary) string {
	if sum.Title != "" {
		return sum.Title
	}
	return output.Truncate(s.OriginalPrompt, 40)
}

func renderSession(s *session.Session) error {
	now := time.Now()
	sum := ticket.Summarize(s.SessionDir)

	current := s.Ticket()
	if current == "" {
		current = "None"
	}
	rows := [][2]string{
		{"Session", output.Cyan(s.ID())},
		{"Directory", s.WorkingDir},
		{"Status", output.StatusColor(sessionState(s))},
		{"Phase", output.PhaseBar(phaseLabels, phaseIndex(s.Step))},
		{"Iteration", iterationText(s)},
		{"Elapsed", elapsedText(s, now)},
		{"Ticket", current},
	}
	if sum.Total > 0 {
		rows = append(rows, [2]string{"Tickets", fmt.Sprintf("%d/%d done", sum.Done, sum.Total)})
	}
	if v := limits.Evaluate(s, now); v.Exceeded() {
		rows = append(rows, [2]string{"Limits", output.Red(v.String())})
	}
	if tok := s.CompletionToken(); tok != "" {
		rows = append(rows, [2]string{"Promise", tok})
	}
	if s.LoopMonitor != nil && s.LoopMonitor.RepeatCount > 1 {
		rows = append(rows, [2]string{"Repeats", output.Yellow(fmt.Sprintf("%d identical turns", s.LoopMonitor.RepeatCount))})
	}
	rows = append(rows, [2]string{"Task", output.Truncate(strings.TrimSpace(s.OriginalPrompt), 72)})

	return ui.Panel(sessionTitle(s, sum), rows)
}
