package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

// UI writes the CLI's human-facing lines. Info and Success go to Out;
// warnings, errors and dry-run notices go to ErrOut so piped output stays clean.
type UI struct {
	Verbose bool
	DryRun  bool
	Out     io.Writer
	ErrOut  io.Writer
}

// New creates a UI on stdout and stderr.
func New() *UI {
	return &UI{Out: os.Stdout, ErrOut: os.Stderr}
}

var (
	cyan   = color.New(color.FgHiCyan).SprintFunc()
	green  = color.New(color.FgHiGreen).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	red    = color.New(color.FgHiRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
	dim    = color.New(color.Faint).SprintFunc()

	marks = map[string]string{
		"info":    color.New(color.FgHiBlue).Sprint("i"),
		"success": green("✓"),
		"warning": yellow("⚠"),
		"error":   red("✗"),
		"verbose": color.New(color.FgHiBlue).Sprint("  →"),
	}
)

func Cyan(s string) string   { return cyan(s) }
func Green(s string) string  { return green(s) }
func Yellow(s string) string { return yellow(s) }
func Red(s string) string    { return red(s) }

// statePalette maps session, queue task and hook verdict words to a colour.
// Running states are green, waiting ones yellow, finished ones cyan and
// failures red.
var statePalette = map[string]func(a ...any) string{
	"active":      green,
	"queued":      green,
	"marinating":  green,
	"allow":       green,
	"paused":      yellow,
	"in progress": yellow,
	"in_progress": yellow,
	"block":       yellow,
	"done":        cyan,
	"completed":   cyan,
	"consumed":    cyan,
	"archived":    cyan,
	"failed":      red,
	"cancelled":   red,
	"deny":        red,
}

func paint(word string) string {
	if c, ok := statePalette[strings.ToLower(word)]; ok {
		return c(word)
	}
	return word
}

// StatusColor colours a session or queue task state.
func StatusColor(status string) string { return paint(status) }

// DecisionColor colours a hook verdict.
func DecisionColor(decision string) string { return paint(decision) }

// PhaseBar renders labels as a progress line: phases before current are
// green, current is highlighted and later ones are dimmed. A current index
// past the end marks everything done.
func PhaseBar(labels []string, current int) string {
	parts := make([]string, len(labels))
	for i, l := range labels {
		switch {
		case i < current:
			parts[i] = green(l)
		case i == current:
			parts[i] = bold(yellow("[" + l + "]"))
		default:
			parts[i] = dim(l)
		}
	}
	return strings.Join(parts, " > ")
}

func say(w io.Writer, mark, format string, a []any) {
	fmt.Fprintf(w, "%s %s\n", marks[mark], fmt.Sprintf(format, a...))
}

func (u *UI) Info(format string, a ...any)    { say(u.Out, "info", format, a) }
func (u *UI) Success(format string, a ...any) { say(u.Out, "success", format, a) }
func (u *UI) Warning(format string, a ...any) { say(u.ErrOut, "warning", format, a) }
func (u *UI) Error(format string, a ...any)   { say(u.ErrOut, "error", format, a) }

func (u *UI) VerboseLog(format string, a ...any) {
	if u.Verbose {
		say(u.Out, "verbose", format, a)
	}
}

// DryRunMsg reports an action that --dry-run skipped.
func (u *UI) DryRunMsg(format string, a ...any) {
	if u.DryRun {
		u.Warning("[DRY-RUN] "+format, a...)
	}
}

// Table returns a borderless, left-aligned table for list commands.
func (u *UI) Table(headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(u.Out,
		tablewriter.WithHeaderAlignment(tw.AlignLeft),
		tablewriter.WithRowAlignment(tw.AlignLeft),
		tablewriter.WithRendition(tw.Rendition{
			Borders:  tw.BorderNone,
			Settings: tw.Settings{Lines: tw.LinesNone, Separators: tw.SeparatorsNone},
		}),
		tablewriter.WithPadding(tw.Padding{Left: "", Right: "  "}),
	)
	table.Header(headers)
	return table
}
