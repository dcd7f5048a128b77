package output

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

// Panel prints a bold title over a bordered key/value table.
func (u *UI) Panel(title string, rows [][2]string) error {
	fmt.Fprintln(u.Out, bold(title))
	table := tablewriter.NewTable(u.Out,
		tablewriter.WithRowAlignment(tw.AlignLeft),
	)
	for _, r := range rows {
		if err := table.Append([]string{r[0], r[1]}); err != nil {
			return err
		}
	}
	return table.Render()
}

// Truncate shortens s to n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	r := []rune(strings.Join(strings.Fields(s), " "))
	if n <= 3 || len(r) <= n {
		return string(r)
	}
	return string(r[:n-3]) + "..."
}
