package cmd

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/pickle/internal/hook"
	"github.com/joescharf/pickle/internal/worker"
)

var hookCmd = &cobra.Command{
	Use:   "hook <name>",
	Short: "Answer an agent hook (reads JSON on stdin, writes one JSON line)",
	Long: `Answer an agent lifecycle hook.

The hook payload is read from stdin and exactly one JSON reply is written
to stdout. Hooks fail open: any error yields {"decision":"allow"}.
Diagnostics go to <state_dir>/debug.log and the session's hooks.log.

Hooks: ` + strings.Join(hook.Names(), ", "),
	// Arity is checked here rather than by cobra so a malformed call still
	// gets the allow reply.
	Args:      cobra.ArbitraryArgs,
	ValidArgs: hook.Names(),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		return hookRun(cmd.Context(), name, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(hookCmd)
}

func hookRun(ctx context.Context, name string, stdin io.Reader, stdout io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cwd, _ := cwdFunc()
	dir := stateDir()
	_ = os.MkdirAll(dir, 0o755)

	r := hook.NewRunner(sessionStore(), hook.Env{
		Cwd:       cwd,
		StateFile: os.Getenv(worker.EnvStateFile),
		Role:      os.Getenv(worker.EnvRole),
		StateDir:  dir,
	})
	if l, err := getLedger(ctx); err == nil {
		r.Recorder = l
	}
	// The reply is the only output; a failed write has nowhere to be reported.
	_ = r.Run(ctx, name, stdin, stdout)
	return nil
}
