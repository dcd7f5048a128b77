package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joescharf/pickle/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

Agents can list sessions, read a session's status and recent events,
cancel a session and update ticket status. Configure with:

  {
    "mcpServers": {
      "pickle": { "command": "pickle", "args": ["mcp"] }
    }
  }

Available tools: pickle_list_sessions, pickle_session_status,
pickle_cancel_session, pickle_update_ticket_status`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return mcpServer(ctx).ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

// mcpServer builds the server; it runs without a ledger if the database
// cannot be opened.
func mcpServer(ctx context.Context) *mcp.Server {
	var l mcp.Ledger
	if s, err := getLedger(ctx); err == nil {
		l = s
	} else {
		ui.Warning("%v; event tools disabled", err)
	}
	return mcp.NewServer(sessionStore(), l, buildVersion)
}
