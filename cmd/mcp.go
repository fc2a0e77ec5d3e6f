package cmd

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/joescharf/qadesk/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an assistant inspect the run ledger, look up the ticket for a
question, trigger a pass, or check how a web-form body will be parsed.
Configure it with:

  {
    "mcpServers": {
      "qadesk": { "command": "qadesk", "args": ["mcp"] }
    }
  }

Available tools: qadesk_list_runs, qadesk_find_ticket, qadesk_search_users,
qadesk_run_pass, qadesk_parse_portal_form`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return mcpRun(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	// Without helpdesk settings the ledger and the local store are still
	// browsable; passes are reported as not configured.
	a, err := setupApp(ctx)
	if err != nil {
		zerolog.New(os.Stderr).Warn().Err(err).Msg("passes unavailable")
		return mcp.NewServer(s, s, nil, buildVersion).ServeStdio(ctx)
	}
	defer a.Close()

	return mcp.NewServer(a.store, a.sink, a.engine, buildVersion).ServeStdio(ctx)
}
