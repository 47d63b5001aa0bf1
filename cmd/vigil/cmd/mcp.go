package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/i2y/vigil"
	vigilmcp "github.com/i2y/vigil/mcp"
)

func (c *cli) newMCPCommand() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve instance tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *vigil.App) error {
				server := vigilmcp.NewServer(app, vigilmcp.WithDefaultAccount(account))
				return server.RunStdio(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account used when a tool call names none")
	return cmd
}
