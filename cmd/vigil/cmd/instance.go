package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/i2y/vigil"
)

func (c *cli) newStatusCommand() *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Print the status of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *vigil.App) error {
				status, err := app.GetStatus(ctx, accountID, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), status.String())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "owning account of the instance")
	return cmd
}

func (c *cli) newLogsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <instance-id>",
		Short: "Print the log of an instance as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *vigil.App) error {
				logs, err := app.ReadLogs(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), logs)
			})
		},
	}
}

func (c *cli) newAbortCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abort <instance-id>",
		Short: "Abort the run of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *vigil.App) error {
				return app.Abort(ctx, args[0], reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "aborted from the command line", "abort reason")
	return cmd
}

func (c *cli) newTerminateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <instance-id>",
		Short: "Terminate an instance on behalf of its user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(ctx context.Context, app *vigil.App) error {
				return app.UserTriggeredTerminate(ctx, args[0])
			})
		},
	}
}
