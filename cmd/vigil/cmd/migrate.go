package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/i2y/vigil/internal/migrations"
	"github.com/i2y/vigil/internal/storage"
	"github.com/i2y/vigil/schema"
)

func (c *cli) newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withStorage(cmd.Context(), func(ctx context.Context, s *storage.SQLStorage) error {
					applied, err := migrations.ApplyMigrations(ctx, s.DB(), s.Driver().DBType(), schema.MigrationsFS())
					if err != nil {
						return err
					}
					out := cmd.OutOrStdout()
					if len(applied) == 0 {
						fmt.Fprintln(out, "schema is up to date")
						return nil
					}
					for _, version := range applied {
						fmt.Fprintf(out, "applied %s\n", version)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withStorage(cmd.Context(), func(ctx context.Context, s *storage.SQLStorage) error {
					statuses, err := migrations.Status(ctx, s.DB(), s.Driver().DBType(), schema.MigrationsFS())
					if err != nil {
						return err
					}
					for _, st := range statuses {
						state := "pending"
						if st.Applied {
							state = "applied"
						}
						fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", state, st.Filename)
					}
					return nil
				})
			},
		},
	)
	return cmd
}

func (c *cli) withStorage(ctx context.Context, fn func(ctx context.Context, s *storage.SQLStorage) error) error {
	s, err := storage.Open(c.v.GetString("database.url"))
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}
