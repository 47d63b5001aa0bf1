// Package cmd implements the vigil command line.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cli carries the configuration shared by every command.
type cli struct {
	v       *viper.Viper
	cfgFile string
}

// Execute runs the root command with os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the command tree with its own configuration state.
func NewRootCommand() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:   "vigil",
		Short: "Durable workflow-instance execution engine",
		Long: `vigil runs workflow instances to completion under a lease and a grace
period, keeps their append-only logs and delivers their scheduled
wake-ups across restarts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.initConfig(); err != nil {
				return err
			}
			return c.setupLogging(cmd.ErrOrStderr())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default: ./vigil.yaml)")
	flags.String("db", "vigil.db", "database URL (SQLite path, postgres:// or mysql://)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")

	_ = c.v.BindPFlag("database.url", flags.Lookup("db"))
	_ = c.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = c.v.BindPFlag("log.format", flags.Lookup("log-format"))
	c.v.SetDefault("database.auto_migrate", true)

	root.AddCommand(
		c.newServeCommand(),
		c.newMigrateCommand(),
		c.newStatusCommand(),
		c.newLogsCommand(),
		c.newAbortCommand(),
		c.newTerminateCommand(),
		c.newMCPCommand(),
	)
	return root
}

func (c *cli) initConfig() error {
	if c.cfgFile != "" {
		c.v.SetConfigFile(c.cfgFile)
	} else {
		c.v.SetConfigName("vigil")
		c.v.SetConfigType("yaml")
		c.v.AddConfigPath(".")
		c.v.AddConfigPath("$HOME/.config/vigil")
	}

	c.v.SetEnvPrefix("VIGIL")
	c.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	c.v.AutomaticEnv()

	if err := c.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}

func (c *cli) setupLogging(w io.Writer) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.v.GetString("log.level"))); err != nil {
		return fmt.Errorf("invalid log level %q", c.v.GetString("log.level"))
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch c.v.GetString("log.format") {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		return fmt.Errorf("invalid log format %q", c.v.GetString("log.format"))
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
