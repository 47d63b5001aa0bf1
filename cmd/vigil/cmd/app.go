package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/i2y/vigil"
)

// appOptions translates the loaded configuration into App options. Keys
// that were never set keep the App defaults.
func (c *cli) appOptions() []vigil.Option {
	opts := []vigil.Option{
		vigil.WithDatabase(c.v.GetString("database.url")),
		vigil.WithAutoMigrate(c.v.GetBool("database.auto_migrate")),
	}
	if c.v.IsSet("worker.id") {
		opts = append(opts, vigil.WithWorkerID(c.v.GetString("worker.id")))
	}
	if c.v.IsSet("service.name") {
		opts = append(opts, vigil.WithServiceName(c.v.GetString("service.name")))
	}
	if c.v.IsSet("instance.grace_period") {
		opts = append(opts, vigil.WithGracePeriod(c.v.GetDuration("instance.grace_period")))
	}
	if c.v.IsSet("instance.lease_ttl") {
		opts = append(opts, vigil.WithLeaseTTL(c.v.GetDuration("instance.lease_ttl")))
	}
	if c.v.IsSet("instance.heartbeat_interval") {
		opts = append(opts, vigil.WithHeartbeatInterval(c.v.GetDuration("instance.heartbeat_interval")))
	}
	if c.v.IsSet("instance.max_concurrent_alarms") {
		opts = append(opts, vigil.WithMaxConcurrentAlarms(c.v.GetInt("instance.max_concurrent_alarms")))
	}
	if c.v.IsSet("recovery.interval") {
		opts = append(opts, vigil.WithRecoveryInterval(c.v.GetDuration("recovery.interval")))
	}
	if url := c.v.GetString("outbox.url"); url != "" {
		opts = append(opts, vigil.WithOutbox(url))
		if c.v.IsSet("outbox.interval") {
			opts = append(opts, vigil.WithOutboxInterval(c.v.GetDuration("outbox.interval")))
		}
	}
	return opts
}

// withApp starts a short-lived App for a one-shot command. The recovery
// sweep stays off so inspecting an instance never resumes it.
func (c *cli) withApp(ctx context.Context, fn func(ctx context.Context, app *vigil.App) error) error {
	opts := append(c.appOptions(), vigil.WithRecoveryInterval(0))
	app := vigil.NewApp(opts...)
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("starting vigil: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = app.Shutdown(shutdownCtx)
	}()
	return fn(ctx, app)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
