package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/i2y/vigil"
	vigilotel "github.com/i2y/vigil/hooks/otel"
)

// EchoWorkflowID names the built-in workflow registered by serve --echo.
const EchoWorkflowID = "echo"

func (c *cli) newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		Args:  cobra.NoArgs,
		RunE:  c.runServe,
	}

	flags := cmd.Flags()
	flags.String("addr", ":8080", "HTTP listen address")
	flags.String("worker-id", "", "worker identifier (default: random)")
	flags.Duration("grace-period", 5*time.Minute, "grace period of a run")
	flags.Duration("lease-ttl", 30*time.Second, "lease time-to-live")
	flags.String("outbox-url", "", "CloudEvents sink for instance transitions")
	flags.String("otlp-endpoint", "", "OTLP gRPC endpoint for traces")
	flags.String("service-name", "vigil", "service name reported to tracing")
	flags.Bool("echo", false, "register the built-in echo workflow")

	_ = c.v.BindPFlag("server.addr", flags.Lookup("addr"))
	_ = c.v.BindPFlag("worker.id", flags.Lookup("worker-id"))
	_ = c.v.BindPFlag("instance.grace_period", flags.Lookup("grace-period"))
	_ = c.v.BindPFlag("instance.lease_ttl", flags.Lookup("lease-ttl"))
	_ = c.v.BindPFlag("outbox.url", flags.Lookup("outbox-url"))
	_ = c.v.BindPFlag("tracing.otlp_endpoint", flags.Lookup("otlp-endpoint"))
	_ = c.v.BindPFlag("service.name", flags.Lookup("service-name"))
	_ = c.v.BindPFlag("server.echo", flags.Lookup("echo"))
	return cmd
}

func (c *cli) runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := c.appOptions()
	if endpoint := c.v.GetString("tracing.otlp_endpoint"); endpoint != "" {
		tp, err := setupTracing(ctx, endpoint, c.v.GetString("service.name"))
		if err != nil {
			return fmt.Errorf("setting up tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				slog.Warn("failed to shut down tracer provider", "error", err)
			}
		}()
		opts = append(opts, vigil.WithHooks(vigilotel.NewOTelHooks(tp)))
	}

	app := vigil.NewApp(opts...)
	if c.v.GetBool("server.echo") {
		app.RegisterStep(EchoWorkflowID, echoStep)
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := app.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown failed", "error", err)
		}
	}()

	return app.ListenAndServe(ctx, c.v.GetString("server.addr"))
}

// echoStep returns the triggering event as the run result.
func echoStep(sc *vigil.StepContext, event json.RawMessage) (any, error) {
	sc.WriteLog("STEP", "echo", "", map[string]int{"bytes": len(event)})
	if len(event) == 0 {
		return nil, nil
	}
	return event, nil
}

func setupTracing(ctx context.Context, endpoint, serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(10*time.Second),
		otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: 1 * time.Second,
			MaxInterval:     5 * time.Second,
			MaxElapsedTime:  30 * time.Second,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(2*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}
