// Package otel provides OpenTelemetry integration for vigil instance hooks.
package otel

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/i2y/vigil/hooks"
)

const (
	tracerName = "vigil"
)

// OTelHooks implements InstanceHooks with OpenTelemetry tracing.
// A run is one span from OnRunStart to its completion, failure or
// termination; queueing, timers and grace expiry are short spans or span
// events.
type OTelHooks struct {
	hooks.NoOpHooks
	tracer trace.Tracer

	mu sync.Mutex
	// Map of instance_id -> active run span
	runSpans map[string]trace.Span
	// Map of instance_id -> context with the run span for child spans
	runContexts map[string]context.Context
}

// NewOTelHooks creates a new OpenTelemetry hooks instance.
// If tracerProvider is nil, the global tracer provider is used.
func NewOTelHooks(tracerProvider trace.TracerProvider) *OTelHooks {
	var tracer trace.Tracer
	if tracerProvider != nil {
		tracer = tracerProvider.Tracer(tracerName)
	} else {
		tracer = otel.Tracer(tracerName)
	}

	return &OTelHooks{
		tracer:      tracer,
		runSpans:    make(map[string]trace.Span),
		runContexts: make(map[string]context.Context),
	}
}

// OnInstanceQueued records a short span for the first activation.
func (h *OTelHooks) OnInstanceQueued(ctx context.Context, info hooks.InstanceQueuedInfo) {
	_, span := h.tracer.Start(ctx, "instance_queued/"+info.WorkflowID,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("vigil.instance_id", info.InstanceID),
			attribute.String("vigil.account_id", info.AccountID),
			attribute.String("vigil.workflow_id", info.WorkflowID),
			attribute.String("vigil.version_id", info.VersionID),
		),
	)
	span.SetStatus(codes.Ok, "queued")
	span.End()
}

// OnRunStart opens the run span.
func (h *OTelHooks) OnRunStart(ctx context.Context, info hooks.RunStartInfo) {
	spanCtx, span := h.tracer.Start(ctx, "run/"+info.WorkflowID,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("vigil.instance_id", info.InstanceID),
			attribute.String("vigil.workflow_id", info.WorkflowID),
			attribute.String("vigil.version_id", info.VersionID),
			attribute.Int64("vigil.lease_token", info.LeaseToken),
		),
	)

	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.runSpans[info.InstanceID]; ok {
		prev.SetStatus(codes.Error, "superseded by a new run")
		prev.End()
	}
	h.runSpans[info.InstanceID] = span
	h.runContexts[info.InstanceID] = spanCtx
}

// OnRunComplete ends the run span with success status.
func (h *OTelHooks) OnRunComplete(ctx context.Context, info hooks.RunCompleteInfo) {
	if span, ok := h.takeRun(info.InstanceID); ok {
		span.SetAttributes(attribute.Int64("vigil.duration_ms", info.Duration.Milliseconds()))
		span.SetStatus(codes.Ok, "run completed")
		span.End()
	}
}

// OnRunFailed ends the run span with error status.
func (h *OTelHooks) OnRunFailed(ctx context.Context, info hooks.RunFailedInfo) {
	if span, ok := h.takeRun(info.InstanceID); ok {
		span.SetAttributes(attribute.Int64("vigil.duration_ms", info.Duration.Milliseconds()))
		span.RecordError(info.Error)
		span.SetStatus(codes.Error, info.Error.Error())
		span.End()
	}
}

// OnInstanceTerminated ends the run span, if any, with the abort reason.
func (h *OTelHooks) OnInstanceTerminated(ctx context.Context, info hooks.InstanceTerminatedInfo) {
	span, ok := h.takeRun(info.InstanceID)
	if !ok {
		_, span = h.tracer.Start(ctx, "instance_terminated",
			trace.WithAttributes(attribute.String("vigil.instance_id", info.InstanceID)))
	}
	span.SetAttributes(attribute.String("vigil.terminate_reason", info.Reason))
	span.SetStatus(codes.Error, "instance terminated: "+info.Reason)
	span.End()
}

// OnTimerFired records a span for a dispatched entry, parented to the run
// span when one is open.
func (h *OTelHooks) OnTimerFired(ctx context.Context, info hooks.TimerFiredInfo) {
	parent := ctx
	h.mu.Lock()
	if runCtx, ok := h.runContexts[info.InstanceID]; ok {
		parent = runCtx
	}
	h.mu.Unlock()

	_, span := h.tracer.Start(parent, fmt.Sprintf("timer/%d", info.EntryType),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("vigil.instance_id", info.InstanceID),
			attribute.String("vigil.entry_type", strconv.Itoa(info.EntryType)),
			attribute.String("vigil.entry_hash", info.Hash),
			attribute.Int64("vigil.lateness_ms", info.FiredAt.Sub(info.TargetTime).Milliseconds()),
		),
	)
	span.SetStatus(codes.Ok, "timer fired")
	span.End()
}

// OnGracePeriodExpired adds an event to the run span.
func (h *OTelHooks) OnGracePeriodExpired(ctx context.Context, info hooks.GracePeriodExpiredInfo) {
	h.mu.Lock()
	span, ok := h.runSpans[info.InstanceID]
	h.mu.Unlock()
	if ok {
		span.AddEvent("grace_period_expired",
			trace.WithAttributes(attribute.String("vigil.expired_at", info.ExpiredAt.String())))
	}
}

func (h *OTelHooks) takeRun(instanceID string) (trace.Span, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	span, ok := h.runSpans[instanceID]
	if ok {
		delete(h.runSpans, instanceID)
		delete(h.runContexts, instanceID)
	}
	return span, ok
}

// Ensure OTelHooks implements InstanceHooks interface
var _ hooks.InstanceHooks = (*OTelHooks)(nil)
