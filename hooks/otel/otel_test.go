package otel

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/i2y/vigil/hooks"
)

// setupTest creates a test tracer provider and returns the hooks and span recorder.
func setupTest() (*OTelHooks, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return NewOTelHooks(tp), sr
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestNewOTelHooks(t *testing.T) {
	h := NewOTelHooks(nil)
	if h == nil || h.tracer == nil {
		t.Fatal("expected hooks with a tracer")
	}
}

func TestRunComplete(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()

	h.OnRunStart(ctx, hooks.RunStartInfo{InstanceID: "inst-1", WorkflowID: "orders", VersionID: "v1", LeaseToken: 3})
	h.OnRunComplete(ctx, hooks.RunCompleteInfo{InstanceID: "inst-1", WorkflowID: "orders", Duration: 150 * time.Millisecond})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "run/orders" {
		t.Errorf("expected span name 'run/orders', got %s", span.Name())
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("expected status OK, got %v", span.Status().Code)
	}
	if v, ok := attrValue(span.Attributes(), "vigil.lease_token"); !ok || v.AsInt64() != 3 {
		t.Errorf("expected lease token attribute 3, got %v", v)
	}
	if v, ok := attrValue(span.Attributes(), "vigil.duration_ms"); !ok || v.AsInt64() != 150 {
		t.Errorf("expected duration 150ms, got %v", v)
	}
}

func TestRunFailed(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()

	h.OnRunStart(ctx, hooks.RunStartInfo{InstanceID: "inst-1", WorkflowID: "orders"})
	h.OnRunFailed(ctx, hooks.RunFailedInfo{InstanceID: "inst-1", Error: errors.New("boom")})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error || spans[0].Status().Description != "boom" {
		t.Errorf("unexpected status %+v", spans[0].Status())
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected the error to be recorded as an event")
	}
}

func TestTerminateWithoutRun(t *testing.T) {
	h, sr := setupTest()

	h.OnInstanceTerminated(context.Background(), hooks.InstanceTerminatedInfo{InstanceID: "inst-1", Reason: "terminated by user"})

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if v, _ := attrValue(spans[0].Attributes(), "vigil.terminate_reason"); v.AsString() != "terminated by user" {
		t.Errorf("unexpected reason %q", v.AsString())
	}
}

func TestTimerSpanIsChildOfRun(t *testing.T) {
	h, sr := setupTest()
	ctx := context.Background()
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	h.OnRunStart(ctx, hooks.RunStartInfo{InstanceID: "inst-1", WorkflowID: "orders"})
	h.OnTimerFired(ctx, hooks.TimerFiredInfo{InstanceID: "inst-1", EntryType: 100, Hash: "h", TargetTime: now, FiredAt: now.Add(20 * time.Millisecond)})
	h.OnGracePeriodExpired(ctx, hooks.GracePeriodExpiredInfo{InstanceID: "inst-1", ExpiredAt: now})
	h.OnInstanceTerminated(ctx, hooks.InstanceTerminatedInfo{InstanceID: "inst-1", Reason: "grace period expired"})

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	timer, run := spans[0], spans[1]
	if timer.Parent().SpanID() != run.SpanContext().SpanID() {
		t.Error("expected timer span to be a child of the run span")
	}
	if v, _ := attrValue(timer.Attributes(), "vigil.lateness_ms"); v.AsInt64() != 20 {
		t.Errorf("expected lateness 20ms, got %d", v.AsInt64())
	}
	if len(run.Events()) != 1 || run.Events()[0].Name != "grace_period_expired" {
		t.Errorf("expected grace_period_expired event, got %+v", run.Events())
	}
}

func TestNoOpHooks(t *testing.T) {
	var h hooks.InstanceHooks = &hooks.NoOpHooks{}
	ctx := context.Background()
	h.OnInstanceQueued(ctx, hooks.InstanceQueuedInfo{})
	h.OnRunStart(ctx, hooks.RunStartInfo{})
	h.OnRunComplete(ctx, hooks.RunCompleteInfo{})
	h.OnRunFailed(ctx, hooks.RunFailedInfo{Error: errors.New("x")})
	h.OnInstanceTerminated(ctx, hooks.InstanceTerminatedInfo{})
	h.OnTimerFired(ctx, hooks.TimerFiredInfo{})
	h.OnGracePeriodExpired(ctx, hooks.GracePeriodExpiredInfo{})
}
