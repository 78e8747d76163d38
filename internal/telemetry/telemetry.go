// Package telemetry wires OpenTelemetry tracing and metrics around workflow
// and step execution (SPEC_FULL.md §11.7). Spec §1 excludes a metrics sink
// as a *required* component, but the ambient stack still carries
// observability the way the teacher's runtime does.
//
// Grounded on the teacher's internal/workflows/runtime/telemetry.go
// (WorkflowTelemetry: tracer+meter, StartRunSpan/EndRunSpan keyed by run id,
// StartStepSpan/EndStepSpan, failure counter), metric names and span
// attributes renamed from Station's run/step domain to this engine's
// workflow/step domain. The teacher's NATSTraceCarrier
// (propagation.TextMapCarrier over NATS message headers) is not ported:
// spec §5 drives every step synchronously through get_next_step/
// step_complete in a single process, so there is no cross-process hop for a
// span context to cross — see DESIGN.md.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "loomctl.workflows"
	meterName  = "loomctl.workflows"
)

// Telemetry holds the tracer, meter, and in-flight run spans for one
// process's worth of workflow execution.
type Telemetry struct {
	tracer trace.Tracer
	meter  metric.Meter

	runCounter     metric.Int64Counter
	runDuration    metric.Float64Histogram
	stepCounter    metric.Int64Counter
	stepDuration   metric.Float64Histogram
	activeRuns     metric.Int64UpDownCounter
	failureCounter metric.Int64Counter

	mu       sync.RWMutex
	runSpans map[string]trace.Span
}

// New constructs a Telemetry against the global OTel providers (installed
// by the caller's SDK setup, or the no-op default if observability is not
// configured).
func New() (*Telemetry, error) {
	t := &Telemetry{
		tracer:   otel.Tracer(tracerName),
		meter:    otel.Meter(meterName),
		runSpans: make(map[string]trace.Span),
	}

	var err error
	if t.runCounter, err = t.meter.Int64Counter(
		"loomctl_workflow_runs_total",
		metric.WithDescription("Total number of workflow instances started"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create run counter: %w", err)
	}

	if t.runDuration, err = t.meter.Float64Histogram(
		"loomctl_workflow_run_duration_seconds",
		metric.WithDescription("Duration of workflow instances in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create run duration histogram: %w", err)
	}

	if t.stepCounter, err = t.meter.Int64Counter(
		"loomctl_workflow_steps_total",
		metric.WithDescription("Total number of atomic steps dispatched"),
		metric.WithUnit("{step}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create step counter: %w", err)
	}

	if t.stepDuration, err = t.meter.Float64Histogram(
		"loomctl_workflow_step_duration_seconds",
		metric.WithDescription("Duration between a step's dispatch and its step_complete"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create step duration histogram: %w", err)
	}

	if t.activeRuns, err = t.meter.Int64UpDownCounter(
		"loomctl_workflow_runs_active",
		metric.WithDescription("Number of currently running workflow instances"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create active runs counter: %w", err)
	}

	if t.failureCounter, err = t.meter.Int64Counter(
		"loomctl_workflow_failures_total",
		metric.WithDescription("Total number of workflow and step failures"),
		metric.WithUnit("{failure}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create failure counter: %w", err)
	}

	return t, nil
}

// StartRunSpan opens a span for one workflow instance's lifetime, keyed by
// workflow id so EndRunSpan can find it later without threading the span
// through every call site.
func (t *Telemetry) StartRunSpan(ctx context.Context, workflowID, workflowName string) context.Context {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("workflow.run.%s", workflowName),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.String("workflow.name", workflowName),
		),
	)

	t.mu.Lock()
	t.runSpans[workflowID] = span
	t.mu.Unlock()

	t.runCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow.name", workflowName)))
	t.activeRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow.name", workflowName)))

	return ctx
}

// EndRunSpan closes the span opened by StartRunSpan and records its
// duration and status.
func (t *Telemetry) EndRunSpan(ctx context.Context, workflowID, workflowName, status string, duration time.Duration, err error) {
	t.mu.Lock()
	span, exists := t.runSpans[workflowID]
	if exists {
		delete(t.runSpans, workflowID)
	}
	t.mu.Unlock()

	if !exists || span == nil {
		return
	}

	span.SetAttributes(
		attribute.String("workflow.status", status),
		attribute.Float64("workflow.duration_seconds", duration.Seconds()),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.failureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("workflow.name", workflowName),
			attribute.String("failure.type", "run"),
		))
	} else if status == "completed" {
		span.SetStatus(codes.Ok, "workflow completed")
	}
	span.End()

	t.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("workflow.name", workflowName),
		attribute.String("workflow.status", status),
	))
	t.activeRuns.Add(ctx, -1, metric.WithAttributes(attribute.String("workflow.name", workflowName)))
}

// StartStepSpan opens a span for one atomic step's execution.
func (t *Telemetry) StartStepSpan(ctx context.Context, workflowID, stepID, stepType string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("workflow.step.%s", stepID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.String("workflow.step_id", stepID),
			attribute.String("workflow.step_type", stepType),
		),
	)
	t.stepCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow.step_type", stepType)))
	return ctx, span
}

// EndStepSpan closes the span opened by StartStepSpan and records its
// duration and status.
func (t *Telemetry) EndStepSpan(span trace.Span, stepType, status string, duration time.Duration, err error) {
	if span == nil {
		return
	}

	span.SetAttributes(
		attribute.String("workflow.step_status", status),
		attribute.Float64("workflow.step_duration_seconds", duration.Seconds()),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if status == "success" {
		span.SetStatus(codes.Ok, "step completed")
	}
	span.End()

	ctx := context.Background()
	t.stepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("workflow.step_type", stepType),
		attribute.String("workflow.step_status", status),
	))

	if err != nil || status == "failed" {
		t.failureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("workflow.step_type", stepType),
			attribute.String("failure.type", "step"),
		))
	}
}
