// Package telemetry records a release as an OpenTelemetry trace: one root
// span carrying the planned steps, and one child span per executed step.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stevedore/internal/stage"
)

const (
	ReleaseIDKey = "stevedore.release.id"
	ErrorKindKey = "stevedore.error.kind"
)

// Operation is a release trace in progress.
type Operation struct {
	ctx    context.Context
	tracer trace.Tracer
	span   trace.Span
}

// EmitPlan starts the root span named name with the plan attached, so
// renderers can draw every step before the first one runs.
func EmitPlan(ctx context.Context, tracer trace.Tracer, name string, plan Plan, attrs ...attribute.KeyValue) (*Operation, error) {
	if tracer == nil {
		return nil, errors.New("emit plan: tracer is required")
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("emit plan: operation name is required")
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("emit plan: %w", err)
	}
	planAttrs, err := plan.attributes()
	if err != nil {
		return nil, fmt.Errorf("emit plan: %w", err)
	}

	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(append(planAttrs, attrs...)...))
	return &Operation{ctx: ctx, tracer: tracer, span: span}, nil
}

// Context carries the root span. A nil Operation yields a bare background
// context.
func (o *Operation) Context() context.Context {
	if o == nil {
		return context.Background()
	}
	return o.ctx
}

// RunStep runs fn inside a child span named id. Steps nest when ctx already
// carries a step span. A failing step marks its span with the error and,
// for classified errors, the error kind.
func (o *Operation) RunStep(ctx context.Context, id string, fn func(context.Context) error) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("run step: step id is required")
	}
	if o == nil {
		return fn(ctx)
	}

	ctx, span := o.tracer.Start(ctx, id)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		markFailed(span, err)
	}
	return err
}

// End closes the root span, failed when err is non-nil.
func (o *Operation) End(err error) {
	if o == nil {
		return
	}
	if err != nil {
		markFailed(o.span, err)
	}
	o.span.End()
}

func markFailed(span trace.Span, err error) {
	if kind, ok := stage.KindOf(err); ok {
		span.SetAttributes(attribute.String(ErrorKindKey, kind.Name()))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
}
