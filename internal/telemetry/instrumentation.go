package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attributes feed metrics, so keep them bounded: operation names, kinds, backends and
// statuses are fine; task ids, URLs, hashes and file names belong in logs.

const (
	statusSuccess = "success"
	statusError   = "error"
)

// InstrumentedFunc is the unit of work wrapped by the Instrument* helpers.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation runs fn inside a span named operationName and tags it with component.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	ctx, span := t.tracer.Start(ctx, operationName, trace.WithAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	))
	defer span.End()

	err := fn(ctx)
	finishSpan(span, err)

	return err
}

// InstrumentStoreOperation wraps a resume store call against backend and records its latency.
func (t *Telemetry) InstrumentStoreOperation(ctx context.Context, backend, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	begin := time.Now()
	err := t.InstrumentOperation(ctx, "store_"+operation, "resume_store", fn)

	t.RecordStoreOperation(ctx, backend, operation, statusOf(err), time.Since(begin))

	return err
}

// InstrumentClientOperation wraps a call to the chunk server.
func (t *Telemetry) InstrumentClientOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "client_"+operation, "chunk_client", fn)
	t.RecordClientOperation(ctx, operation, statusOf(err))

	return err
}

// finishSpan marks the outcome. The error text goes to the span status only.
func finishSpan(span trace.Span, err error) {
	span.SetAttributes(attribute.String("status", statusOf(err)))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return
	}

	span.SetStatus(codes.Ok, "")
}

func statusOf(err error) string {
	if err != nil {
		return statusError
	}

	return statusSuccess
}
