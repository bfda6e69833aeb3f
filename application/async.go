package application

import (
	"context"

	"github.com/cschleiden/go-workflowapp/internal/metrickeys"
	im "github.com/cschleiden/go-workflowapp/internal/metrics"
	"github.com/cschleiden/go-workflowapp/internal/tracing"
	"github.com/cschleiden/go-workflowapp/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Future is the result of an asynchronous operation.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(v T, err error) {
	f.value = v
	f.err = err
	close(f.done)
}

// Done is closed once the operation finished.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get waits for the operation to finish or for ctx to be done. Giving up on Get does not cancel the operation.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// withTimeout applies the default timeout to contexts without a deadline.
func (a *Application) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, a.options.AcquireLockTimeout)
}

func (a *Application) startOperation(ctx context.Context, op *operation) (context.Context, trace.Span, *im.Timer) {
	ctx, span := tracing.StartInstanceSpan(ctx, a.tracer, "Application."+op.name, a.ID(),
		attribute.String(tracing.Operation, op.name))

	timer := im.NewTimer(a.metrics, a.options.Clock, metrickeys.OperationDuration, metrics.Tags{metrickeys.Operation: op.name})

	return ctx, span, timer
}

// do waits for the turn of op, runs body while holding it, and then hands the instance back to the scheduler.
func do[T any](ctx context.Context, a *Application, op *operation, body func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if err := a.checkHandler(ctx); err != nil {
		return zero, err
	}

	ctx, span, timer := a.startOperation(ctx, op)
	defer span.End()
	defer timer.Stop()

	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	if err := a.waitForTurn(ctx, op); err != nil {
		return zero, tracing.WithSpanError(span, err)
	}

	span.SetAttributes(attribute.Int64(tracing.OperationActionID, op.actionID))

	v, err := body(ctx)
	a.notifyOperationComplete(op)

	return v, tracing.WithSpanError(span, err)
}

// doAsync is the asynchronous form of do. Nothing blocks while the operation is queued.
func doAsync[T any](ctx context.Context, a *Application, op *operation, body func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	doThen(ctx, a, op, body, f.resolve)

	return f
}

// doThen runs body once op has been granted and passes the result to then.
func doThen[T any](ctx context.Context, a *Application, op *operation, body func(ctx context.Context) (T, error), then func(T, error)) {
	var zero T
	if err := a.checkHandler(ctx); err != nil {
		then(zero, err)
		return
	}

	ctx, span, timer := a.startOperation(ctx, op)
	ctx, cancel := a.withTimeout(ctx)

	a.waitForTurnAsync(ctx, op, false, func(err error) {
		finish := func(v T, err error) {
			err = tracing.WithSpanError(span, err)
			timer.Stop()
			span.End()
			cancel()
			then(v, err)
		}

		if err != nil {
			finish(zero, err)
			return
		}

		span.SetAttributes(attribute.Int64(tracing.OperationActionID, op.actionID))

		v, err := body(ctx)
		a.notifyOperationComplete(op)

		finish(v, err)
	})
}

type none = struct{}

// noValue adapts an operation body without a result.
func noValue(body func(ctx context.Context) error) func(ctx context.Context) (none, error) {
	return func(ctx context.Context) (none, error) {
		return none{}, body(ctx)
	}
}
