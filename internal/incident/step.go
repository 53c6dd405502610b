package incident

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/linnemanlabs/lookout/internal/incident")

// callStep runs one generator call under its own deadline and span. The call
// runs on a separate goroutine so a collaborator that ignores ctx still cannot
// hold the workflow past the deadline. Violations pass through unchanged; any
// other failure, panic or timeout becomes an *UpstreamError.
func callStep[T any](ctx context.Context, step string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "incident."+step)
	defer span.End()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		// a result that raced the cancellation still counts
		select {
		case r = <-ch:
		default:
			r.err = ctx.Err()
		}
	}
	if r.err == nil {
		return r.v, nil
	}
	err := r.err

	var zero T
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if IsViolation(err) {
		return zero, err
	}
	return zero, &UpstreamError{Step: step, Err: err}
}
