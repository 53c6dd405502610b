package incident

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Executor runs an ActionPlan against the sinks.
type Executor struct {
	store      IncidentStore
	notifier   Notifier
	logger     log.Logger
	hooks      Hooks
	newBackOff func() backoff.BackOff
}

// NewExecutor creates an executor. Sink retries use exponential backoff.
func NewExecutor(store IncidentStore, notifier Notifier, logger log.Logger, hooks Hooks) *Executor {
	if logger == nil {
		logger = log.Nop()
	}
	return &Executor{
		store:    store,
		notifier: notifier,
		logger:   logger,
		hooks:    hooks,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// WithBackOff replaces the retry schedule. Tests use a zero backoff.
func (e *Executor) WithBackOff(fn func() backoff.BackOff) *Executor {
	e.newBackOff = fn
	return e
}

// Execute runs every action in order and returns one outcome per action.
// Partial failure is reported per action, never as an error. at anchors the
// dedup bucket, the storage partition and the record timestamp.
func (e *Executor) Execute(ctx context.Context, plan ActionPlan, at time.Time, cfg Config) []ActionOutcome {
	outcomes := make([]ActionOutcome, 0, plan.Len())
	storeOK := false

	for _, a := range plan.Actions {
		start := time.Now()
		out := ActionOutcome{
			Action:   a,
			DedupKey: DeriveKey(a.Location, a.Crime, at, cfg.Granularity),
		}

		switch {
		case a.Name == ActionNotify && cfg.NotifyGatedOnStoreSuccess && !storeOK:
			out.Status = StatusSkipped
			out.Error = "store did not succeed"
		case ctx.Err() != nil:
			out.Status = StatusFailed
			out.Err = ctx.Err()
			out.Error = out.Err.Error()
		default:
			e.run(ctx, &out, at, cfg)
		}

		if a.Name == ActionStore && out.Status.Succeeded() {
			storeOK = true
		}

		e.hooks.action(a.Name, out.Status, out.Attempts, time.Since(start).Seconds())
		L := e.logger.With("action", a.Name, "dedup_key", out.DedupKey, "status", out.Status, "attempts", out.Attempts)
		if out.Status == StatusFailed {
			L.Error(ctx, out.Err, "action failed")
		} else {
			L.Info(ctx, "action executed")
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func (e *Executor) run(ctx context.Context, out *ActionOutcome, at time.Time, cfg Config) {
	a := out.Action
	partition := PartitionKey(at)

	ctx, span := tracer.Start(ctx, "incident.action."+string(a.Name))
	defer span.End()
	span.SetAttributes(
		attribute.String("lookout.action", string(a.Name)),
		attribute.String("lookout.dedup_key", out.DedupKey),
		attribute.String("lookout.partition", partition),
	)

	var (
		sink string
		op   backoff.Operation[ActionStatus]
	)
	switch a.Name {
	case ActionStore:
		sink = "store"
		rec := Record{
			Location:  a.Location,
			Crime:     a.Crime,
			CreatedAt: at.UTC().Format(time.RFC3339),
		}
		op = func() (ActionStatus, error) {
			out.Attempts++
			cctx, cancel := context.WithTimeout(ctx, cfg.StepTimeout)
			defer cancel()
			res, err := e.store.PutIfAbsent(cctx, partition, out.DedupKey, rec)
			if err != nil {
				return "", err
			}
			if res == PutExists {
				return StatusExists, nil
			}
			return StatusCreated, nil
		}
	case ActionNotify:
		sink = "notify"
		n := NewNotification(a, at)
		op = func() (ActionStatus, error) {
			out.Attempts++
			cctx, cancel := context.WithTimeout(ctx, cfg.StepTimeout)
			defer cancel()
			res, err := e.notifier.SendIfNotSent(cctx, out.DedupKey, n)
			if err != nil {
				return "", err
			}
			if res == SendAlreadySent {
				return StatusAlreadySent, nil
			}
			return StatusSent, nil
		}
	default:
		out.Status = StatusFailed
		out.Err = errors.New("unknown action " + string(a.Name))
		out.Error = out.Err.Error()
		span.SetStatus(codes.Error, out.Error)
		return
	}

	status, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(e.newBackOff()),
		backoff.WithMaxTries(uint(cfg.SinkRetries)),
	)
	if err != nil {
		out.Status = StatusFailed
		out.Err = &SinkError{Sink: sink, Key: out.DedupKey, Err: err}
		out.Error = out.Err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	out.Status = status
	span.SetAttributes(attribute.String("lookout.status", string(status)))
}
