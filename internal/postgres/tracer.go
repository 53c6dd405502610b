package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

const unknownLabel = "unknown"

var queryObserver atomic.Pointer[queryObserverHolder]

type (
	sourceKey     struct{}
	queryStatsKey struct{}
	inflightKey   struct{}
)

type queryObserverHolder struct{ QueryObserver }

// QueryObserver receives per-query metrics (wired by main for Prometheus).
// source is the label set with WithSource, caller the store method that
// issued the query.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, source, caller, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, source, caller, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, source, caller, outcome string, dur time.Duration) {
	f(ctx, source, caller, outcome, dur)
}

// SetQueryObserver sets the global query observer. nil disables it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	if h := queryObserver.Load(); h != nil {
		return h.QueryObserver
	}
	return nil
}

// QueryStats accumulates database query statistics for one request or run.
type QueryStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// AddQuery records a single query execution.
func (s *QueryStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

// Snapshot returns the counters under the lock.
func (s *QueryStats) Snapshot() (count int, total time.Duration, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.QueryCount, s.TotalDuration, s.ErrorCount
}

// NewQueryStatsContext returns a new context with an empty QueryStats attached.
func NewQueryStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, queryStatsKey{}, &QueryStats{})
}

// QueryStatsFromContext extracts the QueryStats from the context, if present.
func QueryStatsFromContext(ctx context.Context) (*QueryStats, bool) {
	s, ok := ctx.Value(queryStatsKey{}).(*QueryStats)
	return s, ok
}

// WithSource labels queries issued under ctx for metrics, e.g. "http" for API
// handlers or "workflow" for background runs.
func WithSource(ctx context.Context, source string) context.Context {
	if source == "" {
		return ctx
	}
	return context.WithValue(ctx, sourceKey{}, source)
}

// WithDefaultSource labels ctx with source unless a label is already set.
func WithDefaultSource(ctx context.Context, source string) context.Context {
	if sourceFromContext(ctx) != "" {
		return ctx
	}
	return WithSource(ctx, source)
}

func sourceFromContext(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey{}).(string)
	return s
}

// inflight is what TraceQueryStart hands to TraceQueryEnd.
type inflight struct {
	sql     string
	args    []any
	start   time.Time
	caller  string
	handler string
}

// loggingTracer runs an inner pgx.QueryTracer (otelpgx) and adds a log line,
// stats and an observer callback per query.
type loggingTracer struct {
	inner pgx.QueryTracer
}

// wrapQueryTracer wraps inner with logging. inner may be nil.
func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return loggingTracer{inner: inner}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	q := &inflight{sql: data.SQL, args: data.Args, start: time.Now()}
	q.caller, q.handler = queryOrigin()

	// otelpgx starts the span, annotate it afterwards
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if q.caller != "" {
			span.SetAttributes(attribute.String("db.caller", q.caller))
		}
		if q.handler != "" {
			span.SetAttributes(attribute.String("db.handler", q.handler))
		}
	}
	return context.WithValue(ctx, inflightKey{}, q)
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	q, ok := ctx.Value(inflightKey{}).(*inflight)
	if !ok {
		return
	}
	dur := time.Since(q.start)

	if s, ok := QueryStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}

	source := sourceFromContext(ctx)
	if obs := getQueryObserver(); obs != nil {
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, orUnknown(source), orUnknown(q.caller), outcome, dur)
	}

	fields := q.fields(source, dur, data)
	L := log.FromContext(ctx)
	if data.Err != nil {
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

// fields builds the structured log fields for a finished query.
func (q *inflight) fields(source string, dur time.Duration, data pgx.TraceQueryEndData) []any {
	fields := []any{
		"db.statement", q.sql,
		"db.args", q.args,
		"db.duration", dur.Seconds(),
	}
	if source != "" {
		fields = append(fields, "db.source", source)
	}
	if q.caller != "" {
		fields = append(fields, "db.caller", q.caller)
	}
	if q.handler != "" {
		fields = append(fields, "db.handler", q.handler)
	}

	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		op, _, _ := strings.Cut(tag, " ")
		fields = append(fields,
			"db.operation.name", strings.ToUpper(op),
			"pg.command_tag", tag,
			"db.rows", data.CommandTag.RowsAffected(),
		)
	}

	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		fields = append(fields,
			"db.error_code", pgErr.Code,
			"db.error_constraint", pgErr.ConstraintName,
		)
	}
	return fields
}

func orUnknown(s string) string {
	if s == "" {
		return unknownLabel
	}
	return s
}

// noiseFrames never count as the caller: runtime, driver, tracing.
var noiseFrames = []string{
	"runtime.",
	"github.com/jackc/pgx/v5",
	"github.com/exaring/otelpgx",
	"loggingTracer.TraceQuery",
}

// helperFrames are skipped when looking for the handler above the caller.
var helperFrames = []string{
	"github.com/linnemanlabs/lookout/internal/postgres.",
	"/pgstore.",
	"github.com/cenkalti/backoff",
}

// queryOrigin walks the stack. caller is the first application frame (the
// store method issuing the query); handler is the next frame above it that
// is not a store or retry helper.
func queryOrigin() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		if !more {
			return caller, handler
		}
		fn := fr.Function
		switch {
		case hasAny(fn, noiseFrames):
		case caller == "":
			caller = shortFuncName(fn)
		case hasAny(fn, helperFrames):
		default:
			return caller, shortFuncName(fn)
		}
	}
}

func hasAny(fn string, subs []string) bool {
	for _, s := range subs {
		if strings.Contains(fn, s) {
			return true
		}
	}
	return false
}

// shortFuncName drops the import path and package name, keeping receiver and
// method: ".../pgstore.(*Store).Get" becomes "(*Store).Get".
func shortFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	if _, rest, ok := strings.Cut(fn, "."); ok && rest != "" {
		return rest
	}
	return fn
}
