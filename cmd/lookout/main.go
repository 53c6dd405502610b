// Lookout turns free-text incident reports into stored incidents and
// deduplicated alerts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"

	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/lookout/internal/authmw"
	lc "github.com/linnemanlabs/lookout/internal/cfg"
	"github.com/linnemanlabs/lookout/internal/incident"
	"github.com/linnemanlabs/lookout/internal/incident/memstore"
	"github.com/linnemanlabs/lookout/internal/incident/pgstore"
	"github.com/linnemanlabs/lookout/internal/llm/claude"
	"github.com/linnemanlabs/lookout/internal/notify"
	"github.com/linnemanlabs/lookout/internal/notify/slack"
	"github.com/linnemanlabs/lookout/internal/postgres"
	"github.com/linnemanlabs/lookout/internal/reportapi"
)

const appName = "lookout"
const component = "server"

// store is everything the workflow persists: runs, incidents and the
// notification ledger.
type store interface {
	incident.RunStore
	incident.IncidentStore
	notify.Ledger
}

// config bundles the app config with the go-core component configs, each of
// which registers its own flags.
type config struct {
	app    lc.Config
	http   httpserver.Config
	httpmw httpmw.Config
	log    log.Config
	ops    opshttp.Config
	prof   prof.Config
	trace  otelx.Config
}

func (c *config) register(fs *flag.FlagSet) {
	c.app.RegisterFlags(fs)
	c.http.RegisterFlags(fs)
	c.httpmw.RegisterFlags(fs)
	c.log.RegisterFlags(fs)
	c.ops.RegisterFlags(fs)
	c.prof.RegisterFlags(fs)
	c.trace.RegisterFlags(fs)
}

// validate checks every component and the cross-component rules, and
// returns the resolved workflow config.
func (c *config) validate() (incident.Config, error) {
	if err := errors.Join(
		c.app.Validate(),
		c.http.Validate(),
		c.httpmw.Validate(),
		c.log.Validate(),
		c.ops.Validate(),
		c.prof.Validate(),
		c.trace.Validate(),
	); err != nil {
		return incident.Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	if c.app.APIPort == c.ops.Port {
		return incident.Config{}, fmt.Errorf("http and admin ports must differ (both %d)", c.app.APIPort)
	}
	return c.app.Workflow()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	var c config
	c.register(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline wins, env only fills flags that were not set
	flag.Parse()
	if showVersion {
		fmt.Printf("%s (%s) %s (commit=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty)
		return nil
	}
	cfg.FillFromEnv(flag.CommandLine, "LOOKOUT_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	workflow, err := c.validate()
	if err != nil {
		return err
	}

	lg, err := log.New(c.log.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", c.app.APIPort,
		"admin_port", c.ops.Port,
		"enable_pyroscope", c.prof.EnablePyroscope,
		"enable_tracing", c.trace.EnableTracing,
		"otlp_endpoint", c.trace.OTLPEndpoint,
		"claude_model", c.app.ClaudeModel,
		"max_concurrent_runs", c.app.MaxConcurrentRuns,
		"quality_threshold", workflow.QualityThreshold,
		"max_iterations", workflow.MaxIterations,
		"dedup_granularity", workflow.Granularity,
		"notify_gated_on_store_success", workflow.NotifyGatedOnStoreSuccess,
		"action_source", workflow.ActionSource,
	)

	stopProf, profiling := startProfiling(ctx, L, c.prof, map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	})
	defer stopProf()

	shutdownOtel := startTracing(ctx, L, c.trace, profiling)
	defer func() { _ = shutdownOtel(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profiling)
	incidentMetrics := incident.NewMetrics(m.Registry())
	observeQueries(m.Registry())

	st, closeStore, err := openStore(ctx, L, c.app.DatabaseURL)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, err := newService(L, c.app, workflow, st, incidentMetrics)
	if err != nil {
		return err
	}

	// readiness fails once shutdown starts so the load balancer drains us
	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())
	liveness := health.Fixed(true, "")

	opsOpts := c.ops.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		if err := opsStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(dbQueryStats)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(64 << 10)) // reports are short messages
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))
	r.Group(func(r chi.Router) {
		r.Use(authmw.BearerTokens(c.app.Tokens()...))
		reportapi.New(L, svc).RegisterRoutes(r)
	})

	apiOpts, err := c.http.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}
	h := wrapAPI(r, L, m.Middleware, c.httpmw.TrustedProxyHops)
	apiStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", c.app.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start report api http listener")
		return err
	}
	defer func() {
		if err := apiStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop report api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills the process after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	gate.Set("draining")
	drain(L, time.Duration(c.app.DrainSeconds)*time.Second)

	shutdown(L, time.Duration(c.app.ShutdownBudgetSeconds)*time.Second, []stopFn{
		{"report api http server", apiStop},
		{"workflow runs", svc.Wait},
		{"ops http server", opsStop},
		{"otel", shutdownOtel},
	})

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// startProfiling starts pyroscope. The returned stop func is never nil.
func startProfiling(ctx context.Context, L log.Logger, pc prof.Config, tags map[string]string) (stop func(), active bool) {
	opts := pc.ToOptions()
	opts.AppName = v.AppName
	opts.Tags = tags
	stopProf, err := prof.Start(ctx, opts)
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", pc.PyroServer)
	}
	if stopProf == nil {
		stopProf = func() {}
	}
	return stopProf, err == nil && pc.EnablePyroscope
}

// startTracing initializes otel. With profiling on, spans are linked to
// pyroscope profiles. The returned shutdown func is never nil.
func startTracing(ctx context.Context, L log.Logger, tc otelx.Config, profiling bool) func(context.Context) error {
	opts := tc.ToOptions()
	opts.Service = v.AppName
	opts.Component = v.Component
	opts.Version = v.Version

	shutdown, err := otelx.Init(ctx, opts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdown == nil {
		shutdown = func(context.Context) error { return nil }
	}
	if profiling && tc.EnableTracing {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}
	return shutdown
}

// observeQueries registers the per-query histogram and feeds it from the pg
// query tracer.
func observeQueries(reg prometheus.Registerer) {
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lookout_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"source", "caller", "outcome"})
	reg.MustRegister(hist)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, source, caller, outcome string, dur time.Duration) {
			hist.WithLabelValues(source, caller, outcome).Observe(dur.Seconds())
		},
	))
}

// openStore picks postgres when a database URL is configured, memory otherwise.
func openStore(ctx context.Context, L log.Logger, databaseURL string) (store, func(), error) {
	if databaseURL == "" {
		L.Info(ctx, "using in-memory store (no database-url configured)")
		return memstore.New(), func() {}, nil
	}
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	pg, err := pgstore.New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgstore init: %w", err)
	}
	L.Info(ctx, "using postgres store")
	return pg, pool.Close, nil
}

// newService wires the claude generators, the slack deduper and the workflow
// into the intake service.
func newService(L log.Logger, ac lc.Config, workflow incident.Config, st store, im *incident.Metrics) (*incident.Service, error) {
	gen := claude.New(ac.ClaudeAPIKey, ac.ClaudeModel, ac.ClaudeMaxRetries, claude.WithCallHook(im.ObserveLLMCall))

	if ac.SlackWebhookURL == "" {
		L.Warn(context.Background(), "no slack webhook configured, alerts will be dropped")
	}
	notifier := notify.NewDeduper(slack.New(ac.SlackWebhookURL, L), st, L)

	hooks := im.Hooks()
	var opts []incident.OrchestratorOption
	if workflow.ActionSource == incident.ActionSourceGenerator {
		opts = append(opts, incident.WithProposer(gen))
	}
	orch := incident.NewOrchestrator(
		incident.NewQualityLoop(gen, gen, L, hooks),
		incident.NewPlanner(gen),
		incident.NewExecutor(st, notifier, L, hooks),
		L, hooks, opts...,
	)

	svc, err := incident.NewService(st, orch, workflow, L, im, ac.MaxConcurrentRuns)
	if err != nil {
		return nil, fmt.Errorf("incident service: %w", err)
	}
	return svc, nil
}

// wrapAPI applies the outer middleware. The last wrapper applied sees the
// raw request first.
func wrapAPI(r http.Handler, L log.Logger, instrument func(http.Handler) http.Handler, trustedHops int) http.Handler {
	h := httpmw.WithLogger(L)(r)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute renames the span to the route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
	h = instrument(h)
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{TrustedHops: trustedHops})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	return httpmw.SecurityHeaders(h)
}

// dbQueryStats labels queries issued while serving a request with source
// "http" and logs the per-request query totals.
func dbQueryStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := postgres.NewQueryStatsContext(postgres.WithSource(r.Context(), "http"))
		next.ServeHTTP(w, r.WithContext(ctx))

		stats, ok := postgres.QueryStatsFromContext(ctx)
		if !ok {
			return
		}
		if n, total, errs := stats.Snapshot(); n > 0 {
			log.FromContext(ctx).Info(ctx, "request db queries",
				"db.queries", n,
				"db.total_duration", total.Seconds(),
				"db.errors", errs,
			)
		}
	})
}

// drain waits out the drain period so the load balancer sees us unready. A
// second signal cuts it short.
func drain(L log.Logger, d time.Duration) {
	ctx := context.Background()
	L.Info(ctx, "sleeping for drain period", "drain_seconds", d.Seconds())

	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	select {
	case <-time.After(d):
		L.Info(ctx, "drain period complete")
	case <-force:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

type stopFn struct {
	name string
	fn   func(context.Context) error
}

// shutdown stops components in order, each with an equal slice of budget.
func shutdown(L log.Logger, budget time.Duration, fns []stopFn) {
	if len(fns) == 0 {
		return
	}
	per := budget / time.Duration(len(fns))
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range fns {
		cctx, ccancel := context.WithTimeout(ctx, per)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd, net has no context dial for unixgram
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
