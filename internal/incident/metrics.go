package incident

import "github.com/prometheus/client_golang/prometheus"

// CompleteEvent summarizes a finished workflow run for observers.
type CompleteEvent struct {
	Kind       OutcomeKind
	Reason     string
	Duration   float64
	Iterations int
	Score      int
	Actions    []ActionOutcome
}

// Hooks are optional observation callbacks. Nil fields are skipped.
type Hooks struct {
	OnEvaluation func(iteration, score int)
	OnLoopDone   func(state LoopState, iterations int)
	OnAction     func(name ActionName, status ActionStatus, attempts int, duration float64)
	OnComplete   func(e *CompleteEvent)
}

func (h Hooks) evaluation(iteration, score int) {
	if h.OnEvaluation != nil {
		h.OnEvaluation(iteration, score)
	}
}

func (h Hooks) loopDone(state LoopState, iterations int) {
	if h.OnLoopDone != nil {
		h.OnLoopDone(state, iterations)
	}
}

func (h Hooks) action(name ActionName, status ActionStatus, attempts int, duration float64) {
	if h.OnAction != nil {
		h.OnAction(name, status, attempts, duration)
	}
}

func (h Hooks) complete(e *CompleteEvent) {
	if h.OnComplete != nil {
		h.OnComplete(e)
	}
}

// Metrics holds Prometheus metrics for the incident workflow.
type Metrics struct {
	WorkflowsTotal    *prometheus.CounterVec
	WorkflowDuration  *prometheus.HistogramVec
	QualityIterations *prometheus.HistogramVec
	EvaluationScores  prometheus.Histogram
	ActionsTotal      *prometheus.CounterVec
	ActionAttempts    *prometheus.HistogramVec
	ActionDuration    *prometheus.HistogramVec
	LLMCallsTotal     *prometheus.CounterVec
	LLMTokensIn       prometheus.Counter
	LLMTokensOut      prometheus.Counter
	LLMDuration       *prometheus.HistogramVec
	SubmitsTotal      *prometheus.CounterVec
	RunsInFlight      prometheus.Gauge
}

// NewMetrics registers and returns workflow metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WorkflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lookout_workflows_total",
			Help: "Total workflow runs by outcome and reason.",
		}, []string{"outcome", "reason"}),
		WorkflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lookout_workflow_duration_seconds",
			Help:    "Duration of workflow runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}, []string{"outcome"}),
		QualityIterations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lookout_quality_iterations",
			Help:    "Translate attempts per quality loop, by final state.",
			Buckets: prometheus.LinearBuckets(1, 1, 10), // 1 .. 10
		}, []string{"state"}),
		EvaluationScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lookout_evaluation_score",
			Help:    "Translation quality scores returned by the evaluator.",
			Buckets: prometheus.LinearBuckets(0, 1, 11), // 0 .. 10
		}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lookout_actions_total",
			Help: "Executed actions by name and status.",
		}, []string{"action", "status"}),
		ActionAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lookout_action_attempts",
			Help:    "Sink write attempts per action.",
			Buckets: prometheus.LinearBuckets(1, 1, 5), // 1 .. 5
		}, []string{"action"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lookout_action_duration_seconds",
			Help:    "Duration of action execution including retries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"action"}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lookout_llm_calls_total",
			Help: "Total generator calls by step and status.",
		}, []string{"step", "status"}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lookout_llm_tokens_input_total",
			Help: "Total generator input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lookout_llm_tokens_output_total",
			Help: "Total generator output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lookout_llm_call_duration_seconds",
			Help:    "Duration of individual generator calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 9), // 0.25s .. ~64s
		}, []string{"step"}),
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lookout_submits_total",
			Help: "Total report submissions by result.",
		}, []string{"result"}),
		RunsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lookout_runs_in_flight",
			Help: "Workflow runs currently executing.",
		}),
	}

	reg.MustRegister(
		m.WorkflowsTotal,
		m.WorkflowDuration,
		m.QualityIterations,
		m.EvaluationScores,
		m.ActionsTotal,
		m.ActionAttempts,
		m.ActionDuration,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.SubmitsTotal,
		m.RunsInFlight,
	)

	return m
}

// Hooks returns workflow Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnEvaluation: func(_, score int) {
			m.EvaluationScores.Observe(float64(score))
		},
		OnLoopDone: func(state LoopState, iterations int) {
			m.QualityIterations.WithLabelValues(string(state)).Observe(float64(iterations))
		},
		OnAction: func(name ActionName, status ActionStatus, attempts int, duration float64) {
			m.ActionsTotal.WithLabelValues(string(name), string(status)).Inc()
			m.ActionAttempts.WithLabelValues(string(name)).Observe(float64(attempts))
			m.ActionDuration.WithLabelValues(string(name)).Observe(duration)
		},
		OnComplete: func(e *CompleteEvent) {
			m.WorkflowsTotal.WithLabelValues(string(e.Kind), e.Reason).Inc()
			m.WorkflowDuration.WithLabelValues(string(e.Kind)).Observe(e.Duration)
		},
	}
}

// ObserveLLMCall records one generator call. It matches the claude client's
// call hook signature.
func (m *Metrics) ObserveLLMCall(step string, inputTokens, outputTokens int, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.LLMCallsTotal.WithLabelValues(step, status).Inc()
	m.LLMTokensIn.Add(float64(inputTokens))
	m.LLMTokensOut.Add(float64(outputTokens))
	m.LLMDuration.WithLabelValues(step).Observe(duration)
}
