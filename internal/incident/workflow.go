package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// OutcomeKind is the terminal classification of a workflow run.
type OutcomeKind string

const (
	OutcomeAccepted  OutcomeKind = "accepted"
	OutcomeSkipped   OutcomeKind = "skipped"
	OutcomeExhausted OutcomeKind = "exhausted"
)

// Skip reasons.
const (
	ReasonEmptyInput        = "empty input"
	ReasonTranslationFailed = "translation failed"
	ReasonEmptyTranslation  = "empty translation"
	ReasonExtractionFailed  = "extraction failed"
	ReasonInvalidPlan       = "invalid plan"
	ReasonNotRelevant       = "not relevant"
	ReasonInvalidActions    = "invalid action plan"
)

// State is the per-message record threaded through one run. It is owned by a
// single Process call and copied into the Outcome when the run ends.
type State struct {
	RawText        string      `json:"raw_text"`
	Text           string      `json:"text"`
	Translation    string      `json:"translation,omitempty"`
	Score          int         `json:"score"`
	Feedback       string      `json:"feedback,omitempty"`
	Iterations     int         `json:"iterations"`
	LoopState      LoopState   `json:"loop_state,omitempty"`
	Plan           *PlanResult `json:"plan,omitempty"`
	Actions        *ActionPlan `json:"actions,omitempty"`
	SkipProcessing bool        `json:"skip_processing"`
	ShouldEnd      bool        `json:"should_end"`
	Reason         string      `json:"reason,omitempty"`
}

// Outcome is what every run returns. Actions is empty for Skipped.
type Outcome struct {
	Kind    OutcomeKind     `json:"kind"`
	Reason  string          `json:"reason,omitempty"`
	Error   string          `json:"error,omitempty"`
	Actions []ActionOutcome `json:"actions"`
	State   State           `json:"state"`
}

// Orchestrator drives sanitize -> quality loop -> plan -> actions -> execute.
type Orchestrator struct {
	loop     *QualityLoop
	planner  *Planner
	executor *Executor
	proposer ActionProposer
	logger   log.Logger
	hooks    Hooks
	now      func() time.Time
}

// OrchestratorOption configures optional Orchestrator collaborators.
type OrchestratorOption func(*Orchestrator)

// WithProposer sets the collaborator used when ActionSource is generator.
func WithProposer(p ActionProposer) OrchestratorOption {
	return func(o *Orchestrator) { o.proposer = p }
}

// WithClock overrides the clock used for messages without a receive time.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator wires the workflow components together.
func NewOrchestrator(loop *QualityLoop, planner *Planner, executor *Executor, logger log.Logger, hooks Hooks, opts ...OrchestratorOption) *Orchestrator {
	if logger == nil {
		logger = log.Nop()
	}
	o := &Orchestrator{
		loop:     loop,
		planner:  planner,
		executor: executor,
		logger:   logger,
		hooks:    hooks,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Process runs the workflow for text received now.
func (o *Orchestrator) Process(ctx context.Context, text string, cfg Config) Outcome {
	return o.ProcessMessage(ctx, Message{Text: text, ReceivedAt: o.now()}, cfg)
}

// ProcessMessage runs the workflow for one message. It always returns an
// Outcome; it panics only when cfg is out of bounds.
func (o *Orchestrator) ProcessMessage(ctx context.Context, msg Message, cfg Config) Outcome {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Errorf("incident: invalid workflow config: %w", err))
	}
	if cfg.ActionSource == ActionSourceGenerator && o.proposer == nil {
		panic("incident: generator action source requires an ActionProposer")
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = o.now()
	}

	start := time.Now()
	ctx, span := tracer.Start(ctx, "incident.process")
	defer span.End()

	out := o.process(ctx, msg, cfg)

	span.SetAttributes(
		attribute.String("lookout.outcome", string(out.Kind)),
		attribute.String("lookout.reason", out.Reason),
		attribute.Int("lookout.iterations", out.State.Iterations),
		attribute.Int("lookout.actions", len(out.Actions)),
	)
	if out.Kind == OutcomeSkipped && out.Error != "" {
		span.SetStatus(codes.Error, out.Reason)
	}

	o.hooks.complete(&CompleteEvent{
		Kind:       out.Kind,
		Reason:     out.Reason,
		Duration:   time.Since(start).Seconds(),
		Iterations: out.State.Iterations,
		Score:      out.State.Score,
		Actions:    out.Actions,
	})
	o.logger.Info(ctx, "workflow complete",
		"outcome", out.Kind,
		"reason", out.Reason,
		"iterations", out.State.Iterations,
		"score", out.State.Score,
		"actions", len(out.Actions),
		"duration", time.Since(start),
	)
	return out
}

func (o *Orchestrator) process(ctx context.Context, msg Message, cfg Config) Outcome {
	st := State{RawText: msg.Text, Score: unscored}

	skip := func(reason string, err error) Outcome {
		st.SkipProcessing = true
		st.ShouldEnd = true
		st.Reason = reason
		out := Outcome{Kind: OutcomeSkipped, Reason: reason, Actions: []ActionOutcome{}, State: st}
		if err != nil {
			out.Error = err.Error()
			o.logger.Warn(ctx, "workflow skipped", "reason", reason, "error", err)
		}
		return out
	}

	st.Text = Sanitize(msg.Text)
	if st.Text == "" {
		return skip(ReasonEmptyInput, nil)
	}

	qr := o.loop.Run(ctx, st.Text, cfg)
	st.LoopState = qr.State
	st.Iterations = qr.Iterations
	st.Translation = qr.Translation
	st.Score = qr.Score
	st.Feedback = qr.Feedback
	if qr.State == LoopFailed {
		if errors.Is(qr.Err, ErrEmptyText) {
			return skip(ReasonEmptyTranslation, qr.Err)
		}
		return skip(ReasonTranslationFailed, qr.Err)
	}

	plan, err := o.planner.Plan(ctx, st.Translation, cfg)
	if err != nil {
		switch {
		case errors.Is(err, ErrEmptyText):
			return skip(ReasonEmptyTranslation, err)
		case IsViolation(err):
			return skip(ReasonInvalidPlan, err)
		default:
			return skip(ReasonExtractionFailed, err)
		}
	}
	st.Plan = &plan
	if !plan.Relevant {
		return skip(ReasonNotRelevant, nil)
	}

	actions, reason, err := o.actions(ctx, plan, cfg)
	if err != nil {
		return skip(reason, err)
	}
	st.Actions = &actions

	outcomes := o.executor.Execute(ctx, actions, msg.ReceivedAt, cfg)

	st.ShouldEnd = true
	kind := OutcomeAccepted
	if qr.State == LoopExhausted {
		kind = OutcomeExhausted
	}
	return Outcome{Kind: kind, Actions: outcomes, State: st}
}

// actions returns the validated action list for a relevant plan, or the skip
// reason when no valid list could be produced.
func (o *Orchestrator) actions(ctx context.Context, plan PlanResult, cfg Config) (ActionPlan, string, error) {
	if cfg.ActionSource != ActionSourceGenerator {
		ap, err := BuildActions(plan)
		if err != nil {
			return ActionPlan{}, ReasonInvalidPlan, err
		}
		return ap, "", nil
	}

	ap, err := callStep(ctx, "propose", cfg.StepTimeout, func(ctx context.Context) (ActionPlan, error) {
		raw, err := o.proposer.ProposeActions(ctx, plan)
		if err != nil {
			return ActionPlan{}, err
		}
		return DecodeActionPlan(raw)
	})
	if err != nil {
		return ActionPlan{}, ReasonInvalidActions, err
	}
	ap, err = CheckProposed(plan, ap)
	if err != nil {
		return ActionPlan{}, ReasonInvalidActions, err
	}
	return ap, "", nil
}
