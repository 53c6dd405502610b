package incident

import (
	"context"
	"errors"
	"strings"

	"github.com/linnemanlabs/go-core/log"
)

// LoopState is a state of the translate/evaluate loop.
type LoopState string

const (
	LoopTranslating LoopState = "translating"
	LoopEvaluating  LoopState = "evaluating"
	LoopRefining    LoopState = "refining"
	LoopAccepted    LoopState = "accepted"
	LoopExhausted   LoopState = "exhausted"
	LoopFailed      LoopState = "failed"
)

// Terminal reports whether s ends the loop.
func (s LoopState) Terminal() bool {
	return s == LoopAccepted || s == LoopExhausted || s == LoopFailed
}

// unscored ranks translations whose evaluation never succeeded below every
// scored one.
const unscored = -1

// QualityResult is the terminal result of a loop run. Score is -1 when the
// retained translation was never scored.
type QualityResult struct {
	State       LoopState
	Translation string
	Score       int
	Feedback    string
	Iterations  int
	Evaluations int
	Err         error
}

// QualityLoop drives translate -> evaluate until the threshold is met or the
// iteration ceiling is hit.
type QualityLoop struct {
	translator Translator
	evaluator  Evaluator
	logger     log.Logger
	hooks      Hooks
}

// NewQualityLoop creates a loop over the given collaborators.
func NewQualityLoop(translator Translator, evaluator Evaluator, logger log.Logger, hooks Hooks) *QualityLoop {
	if logger == nil {
		logger = log.Nop()
	}
	return &QualityLoop{
		translator: translator,
		evaluator:  evaluator,
		logger:     logger,
		hooks:      hooks,
	}
}

type candidate struct {
	text     string
	score    int
	feedback string
}

// Run executes the loop for text. It makes at most cfg.MaxIterations translate
// calls and at most as many evaluate calls. A failed translate or evaluate call
// uses up its iteration. A malformed evaluation ends the loop as Exhausted.
func (q *QualityLoop) Run(ctx context.Context, text string, cfg Config) QualityResult {
	var (
		best     *candidate
		feedback []string
		previous string
		lastErr  error
		evals    int
		iter     int
	)

	keep := func(c candidate) {
		if best == nil || c.score > best.score {
			cp := c
			best = &cp
		}
	}

	finish := func(state LoopState, err error) QualityResult {
		res := QualityResult{State: state, Iterations: iter, Evaluations: evals, Err: err, Score: unscored}
		if best != nil {
			res.Translation = best.text
			res.Score = best.score
			res.Feedback = best.feedback
		}
		q.hooks.loopDone(state, iter)
		return res
	}

	for iter < cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		iter++
		L := q.logger.With("iteration", iter)

		req := TranslateRequest{Text: text, Feedback: strings.Join(feedback, "\n"), Previous: previous}
		translation, err := callStep(ctx, "translate", cfg.StepTimeout, func(ctx context.Context) (string, error) {
			out, err := q.translator.Translate(ctx, req)
			if err == nil && strings.TrimSpace(out) == "" {
				return "", ErrEmptyText
			}
			return out, err
		})
		if err != nil {
			L.Warn(ctx, "translate failed", "error", err)
			lastErr = err
			continue
		}
		translation = strings.TrimSpace(translation)
		previous = translation

		evals++
		ev, err := callStep(ctx, "evaluate", cfg.StepTimeout, func(ctx context.Context) (EvaluationResult, error) {
			raw, err := q.evaluator.Evaluate(ctx, text, translation)
			if err != nil {
				return EvaluationResult{}, err
			}
			return DecodeEvaluation(raw)
		})
		if err != nil {
			keep(candidate{text: translation, score: unscored})
			if IsViolation(err) {
				L.Warn(ctx, "evaluation rejected, stopping refinement", "error", err)
				return finish(LoopExhausted, err)
			}
			L.Warn(ctx, "evaluate failed", "error", err)
			lastErr = err
			continue
		}

		q.hooks.evaluation(iter, ev.Score)
		keep(candidate{text: translation, score: ev.Score, feedback: ev.Feedback})
		L.Info(ctx, "translation evaluated", "score", ev.Score, "threshold", cfg.QualityThreshold)

		if ev.Score >= cfg.QualityThreshold {
			res := finish(LoopAccepted, nil)
			res.Translation = translation
			res.Score = ev.Score
			res.Feedback = ev.Feedback
			return res
		}
		if fb := strings.TrimSpace(ev.Feedback); fb != "" {
			feedback = append(feedback, fb)
		}
	}

	if best == nil {
		if lastErr == nil {
			lastErr = errors.New("no translation produced")
		}
		return finish(LoopFailed, lastErr)
	}
	return finish(LoopExhausted, lastErr)
}
