package incident

import "context"

// TranslateRequest is the input to one translation attempt. Feedback and
// Previous are empty on the first attempt.
type TranslateRequest struct {
	Text     string
	Feedback string
	Previous string
}

// Translator produces a translation of the report text.
type Translator interface {
	Translate(ctx context.Context, req TranslateRequest) (string, error)
}

// Evaluator scores a translation. Output is untrusted and goes through
// DecodeEvaluation.
type Evaluator interface {
	Evaluate(ctx context.Context, source, translation string) (map[string]any, error)
}

// Extractor pulls an incident out of translated text. Output is untrusted and
// goes through DecodePlan.
type Extractor interface {
	ExtractIncident(ctx context.Context, text string) (map[string]any, error)
}

// ActionProposer lets the generator propose the action list instead of the
// fixed rule. Output is untrusted and goes through DecodeActionPlan and
// CheckProposed.
type ActionProposer interface {
	ProposeActions(ctx context.Context, plan PlanResult) (map[string]any, error)
}

// TranslateFunc adapts a plain function to Translator.
type TranslateFunc func(ctx context.Context, req TranslateRequest) (string, error)

// Translate implements Translator.
func (f TranslateFunc) Translate(ctx context.Context, req TranslateRequest) (string, error) {
	return f(ctx, req)
}

// EvaluateFunc adapts a plain function to Evaluator.
type EvaluateFunc func(ctx context.Context, source, translation string) (map[string]any, error)

// Evaluate implements Evaluator.
func (f EvaluateFunc) Evaluate(ctx context.Context, source, translation string) (map[string]any, error) {
	return f(ctx, source, translation)
}

// ExtractFunc adapts a plain function to Extractor.
type ExtractFunc func(ctx context.Context, text string) (map[string]any, error)

// ExtractIncident implements Extractor.
func (f ExtractFunc) ExtractIncident(ctx context.Context, text string) (map[string]any, error) {
	return f(ctx, text)
}

// ProposeFunc adapts a plain function to ActionProposer.
type ProposeFunc func(ctx context.Context, plan PlanResult) (map[string]any, error)

// ProposeActions implements ActionProposer.
func (f ProposeFunc) ProposeActions(ctx context.Context, plan PlanResult) (map[string]any, error) {
	return f(ctx, plan)
}
