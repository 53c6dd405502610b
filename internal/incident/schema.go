package incident

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strings"
)

type kind int

const (
	kindString kind = iota
	kindBool
	kindInt
	kindEnum
	kindObjects
)

// Field describes one member of a Shape.
type Field struct {
	Name     string
	Kind     kind
	Required bool
	NonEmpty bool
	Enum     []string
	Min, Max int64
	Items    *Shape
}

// Shape is a fixed record layout that untrusted generator output must match.
// Unknown members are ignored; null counts as absent.
type Shape struct {
	Name   string
	Fields []Field
}

// Check validates raw against the shape and returns every offending field.
// A nil result means raw conforms.
func (s Shape) Check(raw map[string]any) []FieldError {
	return s.check(raw, "")
}

func (s Shape) check(raw map[string]any, prefix string) []FieldError {
	var errs []FieldError
	for _, f := range s.Fields {
		path := prefix + f.Name
		v, ok := raw[f.Name]
		if !ok || v == nil {
			if f.Required {
				errs = append(errs, FieldError{Field: path, Reason: "required"})
			}
			continue
		}
		errs = append(errs, f.check(v, path)...)
	}
	return errs
}

func (f Field) check(v any, path string) []FieldError {
	fail := func(reason string) []FieldError {
		return []FieldError{{Field: path, Reason: reason}}
	}

	switch f.Kind {
	case kindString:
		s, ok := v.(string)
		if !ok {
			return fail("expected string, got " + typeName(v))
		}
		if f.NonEmpty && strings.TrimSpace(s) == "" {
			return fail("must not be empty")
		}
	case kindBool:
		if _, ok := v.(bool); !ok {
			return fail("expected boolean, got " + typeName(v))
		}
	case kindInt:
		n, ok := asInt(v)
		if !ok {
			return fail("expected integer, got " + typeName(v))
		}
		if n < f.Min || n > f.Max {
			return fail(fmt.Sprintf("out of range [%d,%d]: %d", f.Min, f.Max, n))
		}
	case kindEnum:
		s, ok := v.(string)
		if !ok {
			return fail("expected string, got " + typeName(v))
		}
		for _, e := range f.Enum {
			if s == e {
				return nil
			}
		}
		return fail(fmt.Sprintf("%q not in %s", s, strings.Join(f.Enum, "|")))
	case kindObjects:
		items, ok := v.([]any)
		if !ok {
			return fail("expected array, got " + typeName(v))
		}
		var errs []FieldError
		for i, it := range items {
			ipath := fmt.Sprintf("%s[%d]", path, i)
			obj, ok := it.(map[string]any)
			if !ok {
				errs = append(errs, FieldError{Field: ipath, Reason: "expected object, got " + typeName(it)})
				continue
			}
			errs = append(errs, f.Items.check(obj, ipath+".")...)
		}
		return errs
	}
	return nil
}

// asInt accepts JSON numbers with an integral value. Strings are never coerced.
func asInt(v any) (int64, bool) {
	var f float64
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		x, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = x
	case float64:
		f = n
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int64(f), true
}

func typeName(v any) string {
	switch n := v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64, int, int64:
		if _, ok := asInt(n); ok {
			return "integer"
		}
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func crimeEnum() []string {
	out := make([]string, 0, len(crimes))
	for _, c := range crimes {
		out = append(out, string(c))
	}
	return out
}

// EvaluationShape is the layout of evaluator output.
var EvaluationShape = Shape{
	Name: "evaluation",
	Fields: []Field{
		{Name: "score", Kind: kindInt, Required: true, Min: 0, Max: 10},
		{Name: "feedback", Kind: kindString, Required: true},
	},
}

// PlanShape is the layout of extractor output. Conditional requirements that
// depend on "relevant" are enforced by DecodePlan.
var PlanShape = Shape{
	Name: "plan",
	Fields: []Field{
		{Name: "relevant", Kind: kindBool, Required: true},
		{Name: "reason", Kind: kindString},
		{Name: "location", Kind: kindString},
		{Name: "crime", Kind: kindEnum, Enum: crimeEnum()},
		{Name: "requires_alert", Kind: kindBool},
	},
}

var actionShape = Shape{
	Name: "action",
	Fields: []Field{
		{Name: "action", Kind: kindEnum, Required: true, Enum: []string{string(ActionStore), string(ActionNotify)}},
		{Name: "location", Kind: kindString, Required: true, NonEmpty: true},
		{Name: "crime", Kind: kindEnum, Required: true, Enum: crimeEnum()},
	},
}

// ActionPlanShape is the layout of a generator-proposed action list.
var ActionPlanShape = Shape{
	Name: "action_plan",
	Fields: []Field{
		{Name: "actions", Kind: kindObjects, Required: true, Items: &actionShape},
	},
}

// DecodeEvaluation validates evaluator output.
func DecodeEvaluation(raw map[string]any) (EvaluationResult, error) {
	if errs := EvaluationShape.Check(raw); len(errs) > 0 {
		return EvaluationResult{}, &Violation{Shape: EvaluationShape.Name, Fields: errs}
	}
	score, _ := asInt(raw["score"])
	fb, _ := raw["feedback"].(string)
	return EvaluationResult{Score: int(score), Feedback: fb}, nil
}

// DecodePlan validates extractor output.
func DecodePlan(raw map[string]any) (PlanResult, error) {
	errs := PlanShape.Check(raw)
	if len(errs) > 0 {
		return PlanResult{}, &Violation{Shape: PlanShape.Name, Fields: errs}
	}

	relevant, _ := raw["relevant"].(bool)
	reason, _ := raw["reason"].(string)
	alert, _ := raw["requires_alert"].(bool)

	if !relevant {
		if alert {
			return PlanResult{}, &Violation{Shape: PlanShape.Name, Fields: []FieldError{
				{Field: "requires_alert", Reason: "must be false when relevant is false"},
			}}
		}
		return PlanResult{Relevant: false, Reason: reason}, nil
	}

	location, _ := raw["location"].(string)
	crime, _ := raw["crime"].(string)
	if strings.TrimSpace(location) == "" {
		errs = append(errs, FieldError{Field: "location", Reason: "required when relevant"})
	}
	if crime == "" {
		errs = append(errs, FieldError{Field: "crime", Reason: "required when relevant"})
	}
	if len(errs) > 0 {
		return PlanResult{}, &Violation{Shape: PlanShape.Name, Fields: errs}
	}

	return PlanResult{
		Relevant:      true,
		Reason:        reason,
		Incident:      &Incident{Location: strings.TrimSpace(location), Crime: Crime(crime)},
		RequiresAlert: alert,
	}, nil
}

// DecodeActionPlan validates a generator-proposed action list. It checks shape
// only; CheckProposed ties the actions to an incident.
func DecodeActionPlan(raw map[string]any) (ActionPlan, error) {
	if errs := ActionPlanShape.Check(raw); len(errs) > 0 {
		return ActionPlan{}, &Violation{Shape: ActionPlanShape.Name, Fields: errs}
	}
	items, _ := raw["actions"].([]any)
	plan := ActionPlan{Actions: make([]Action, 0, len(items))}
	for _, it := range items {
		obj := it.(map[string]any)
		name, _ := obj["action"].(string)
		loc, _ := obj["location"].(string)
		crime, _ := obj["crime"].(string)
		plan.Actions = append(plan.Actions, Action{
			Name:     ActionName(name),
			Location: strings.TrimSpace(loc),
			Crime:    Crime(crime),
		})
	}
	return plan, nil
}

var fencedObjectRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ParseObject extracts a JSON object from generator text. It accepts a bare
// object, a fenced ```json block, or the outermost {...} span inside prose.
// Anything else is a *Violation on field "$".
func ParseObject(text string) (map[string]any, error) {
	candidates := []string{strings.TrimSpace(text)}
	if m := fencedObjectRe.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, m[1])
	}
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		candidates = append(candidates, text[i:j+1])
	}

	var lastErr error
	for _, c := range candidates {
		obj, err := decodeObject(c)
		if err == nil {
			return obj, nil
		}
		lastErr = err
	}
	reason := "no JSON object found"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	return nil, &Violation{Shape: "object", Fields: []FieldError{{Field: "$", Reason: reason}}}
}

func decodeObject(s string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("not an object")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after object")
	}
	return obj, nil
}
