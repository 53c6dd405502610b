package incident

import (
	"fmt"
	"strings"
)

// BuildActions derives the action list from a validated plan with a fixed
// rule: nothing when not relevant, otherwise store, then notify when an alert
// is required. Inconsistent plans are rejected rather than repaired.
func BuildActions(p PlanResult) (ActionPlan, error) {
	if errs := checkPlan(p); len(errs) > 0 {
		return ActionPlan{}, &Violation{Shape: "plan_result", Fields: errs}
	}
	if !p.Relevant {
		return ActionPlan{Actions: []Action{}}, nil
	}

	inc := *p.Incident
	actions := []Action{{Name: ActionStore, Location: inc.Location, Crime: inc.Crime}}
	if p.RequiresAlert {
		actions = append(actions, Action{Name: ActionNotify, Location: inc.Location, Crime: inc.Crime})
	}
	return ActionPlan{Actions: actions}, nil
}

func checkPlan(p PlanResult) []FieldError {
	var errs []FieldError
	if !p.Relevant {
		if p.Incident != nil {
			errs = append(errs, FieldError{Field: "incident", Reason: "must be absent when not relevant"})
		}
		if p.RequiresAlert {
			errs = append(errs, FieldError{Field: "requires_alert", Reason: "must be false when not relevant"})
		}
		return errs
	}
	if p.Incident == nil {
		return append(errs, FieldError{Field: "incident", Reason: "required when relevant"})
	}
	if strings.TrimSpace(p.Incident.Location) == "" {
		errs = append(errs, FieldError{Field: "incident.location", Reason: "must not be empty"})
	}
	if !p.Incident.Crime.Valid() {
		errs = append(errs, FieldError{Field: "incident.crime", Reason: fmt.Sprintf("unknown crime %q", string(p.Incident.Crime))})
	}
	return errs
}

// CheckProposed validates a generator-proposed action list against the plan it
// was proposed for. Every action must carry the incident's fields, names may
// not repeat, store must come first, and notify needs both a store in the same
// plan and RequiresAlert.
func CheckProposed(p PlanResult, proposed ActionPlan) (ActionPlan, error) {
	if errs := checkPlan(p); len(errs) > 0 {
		return ActionPlan{}, &Violation{Shape: "plan_result", Fields: errs}
	}

	var errs []FieldError
	if !p.Relevant {
		if proposed.Len() > 0 {
			errs = append(errs, FieldError{Field: "actions", Reason: "must be empty when not relevant"})
			return ActionPlan{}, &Violation{Shape: ActionPlanShape.Name, Fields: errs}
		}
		return ActionPlan{Actions: []Action{}}, nil
	}

	inc := *p.Incident
	seen := map[ActionName]int{}
	for i, a := range proposed.Actions {
		path := fmt.Sprintf("actions[%d]", i)
		if a.Location != inc.Location {
			errs = append(errs, FieldError{Field: path + ".location", Reason: fmt.Sprintf("%q does not match incident %q", a.Location, inc.Location)})
		}
		if a.Crime != inc.Crime {
			errs = append(errs, FieldError{Field: path + ".crime", Reason: fmt.Sprintf("%q does not match incident %q", a.Crime, inc.Crime)})
		}
		if _, dup := seen[a.Name]; dup {
			errs = append(errs, FieldError{Field: path + ".action", Reason: "duplicate " + string(a.Name)})
		}
		seen[a.Name] = i
	}

	storeAt, hasStore := seen[ActionStore]
	if notifyAt, hasNotify := seen[ActionNotify]; hasNotify {
		switch {
		case !p.RequiresAlert:
			errs = append(errs, FieldError{Field: fmt.Sprintf("actions[%d].action", notifyAt), Reason: "notify without requires_alert"})
		case !hasStore:
			errs = append(errs, FieldError{Field: "actions", Reason: "notify requires a store action"})
		case notifyAt < storeAt:
			errs = append(errs, FieldError{Field: "actions", Reason: "store must precede notify"})
		}
	}

	if len(errs) > 0 {
		return ActionPlan{}, &Violation{Shape: ActionPlanShape.Name, Fields: errs}
	}
	out := make([]Action, len(proposed.Actions))
	copy(out, proposed.Actions)
	return ActionPlan{Actions: out}, nil
}
