package incident

import (
	"strings"
	"time"
)

// Crime is the closed set of incident categories. Matching is case-sensitive.
type Crime string

const (
	CrimeRockThrowing    Crime = "rock_throwing"
	CrimeMolotovCocktail Crime = "molotov_cocktail"
	CrimeRamming         Crime = "ramming"
	CrimeStabbing        Crime = "stabbing"
	CrimeShooting        Crime = "shooting"
	CrimeTheft           Crime = "theft"
	CrimeAssault         Crime = "assault"
)

var crimes = []Crime{
	CrimeRockThrowing,
	CrimeMolotovCocktail,
	CrimeRamming,
	CrimeStabbing,
	CrimeShooting,
	CrimeTheft,
	CrimeAssault,
}

// Crimes returns the accepted crime categories in prompt order.
func Crimes() []Crime {
	out := make([]Crime, len(crimes))
	copy(out, crimes)
	return out
}

// Valid reports whether c is one of the known categories.
func (c Crime) Valid() bool {
	for _, k := range crimes {
		if c == k {
			return true
		}
	}
	return false
}

// Title renders the category for humans, e.g. "rock_throwing" -> "Rock Throwing".
func (c Crime) Title() string {
	words := strings.Split(string(c), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Incident is a validated incident description.
type Incident struct {
	Location string `json:"location"`
	Crime    Crime  `json:"crime"`
}

// PlanResult is the validated extraction result. Incident is set iff Relevant.
type PlanResult struct {
	Relevant      bool      `json:"relevant"`
	Reason        string    `json:"reason,omitempty"`
	Incident      *Incident `json:"incident,omitempty"`
	RequiresAlert bool      `json:"requires_alert"`
}

// EvaluationResult is a validated translation quality judgement.
type EvaluationResult struct {
	Score    int    `json:"score"`
	Feedback string `json:"feedback"`
}

// ActionName names an externally visible effect.
type ActionName string

const (
	ActionStore  ActionName = "store"
	ActionNotify ActionName = "notify"
)

// Action is one planned effect. Location and Crime always equal the incident
// the plan was built from.
type Action struct {
	Name     ActionName `json:"name"`
	Location string     `json:"location"`
	Crime    Crime      `json:"crime"`
}

// ActionPlan is an ordered list of actions. An empty plan means do nothing.
type ActionPlan struct {
	Actions []Action `json:"actions"`
}

// Len returns the number of planned actions.
func (p ActionPlan) Len() int { return len(p.Actions) }

// Names returns the action names in order.
func (p ActionPlan) Names() []ActionName {
	out := make([]ActionName, 0, len(p.Actions))
	for _, a := range p.Actions {
		out = append(out, a.Name)
	}
	return out
}

// ActionStatus is the per-action result reported by the executor.
type ActionStatus string

const (
	StatusCreated     ActionStatus = "created"
	StatusExists      ActionStatus = "already_exists"
	StatusSent        ActionStatus = "sent"
	StatusAlreadySent ActionStatus = "already_sent"
	StatusFailed      ActionStatus = "failed"
	StatusSkipped     ActionStatus = "skipped"
)

// Succeeded reports whether the effect is in place, either from this call or an
// earlier one.
func (s ActionStatus) Succeeded() bool {
	switch s {
	case StatusCreated, StatusExists, StatusSent, StatusAlreadySent:
		return true
	default:
		return false
	}
}

// ActionOutcome is the observable result of executing one action.
type ActionOutcome struct {
	Action   Action       `json:"action"`
	DedupKey string       `json:"dedup_key"`
	Status   ActionStatus `json:"status"`
	Error    string       `json:"error,omitempty"`
	Attempts int          `json:"attempts"`
	Err      error        `json:"-"`
}

// Record is what the persistence sink stores for one incident.
type Record struct {
	Location  string `json:"location"`
	Crime     Crime  `json:"crime"`
	CreatedAt string `json:"created_at"` // ISO-8601, UTC
}

// Notification is the payload handed to the notification sink.
type Notification struct {
	Location  string    `json:"location"`
	Crime     Crime     `json:"crime"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// NewNotification renders the alert subject and plain-text body for an action.
func NewNotification(a Action, at time.Time) Notification {
	ts := at.UTC().Format(time.RFC3339)
	return Notification{
		Location: a.Location,
		Crime:    a.Crime,
		Subject:  "Incident Alert: " + a.Crime.Title() + " at " + a.Location,
		Body: "INCIDENT ALERT\n\n" +
			"Location: " + a.Location + "\n" +
			"Incident Type: " + a.Crime.Title() + "\n" +
			"Timestamp: " + ts + "\n",
		CreatedAt: at.UTC(),
	}
}

// Message is one incoming report. ReceivedAt anchors the dedup time bucket, so
// re-processing the same message derives the same keys.
type Message struct {
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}
