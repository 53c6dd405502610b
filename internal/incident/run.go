package incident

import "time"

// RunStatus tracks where an intake run is in its lifecycle.
type RunStatus string

const (
	// RunPending means created, not yet started
	RunPending RunStatus = "pending"

	// RunInProgress means the workflow is executing
	RunInProgress RunStatus = "in_progress"

	// RunComplete means the workflow returned an outcome
	RunComplete RunStatus = "complete"

	// RunFailed means the workflow aborted without an outcome
	RunFailed RunStatus = "failed"
)

// Active reports whether a run with this status still blocks resubmission.
func (s RunStatus) Active() bool {
	return s == RunPending || s == RunInProgress
}

// Run is one submitted report and, once finished, its workflow outcome.
type Run struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Status      RunStatus `json:"status"`
	Text        string    `json:"text"`
	ReceivedAt  time.Time `json:"received_at"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Duration    float64   `json:"duration_seconds,omitempty"`
	Outcome     *Outcome  `json:"outcome,omitempty"`
	Error       string    `json:"error,omitempty"`
}
