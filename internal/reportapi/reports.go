package reportapi

import (
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// reportRequest is the intake payload. ReceivedAt defaults to now and
// anchors the dedup time bucket.
type reportRequest struct {
	Text       *string    `json:"text"`
	ReceivedAt *time.Time `json:"received_at,omitempty"`
}

type reportResponse struct {
	ID      string `json:"id,omitempty"`
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
}

func (a *API) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Text == nil {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	var receivedAt time.Time
	if req.ReceivedAt != nil {
		receivedAt = *req.ReceivedAt
	}

	res, err := a.svc.Submit(r.Context(), *req.Text, receivedAt)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to submit report")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("lookout.run.id", res.ID),
		attribute.Bool("lookout.report.skipped", res.Skipped),
	)
	if res.Skipped {
		a.logger.Info(r.Context(), "report skipped", "reason", res.Reason)
	}

	writeJSON(w, http.StatusAccepted, reportResponse{ID: res.ID, Skipped: res.Skipped, Reason: res.Reason})
}
