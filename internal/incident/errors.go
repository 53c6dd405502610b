package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyText is returned when a step is asked to work on empty text.
var ErrEmptyText = errors.New("empty text")

// FieldError describes a single offending field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Violation reports that untrusted structured output did not match its shape.
// It is a value, not a fault: every caller routes it to a skip decision.
type Violation struct {
	Shape  string       `json:"shape"`
	Fields []FieldError `json:"fields"`
}

func (v *Violation) Error() string {
	parts := make([]string, 0, len(v.Fields))
	for _, f := range v.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return fmt.Sprintf("schema violation (%s): %s", v.Shape, strings.Join(parts, "; "))
}

// FieldNames returns the offending field names in report order.
func (v *Violation) FieldNames() []string {
	out := make([]string, 0, len(v.Fields))
	for _, f := range v.Fields {
		out = append(out, f.Field)
	}
	return out
}

// IsViolation reports whether err is or wraps a *Violation.
func IsViolation(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}

// UpstreamError wraps a failed or timed-out generator call.
type UpstreamError struct {
	Step string
	Err  error
}

func (e *UpstreamError) Error() string { return e.Step + ": " + e.Err.Error() }

func (e *UpstreamError) Unwrap() error { return e.Err }

// Timeout reports whether the call hit its deadline.
func (e *UpstreamError) Timeout() bool { return errors.Is(e.Err, context.DeadlineExceeded) }

// SinkError wraps a failed persistence or notification write.
type SinkError struct {
	Sink string
	Key  string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("%s write %s: %v", e.Sink, e.Key, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }
