package incident

import (
	"errors"
	"fmt"
	"time"
)

// ActionSource selects who decides the action list for a relevant incident.
type ActionSource string

const (
	// ActionSourceRule derives actions from the plan with a fixed rule.
	ActionSourceRule ActionSource = "rule"
	// ActionSourceGenerator asks the ActionProposer and validates its answer.
	ActionSourceGenerator ActionSource = "generator"
)

const (
	DefaultQualityThreshold = 8
	DefaultMaxIterations    = 3
	DefaultStepTimeout      = 60 * time.Second
	DefaultSinkRetries      = 3
	MaxScore                = 10
)

// Config is the immutable per-run workflow configuration.
type Config struct {
	QualityThreshold          int
	MaxIterations             int
	Granularity               Granularity
	NotifyGatedOnStoreSuccess bool
	StepTimeout               time.Duration
	SinkRetries               int
	ActionSource              ActionSource
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		QualityThreshold:          DefaultQualityThreshold,
		MaxIterations:             DefaultMaxIterations,
		Granularity:               GranularityDay,
		NotifyGatedOnStoreSuccess: true,
		StepTimeout:               DefaultStepTimeout,
		SinkRetries:               DefaultSinkRetries,
		ActionSource:              ActionSourceRule,
	}
}

// Validate checks every field against its documented bounds.
func (c Config) Validate() error {
	var errs []error
	if c.QualityThreshold < 0 || c.QualityThreshold > MaxScore {
		errs = append(errs, fmt.Errorf("quality threshold %d out of range 0..%d", c.QualityThreshold, MaxScore))
	}
	if c.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("max iterations %d must be >= 1", c.MaxIterations))
	}
	if !c.Granularity.Valid() {
		errs = append(errs, fmt.Errorf("unknown dedup granularity %q", string(c.Granularity)))
	}
	if c.StepTimeout <= 0 {
		errs = append(errs, fmt.Errorf("step timeout %s must be positive", c.StepTimeout))
	}
	if c.SinkRetries < 1 {
		errs = append(errs, fmt.Errorf("sink retries %d must be >= 1", c.SinkRetries))
	}
	if c.ActionSource != ActionSourceRule && c.ActionSource != ActionSourceGenerator {
		errs = append(errs, fmt.Errorf("unknown action source %q (want rule|generator)", string(c.ActionSource)))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
