package cfg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/lookout/internal/incident"
)

// workflowFile mirrors incident.Config. Absent keys keep the base value.
type workflowFile struct {
	QualityThreshold          *int           `yaml:"quality_threshold"`
	MaxIterations             *int           `yaml:"max_iterations"`
	Granularity               *string        `yaml:"granularity"`
	NotifyGatedOnStoreSuccess *bool          `yaml:"notify_gated_on_store_success"`
	StepTimeout               *time.Duration `yaml:"step_timeout"`
	SinkRetries               *int           `yaml:"sink_retries"`
	ActionSource              *string        `yaml:"action_source"`
}

// LoadWorkflowFile reads a YAML workflow file and overlays it on base.
// Unknown keys are rejected. The result is not validated.
func LoadWorkflowFile(path string, base incident.Config) (incident.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return incident.Config{}, fmt.Errorf("read workflow file: %w", err)
	}
	return parseWorkflow(data, base)
}

func parseWorkflow(data []byte, base incident.Config) (incident.Config, error) {
	var f workflowFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return incident.Config{}, fmt.Errorf("parse workflow file: %w", err)
	}

	out := base
	if f.QualityThreshold != nil {
		out.QualityThreshold = *f.QualityThreshold
	}
	if f.MaxIterations != nil {
		out.MaxIterations = *f.MaxIterations
	}
	if f.Granularity != nil {
		out.Granularity = incident.Granularity(*f.Granularity)
	}
	if f.NotifyGatedOnStoreSuccess != nil {
		out.NotifyGatedOnStoreSuccess = *f.NotifyGatedOnStoreSuccess
	}
	if f.StepTimeout != nil {
		out.StepTimeout = *f.StepTimeout
	}
	if f.SinkRetries != nil {
		out.SinkRetries = *f.SinkRetries
	}
	if f.ActionSource != nil {
		out.ActionSource = incident.ActionSource(*f.ActionSource)
	}
	return out, nil
}
