package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/lookout/internal/incident"
)

// Config holds the server's own settings. go-core component configs
// (log, httpserver, opshttp, ...) register their own flags alongside.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APITokens             string
	ClaudeAPIKey          string
	ClaudeModel           string
	ClaudeMaxRetries      int
	DatabaseURL           string
	SlackWebhookURL       string
	MaxConcurrentRuns     int

	// workflow knobs, overridable by WorkflowFile
	QualityThreshold    int
	MaxIterations       int
	DedupGranularity    string
	NotifyRequiresStore bool
	StepTimeoutSeconds  int
	SinkRetries         int
	ActionSource        string
	WorkflowFile        string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APITokens, "api-tokens", "", "comma-separated bearer tokens accepted by the report API")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-5", "Claude model to use")
	fs.IntVar(&c.ClaudeMaxRetries, "claude-max-retries", 2, "SDK-level retries per Claude call (0..10)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for incident alerts")
	fs.IntVar(&c.MaxConcurrentRuns, "max-concurrent-runs", 4, "workflow runs executing at once (1..256)")

	fs.IntVar(&c.QualityThreshold, "quality-threshold", incident.DefaultQualityThreshold, "minimum translation score to accept (0..10)")
	fs.IntVar(&c.MaxIterations, "max-iterations", incident.DefaultMaxIterations, "translate/evaluate rounds before giving up (>=1)")
	fs.StringVar(&c.DedupGranularity, "dedup-granularity", string(incident.GranularityDay), "dedup time bucket: second|minute|hour|day|month")
	fs.BoolVar(&c.NotifyRequiresStore, "notify-requires-store", true, "only notify when the store action succeeded")
	fs.IntVar(&c.StepTimeoutSeconds, "step-timeout-seconds", int(incident.DefaultStepTimeout/time.Second), "timeout for each generator call and sink attempt")
	fs.IntVar(&c.SinkRetries, "sink-retries", incident.DefaultSinkRetries, "attempts per sink action (>=1)")
	fs.StringVar(&c.ActionSource, "action-source", string(incident.ActionSourceRule), "who decides actions: rule|generator")
	fs.StringVar(&c.WorkflowFile, "workflow-file", "", "optional YAML file overriding the workflow settings")
}

// Tokens returns the non-empty entries of APITokens.
func (c *Config) Tokens() []string {
	var out []string
	for _, t := range strings.Split(c.APITokens, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Workflow builds the per-run workflow configuration from the flags, then
// applies WorkflowFile if set. The result is validated.
func (c *Config) Workflow() (incident.Config, error) {
	w := incident.Config{
		QualityThreshold:          c.QualityThreshold,
		MaxIterations:             c.MaxIterations,
		Granularity:               incident.Granularity(c.DedupGranularity),
		NotifyGatedOnStoreSuccess: c.NotifyRequiresStore,
		StepTimeout:               time.Duration(c.StepTimeoutSeconds) * time.Second,
		SinkRetries:               c.SinkRetries,
		ActionSource:              incident.ActionSource(c.ActionSource),
	}
	if c.WorkflowFile != "" {
		var err error
		if w, err = LoadWorkflowFile(c.WorkflowFile, w); err != nil {
			return incident.Config{}, err
		}
	}
	if err := w.Validate(); err != nil {
		return incident.Config{}, fmt.Errorf("workflow: %w", err)
	}
	return w, nil
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if len(c.Tokens()) == 0 {
		errs = append(errs, errors.New("API_TOKENS is required"))
	}

	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}
	if c.ClaudeMaxRetries < 0 || c.ClaudeMaxRetries > 10 {
		errs = append(errs, fmt.Errorf("invalid CLAUDE_MAX_RETRIES %d (must be 0..10)", c.ClaudeMaxRetries))
	}

	if c.MaxConcurrentRuns <= 0 || c.MaxConcurrentRuns > 256 {
		errs = append(errs, fmt.Errorf("invalid MAX_CONCURRENT_RUNS %d (must be 1..256)", c.MaxConcurrentRuns))
	}

	if _, err := c.Workflow(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
