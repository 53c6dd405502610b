package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/linnemanlabs/go-core/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	lc "github.com/linnemanlabs/lookout/internal/cfg"
	"github.com/linnemanlabs/lookout/internal/incident"
	"github.com/linnemanlabs/lookout/internal/incident/memstore"
	"github.com/linnemanlabs/lookout/internal/incident/sqlitestore"
	"github.com/linnemanlabs/lookout/internal/notify"
	"github.com/linnemanlabs/lookout/internal/notify/slack"
)

type processFlags struct {
	db               string
	parallel         int
	jsonl            bool
	claudeAPIKey     string
	claudeModel      string
	claudeMaxRetries int
	slackWebhookURL  string
	workflowFile     string
	granularity      string
	actionSource     string
}

// ctlStore is the sink surface process needs.
type ctlStore interface {
	incident.IncidentStore
	notify.Ledger
}

// report is one message read from the inputs. source names where it came
// from, e.g. "alerts.jsonl:3".
type report struct {
	source string
	msg    incident.Message
}

type processResult struct {
	Source  string           `json:"source"`
	Outcome incident.Outcome `json:"outcome"`
}

func (pf *processFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&pf.db, "db", "", "SQLite file for incidents and the notification ledger (empty = in-memory)")
	fs.IntVar(&pf.parallel, "parallel", 4, "reports processed at once")
	fs.BoolVar(&pf.jsonl, "jsonl", false, "read JSON lines of messages instead of one report per file")
	fs.StringVar(&pf.claudeAPIKey, "claude-api-key", "", "API key for the Claude LLM provider")
	fs.StringVar(&pf.claudeModel, "claude-model", "claude-sonnet-4-5", "Claude model to use")
	fs.IntVar(&pf.claudeMaxRetries, "claude-max-retries", 2, "SDK-level retries per Claude call")
	fs.StringVar(&pf.slackWebhookURL, "slack-webhook-url", "", "Slack webhook URL (empty = log notifications only)")
	fs.StringVar(&pf.workflowFile, "workflow-file", "", "YAML file overriding the workflow settings")
	fs.StringVar(&pf.granularity, "granularity", string(incident.GranularityDay), "dedup time bucket: second|minute|hour|day|month")
	fs.StringVar(&pf.actionSource, "action-source", string(incident.ActionSourceRule), "who decides actions: rule|generator")
}

func newProcessCmd(a *app) *cobra.Command {
	var pf processFlags
	cmd := &cobra.Command{
		Use:   "process [file...]",
		Short: "Run the workflow over report files (stdin when none or \"-\")",
		Long: "Each file is one report unless --jsonl is set, in which case every\n" +
			"non-empty line is a JSON object {\"text\": ..., \"received_at\": ...}.\n" +
			"One JSON result per report is written to stdout in input order.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd, a, pf, args)
		},
	}

	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	pf.register(fs)
	cmd.Flags().AddGoFlagSet(fs)
	cmd.PreRun = func(cmd *cobra.Command, _ []string) { fillFromEnv(cmd, fs) }
	return cmd
}

func runProcess(cmd *cobra.Command, a *app, pf processFlags, args []string) error {
	ctx := cmd.Context()
	L := a.logger

	if pf.parallel < 1 {
		return fmt.Errorf("--parallel must be >= 1, got %d", pf.parallel)
	}

	wf, err := workflowConfig(pf)
	if err != nil {
		return err
	}

	reports, err := readReports(cmd.InOrStdin(), args, pf.jsonl)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		return fmt.Errorf("no reports to process")
	}

	gen, err := a.newGenerators(pf.claudeAPIKey, pf.claudeModel, pf.claudeMaxRetries)
	if err != nil {
		return err
	}

	var st ctlStore
	if pf.db != "" {
		sq, err := sqlitestore.Open(ctx, pf.db)
		if err != nil {
			return err
		}
		defer func() { _ = sq.Close() }()
		st = sq
	} else {
		st = memstore.New()
	}

	var sender notify.Sender
	if pf.slackWebhookURL != "" {
		sender = slack.New(pf.slackWebhookURL, L)
	} else {
		sender = logSender(L)
	}

	var opts []incident.OrchestratorOption
	if wf.ActionSource == incident.ActionSourceGenerator {
		opts = append(opts, incident.WithProposer(gen))
	}
	orch := incident.NewOrchestrator(
		incident.NewQualityLoop(gen, gen, L, incident.Hooks{}),
		incident.NewPlanner(gen),
		incident.NewExecutor(st, notify.NewDeduper(sender, st, L), L, incident.Hooks{}),
		L, incident.Hooks{}, opts...,
	)

	results := make([]processResult, len(reports))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pf.parallel)
	for i, r := range reports {
		g.Go(func() error {
			results[i] = processResult{
				Source:  r.source,
				Outcome: orch.ProcessMessage(gctx, r.msg, wf),
			}
			return nil
		})
	}
	_ = g.Wait() // outcomes carry their own errors

	enc := json.NewEncoder(cmd.OutOrStdout())
	failed := 0
	for _, res := range results {
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
		for _, ao := range res.Outcome.Actions {
			if ao.Status == incident.StatusFailed {
				failed++
				break
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d reports had failed actions", failed, len(results))
	}
	return nil
}

func workflowConfig(pf processFlags) (incident.Config, error) {
	wf := incident.DefaultConfig()
	wf.Granularity = incident.Granularity(pf.granularity)
	wf.ActionSource = incident.ActionSource(pf.actionSource)
	if pf.workflowFile != "" {
		var err error
		if wf, err = lc.LoadWorkflowFile(pf.workflowFile, wf); err != nil {
			return incident.Config{}, err
		}
	}
	if err := wf.Validate(); err != nil {
		return incident.Config{}, fmt.Errorf("workflow: %w", err)
	}
	return wf, nil
}

// readReports reads every input. "-" or no args means stdin.
func readReports(stdin io.Reader, args []string, jsonl bool) ([]report, error) {
	if len(args) == 0 {
		args = []string{"-"}
	}
	var out []report
	for _, path := range args {
		var (
			data []byte
			err  error
		)
		if path == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(path)
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		name := path
		if path == "-" {
			name = "stdin"
		}

		if !jsonl {
			out = append(out, report{source: name, msg: incident.Message{Text: string(data)}})
			continue
		}
		rs, err := parseJSONL(name, data)
		if err != nil {
			return nil, err
		}
		out = append(out, rs...)
	}
	return out, nil
}

func parseJSONL(name string, data []byte) ([]report, error) {
	var out []report
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var msg incident.Message
		dec := json.NewDecoder(strings.NewReader(line))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&msg); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, n, err)
		}
		out = append(out, report{source: fmt.Sprintf("%s:%d", name, n), msg: msg})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", name, err)
	}
	return out, nil
}

// logSender stands in for Slack when no webhook is configured.
func logSender(L log.Logger) notify.Sender {
	return notify.SenderFunc(func(ctx context.Context, n incident.Notification) error {
		L.Info(ctx, "notification",
			"subject", n.Subject,
			"location", n.Location,
			"crime", n.Crime,
		)
		return nil
	})
}
