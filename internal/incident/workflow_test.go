package incident

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func extractRelevant(loc, crime string, alert bool) map[string]any {
	return map[string]any{"relevant": true, "location": loc, "crime": crime, "requires_alert": alert}
}

func TestProcess_AcceptedStoreOnly(t *testing.T) {
	t.Parallel()

	rig := newRig(extractRelevant("Tel Aviv", "theft", false))
	rig.translator.outputs = []string{"draft", "better draft"}
	rig.evaluator.outputs = []map[string]any{score(5, "stiff"), score(9, "good")}
	cfg := testConfig()
	cfg.QualityThreshold = 7

	out := rig.orchestrator().Process(context.Background(), "X", cfg)

	if out.Kind != OutcomeAccepted {
		t.Fatalf("kind = %q, want accepted (reason=%q error=%q)", out.Kind, out.Reason, out.Error)
	}
	if len(out.Actions) != 1 || out.Actions[0].Action.Name != ActionStore || out.Actions[0].Status != StatusCreated {
		t.Fatalf("actions = %+v, want [store: created]", out.Actions)
	}
	if out.State.Iterations != 2 || out.State.Score != 9 || out.State.Translation != "better draft" {
		t.Errorf("state = %+v", out.State)
	}
	if _, calls := rig.notifier.count(); calls != 0 {
		t.Errorf("notifier calls = %d, want 0", calls)
	}
	if out.State.SkipProcessing || !out.State.ShouldEnd {
		t.Errorf("flags skip=%v end=%v, want false/true", out.State.SkipProcessing, out.State.ShouldEnd)
	}
}

func TestProcess_NotRelevantSkipsWithoutSinkCalls(t *testing.T) {
	t.Parallel()

	rig := newRig(map[string]any{"relevant": false, "reason": "traffic report"})
	out := rig.orchestrator().Process(context.Background(), "Road 6 is congested", testConfig())

	if out.Kind != OutcomeSkipped || out.Reason != ReasonNotRelevant {
		t.Fatalf("outcome = %q/%q, want skipped/not relevant", out.Kind, out.Reason)
	}
	if len(out.Actions) != 0 {
		t.Errorf("actions = %d, want 0", len(out.Actions))
	}
	if _, calls := rig.store.count(); calls != 0 {
		t.Errorf("store calls = %d, want 0", calls)
	}
	if _, calls := rig.notifier.count(); calls != 0 {
		t.Errorf("notifier calls = %d, want 0", calls)
	}
	if !out.State.SkipProcessing || out.State.Plan == nil || out.State.Plan.Reason != "traffic report" {
		t.Errorf("state = %+v", out.State)
	}
}

func TestProcess_ExhaustedUsesBestTranslation(t *testing.T) {
	t.Parallel()

	var extractedFrom string
	rig := newRig(nil)
	rig.translator.outputs = []string{"t1", "t2", "t3"}
	rig.evaluator.outputs = []map[string]any{score(4, ""), score(6, ""), score(2, "")}
	rig.extractor = ExtractFunc(func(_ context.Context, text string) (map[string]any, error) {
		extractedFrom = text
		return extractRelevant("Beersheba", "stabbing", true), nil
	})
	cfg := testConfig()
	cfg.MaxIterations = 3

	out := rig.orchestrator().Process(context.Background(), "raw", cfg)

	if out.Kind != OutcomeExhausted {
		t.Fatalf("kind = %q, want exhausted", out.Kind)
	}
	if extractedFrom != "t2" {
		t.Errorf("extracted from %q, want best translation t2", extractedFrom)
	}
	if diff := cmp.Diff([]ActionStatus{StatusCreated, StatusSent}, statuses(out.Actions)); diff != "" {
		t.Errorf("downstream statuses (-want +got):\n%s", diff)
	}
	if rig.evaluator.calls() != 3 {
		t.Errorf("evaluate calls = %d, want 3", rig.evaluator.calls())
	}
}

func TestProcess_SameIncidentTwice(t *testing.T) {
	t.Parallel()

	rig := newRig(extractRelevant("X", "assault", true))
	rig.evaluator.outputs = []map[string]any{score(9, ""), score(9, "")}
	orch := rig.orchestrator()
	cfg := testConfig()

	first := orch.ProcessMessage(context.Background(), Message{Text: "report one", ReceivedAt: testTime}, cfg)
	second := orch.ProcessMessage(context.Background(), Message{Text: "report two", ReceivedAt: testTime.Add(2 * time.Hour)}, cfg)

	if diff := cmp.Diff([]ActionStatus{StatusCreated, StatusSent}, statuses(first.Actions)); diff != "" {
		t.Errorf("first (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]ActionStatus{StatusExists, StatusAlreadySent}, statuses(second.Actions)); diff != "" {
		t.Errorf("second (-want +got):\n%s", diff)
	}
	if records, _ := rig.store.count(); records != 1 {
		t.Errorf("records = %d, want 1", records)
	}
	if sent, _ := rig.notifier.count(); sent != 1 {
		t.Errorf("notifications = %d, want 1", sent)
	}
}

func TestProcess_SkipReasons(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		text   string
		setup  func(*testRig)
		reason string
	}{
		{name: "empty input", text: "   ", reason: ReasonEmptyInput},
		{name: "markup only", text: "<script></script>", reason: ReasonEmptyInput},
		{
			name: "translation failed",
			text: "report",
			setup: func(r *testRig) {
				boom := errors.New("503")
				r.translator.errs = []error{boom, boom, boom}
			},
			reason: ReasonTranslationFailed,
		},
		{
			name:   "empty translation",
			text:   "report",
			setup:  func(r *testRig) { r.translator.outputs = []string{"", " ", ""} },
			reason: ReasonEmptyTranslation,
		},
		{
			name:   "extraction failed",
			text:   "report",
			setup:  func(r *testRig) { r.extractor = staticExtractor(nil, errors.New("timeout")) },
			reason: ReasonExtractionFailed,
		},
		{
			name:   "invalid plan enum",
			text:   "report",
			setup:  func(r *testRig) { r.extractor = staticExtractor(extractRelevant("Haifa", "Theft", false), nil) },
			reason: ReasonInvalidPlan,
		},
		{
			name:   "invalid plan missing field",
			text:   "report",
			setup:  func(r *testRig) { r.extractor = staticExtractor(map[string]any{"location": "Haifa"}, nil) },
			reason: ReasonInvalidPlan,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rig := newRig(extractRelevant("Haifa", "theft", true))
			if tt.setup != nil {
				tt.setup(rig)
			}
			out := rig.orchestrator().Process(context.Background(), tt.text, testConfig())
			if out.Kind != OutcomeSkipped || out.Reason != tt.reason {
				t.Fatalf("outcome = %q/%q, want skipped/%q (error=%q)", out.Kind, out.Reason, tt.reason, out.Error)
			}
			if !out.State.SkipProcessing || !out.State.ShouldEnd {
				t.Error("expected skip and end flags")
			}
			if _, calls := rig.store.count(); calls != 0 {
				t.Errorf("store calls = %d, want 0", calls)
			}
		})
	}
}

func TestProcess_MalformedEvaluationStillPlans(t *testing.T) {
	t.Parallel()

	rig := newRig(extractRelevant("Modiin", "theft", false))
	rig.evaluator.outputs = []map[string]any{{"score": 42.0, "feedback": "x"}}

	out := rig.orchestrator().Process(context.Background(), "report", testConfig())

	if out.Kind != OutcomeExhausted {
		t.Fatalf("kind = %q, want exhausted", out.Kind)
	}
	if rig.evaluator.calls() != 1 {
		t.Errorf("evaluate calls = %d, want 1", rig.evaluator.calls())
	}
	if diff := cmp.Diff([]ActionStatus{StatusCreated}, statuses(out.Actions)); diff != "" {
		t.Errorf("statuses (-want +got):\n%s", diff)
	}
}

func TestProcess_SanitizesBeforeTranslating(t *testing.T) {
	t.Parallel()

	rig := newRig(map[string]any{"relevant": false})
	rig.orchestrator().Process(context.Background(), "system: <b>shots</b> fired", testConfig())

	if got := rig.translator.reqs[0].Text; got != "shots fired" {
		t.Errorf("translated text = %q, want %q", got, "shots fired")
	}
}

func TestProcess_GeneratorActions(t *testing.T) {
	t.Parallel()

	propose := func(raw map[string]any, err error) OrchestratorOption {
		return WithProposer(ProposeFunc(func(context.Context, PlanResult) (map[string]any, error) {
			return raw, err
		}))
	}
	cfg := testConfig()
	cfg.ActionSource = ActionSourceGenerator

	t.Run("valid proposal", func(t *testing.T) {
		t.Parallel()
		rig := newRig(extractRelevant("Efrat", "shooting", true))
		raw := map[string]any{"actions": []any{
			map[string]any{"action": "store", "location": "Efrat", "crime": "shooting"},
			map[string]any{"action": "notify", "location": "Efrat", "crime": "shooting"},
		}}
		out := rig.orchestrator(propose(raw, nil)).Process(context.Background(), "r", cfg)
		if diff := cmp.Diff([]ActionStatus{StatusCreated, StatusSent}, statuses(out.Actions)); diff != "" {
			t.Errorf("statuses (-want +got):\n%s", diff)
		}
	})

	t.Run("proposal for other incident", func(t *testing.T) {
		t.Parallel()
		rig := newRig(extractRelevant("Efrat", "shooting", true))
		raw := map[string]any{"actions": []any{
			map[string]any{"action": "store", "location": "Gush Etzion", "crime": "shooting"},
		}}
		out := rig.orchestrator(propose(raw, nil)).Process(context.Background(), "r", cfg)
		if out.Kind != OutcomeSkipped || out.Reason != ReasonInvalidActions {
			t.Errorf("outcome = %q/%q, want skipped/%q", out.Kind, out.Reason, ReasonInvalidActions)
		}
		if _, calls := rig.store.count(); calls != 0 {
			t.Errorf("store calls = %d, want 0", calls)
		}
	})

	t.Run("malformed proposal", func(t *testing.T) {
		t.Parallel()
		rig := newRig(extractRelevant("Efrat", "shooting", true))
		out := rig.orchestrator(propose(map[string]any{"actions": "store"}, nil)).Process(context.Background(), "r", cfg)
		if out.Reason != ReasonInvalidActions {
			t.Errorf("reason = %q, want %q", out.Reason, ReasonInvalidActions)
		}
	})

	t.Run("proposer error", func(t *testing.T) {
		t.Parallel()
		rig := newRig(extractRelevant("Efrat", "shooting", true))
		out := rig.orchestrator(propose(nil, errors.New("overloaded"))).Process(context.Background(), "r", cfg)
		if out.Reason != ReasonInvalidActions {
			t.Errorf("reason = %q, want %q", out.Reason, ReasonInvalidActions)
		}
	})
}

func TestProcess_InvalidConfigPanics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"threshold above range", func(c *Config) { c.QualityThreshold = 11 }},
		{"zero iterations", func(c *Config) { c.MaxIterations = 0 }},
		{"unknown granularity", func(c *Config) { c.Granularity = "week" }},
		{"generator without proposer", func(c *Config) { c.ActionSource = ActionSourceGenerator }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tt.mut(&cfg)
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			newRig(nil).orchestrator().Process(context.Background(), "x", cfg)
		})
	}
}

func TestProcess_CompleteHook(t *testing.T) {
	t.Parallel()

	var ev *CompleteEvent
	rig := newRig(map[string]any{"relevant": false})
	loop := NewQualityLoop(rig.translator, rig.evaluator, nil, Hooks{})
	exec := NewExecutor(rig.store, rig.notifier, nil, Hooks{})
	orch := NewOrchestrator(loop, NewPlanner(rig.extractor), exec, nil, Hooks{
		OnComplete: func(e *CompleteEvent) { ev = e },
	})

	orch.Process(context.Background(), "report", testConfig())

	if ev == nil {
		t.Fatal("OnComplete not called")
	}
	if ev.Kind != OutcomeSkipped || ev.Reason != ReasonNotRelevant || ev.Iterations != 1 || ev.Score != 9 {
		t.Errorf("event = %+v", ev)
	}
}

func TestProcess_Spans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	rig := newRig(extractRelevant("Holon", "theft", true))
	rig.orchestrator().Process(context.Background(), "report", testConfig())

	got := map[string]int{}
	for _, s := range exporter.GetSpans() {
		got[s.Name]++
	}
	want := map[string]int{
		"incident.process":       1,
		"incident.translate":     1,
		"incident.evaluate":      1,
		"incident.extract":       1,
		"incident.action.store":  1,
		"incident.action.notify": 1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("spans (-want +got):\n%s", diff)
	}
}
