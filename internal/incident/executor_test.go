package incident

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/linnemanlabs/go-core/log"
)

func newTestExecutor(s IncidentStore, n Notifier) *Executor {
	return NewExecutor(s, n, log.Nop(), Hooks{}).WithBackOff(zeroBackOff)
}

func statuses(outs []ActionOutcome) []ActionStatus {
	got := make([]ActionStatus, 0, len(outs))
	for _, o := range outs {
		got = append(got, o.Status)
	}
	return got
}

func alertPlan(loc string, c Crime) ActionPlan {
	p, _ := BuildActions(relevantPlan(loc, c, true))
	return p
}

func TestExecute_StoreAndNotify(t *testing.T) {
	t.Parallel()

	store, notifier := newFakeStore(), newFakeNotifier()
	outs := newTestExecutor(store, notifier).Execute(context.Background(), alertPlan("Ariel", CrimeRamming), testTime, testConfig())

	if diff := cmp.Diff([]ActionStatus{StatusCreated, StatusSent}, statuses(outs)); diff != "" {
		t.Fatalf("statuses (-want +got):\n%s", diff)
	}
	key := DeriveKey("Ariel", CrimeRamming, testTime, GranularityDay)
	for _, o := range outs {
		if o.DedupKey != key {
			t.Errorf("%s key = %s, want %s", o.Action.Name, o.DedupKey, key)
		}
		if o.Attempts != 1 {
			t.Errorf("%s attempts = %d, want 1", o.Action.Name, o.Attempts)
		}
	}

	rec, ok := store.records["2026-03/"+key]
	if !ok {
		t.Fatal("record not stored under year-month partition")
	}
	want := Record{Location: "Ariel", Crime: CrimeRamming, CreatedAt: "2026-03-14T09:26:53Z"}
	if rec != want {
		t.Errorf("record = %+v, want %+v", rec, want)
	}
	n := notifier.sent[key]
	if n.Subject != "Incident Alert: Ramming at Ariel" {
		t.Errorf("subject = %q", n.Subject)
	}
}

func TestExecute_Idempotent(t *testing.T) {
	t.Parallel()

	store, notifier := newFakeStore(), newFakeNotifier()
	exec := newTestExecutor(store, notifier)
	plan := alertPlan("X", CrimeAssault)
	cfg := testConfig()

	first := exec.Execute(context.Background(), plan, testTime, cfg)
	second := exec.Execute(context.Background(), plan, testTime.Add(time.Hour), cfg)

	if diff := cmp.Diff([]ActionStatus{StatusCreated, StatusSent}, statuses(first)); diff != "" {
		t.Errorf("first (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]ActionStatus{StatusExists, StatusAlreadySent}, statuses(second)); diff != "" {
		t.Errorf("second (-want +got):\n%s", diff)
	}
	if records, _ := store.count(); records != 1 {
		t.Errorf("records = %d, want 1", records)
	}
	if sent, _ := notifier.count(); sent != 1 {
		t.Errorf("notifications = %d, want 1", sent)
	}
}

func TestExecute_NewBucketIsNewIncident(t *testing.T) {
	t.Parallel()

	store, notifier := newFakeStore(), newFakeNotifier()
	exec := newTestExecutor(store, notifier)
	plan := alertPlan("X", CrimeAssault)

	exec.Execute(context.Background(), plan, testTime, testConfig())
	outs := exec.Execute(context.Background(), plan, testTime.Add(24*time.Hour), testConfig())

	if diff := cmp.Diff([]ActionStatus{StatusCreated, StatusSent}, statuses(outs)); diff != "" {
		t.Errorf("statuses (-want +got):\n%s", diff)
	}
}

func TestExecute_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	store, notifier := newFakeStore(), newFakeNotifier()
	store.failNext = 2
	notifier.failNext = 1

	outs := newTestExecutor(store, notifier).Execute(context.Background(), alertPlan("Eilat", CrimeTheft), testTime, testConfig())

	if diff := cmp.Diff([]ActionStatus{StatusCreated, StatusSent}, statuses(outs)); diff != "" {
		t.Fatalf("statuses (-want +got):\n%s", diff)
	}
	if outs[0].Attempts != 3 || outs[1].Attempts != 2 {
		t.Errorf("attempts = %d/%d, want 3/2", outs[0].Attempts, outs[1].Attempts)
	}
}

func TestExecute_StoreFailureGatesNotify(t *testing.T) {
	t.Parallel()

	store, notifier := newFakeStore(), newFakeNotifier()
	store.failNext = 100
	store.err = errors.New("throttled")

	outs := newTestExecutor(store, notifier).Execute(context.Background(), alertPlan("Sderot", CrimeShooting), testTime, testConfig())

	if diff := cmp.Diff([]ActionStatus{StatusFailed, StatusSkipped}, statuses(outs)); diff != "" {
		t.Fatalf("statuses (-want +got):\n%s", diff)
	}
	if outs[0].Attempts != DefaultSinkRetries {
		t.Errorf("attempts = %d, want %d", outs[0].Attempts, DefaultSinkRetries)
	}
	var se *SinkError
	if !errors.As(outs[0].Err, &se) || se.Sink != "store" || !errors.Is(se, store.err) {
		t.Errorf("err = %v, want store SinkError wrapping throttled", outs[0].Err)
	}
	if outs[0].Error == "" {
		t.Error("expected error text on failed outcome")
	}
	if _, calls := notifier.count(); calls != 0 {
		t.Errorf("notifier calls = %d, want 0", calls)
	}
}

func TestExecute_UngatedNotifyAfterStoreFailure(t *testing.T) {
	t.Parallel()

	store, notifier := newFakeStore(), newFakeNotifier()
	store.failNext = 100
	cfg := testConfig()
	cfg.NotifyGatedOnStoreSuccess = false

	outs := newTestExecutor(store, notifier).Execute(context.Background(), alertPlan("Sderot", CrimeShooting), testTime, cfg)

	if diff := cmp.Diff([]ActionStatus{StatusFailed, StatusSent}, statuses(outs)); diff != "" {
		t.Errorf("statuses (-want +got):\n%s", diff)
	}
}

func TestExecute_ExistingRecordStillNotifies(t *testing.T) {
	t.Parallel()

	store, notifier := newFakeStore(), newFakeNotifier()
	exec := newTestExecutor(store, notifier)

	// first run persisted but crashed before notifying
	storeOnly, _ := BuildActions(relevantPlan("Ofra", CrimeRockThrowing, false))
	exec.Execute(context.Background(), storeOnly, testTime, testConfig())

	outs := exec.Execute(context.Background(), alertPlan("Ofra", CrimeRockThrowing), testTime, testConfig())
	if diff := cmp.Diff([]ActionStatus{StatusExists, StatusSent}, statuses(outs)); diff != "" {
		t.Errorf("statuses (-want +got):\n%s", diff)
	}
}

func TestExecute_CancelledContext(t *testing.T) {
	t.Parallel()

	store, notifier := newFakeStore(), newFakeNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outs := newTestExecutor(store, notifier).Execute(ctx, alertPlan("Lod", CrimeTheft), testTime, testConfig())

	if diff := cmp.Diff([]ActionStatus{StatusFailed, StatusSkipped}, statuses(outs)); diff != "" {
		t.Errorf("statuses (-want +got):\n%s", diff)
	}
	if _, calls := store.count(); calls != 0 {
		t.Errorf("store calls = %d, want 0", calls)
	}
}

func TestExecute_EmptyPlan(t *testing.T) {
	t.Parallel()

	store, notifier := newFakeStore(), newFakeNotifier()
	outs := newTestExecutor(store, notifier).Execute(context.Background(), ActionPlan{}, testTime, testConfig())
	if len(outs) != 0 {
		t.Errorf("outcomes = %d, want 0", len(outs))
	}
}

func TestExecute_ActionHook(t *testing.T) {
	t.Parallel()

	type call struct {
		name     ActionName
		status   ActionStatus
		attempts int
	}
	var calls []call
	hooks := Hooks{OnAction: func(n ActionName, s ActionStatus, a int, _ float64) {
		calls = append(calls, call{n, s, a})
	}}
	exec := NewExecutor(newFakeStore(), newFakeNotifier(), log.Nop(), hooks).WithBackOff(zeroBackOff)
	exec.Execute(context.Background(), alertPlan("Ashdod", CrimeMolotovCocktail), testTime, testConfig())

	want := []call{{ActionStore, StatusCreated, 1}, {ActionNotify, StatusSent, 1}}
	if diff := cmp.Diff(want, calls, cmp.AllowUnexported(call{})); diff != "" {
		t.Errorf("hook calls (-want +got):\n%s", diff)
	}
}
