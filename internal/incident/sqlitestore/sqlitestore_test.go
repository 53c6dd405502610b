package sqlitestore_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/linnemanlabs/lookout/internal/incident"
	"github.com/linnemanlabs/lookout/internal/incident/sqlitestore"
)

var (
	_ incident.RunStore      = (*sqlitestore.Store)(nil)
	_ incident.IncidentStore = (*sqlitestore.Store)(nil)
)

func openStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.Open(context.Background(), filepath.Join(t.TempDir(), "nested", "lookout.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutIfAbsent(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	first := incident.Record{Location: "Jerusalem", Crime: incident.CrimeStabbing, CreatedAt: "2026-03-14T09:26:53Z"}
	res, err := s.PutIfAbsent(ctx, "2026-03-14", "k1", first)
	if err != nil || res != incident.PutCreated {
		t.Fatalf("first write = %v, %v; want created", res, err)
	}

	res, err = s.PutIfAbsent(ctx, "2026-03-14", "k1", incident.Record{Location: "Haifa", Crime: incident.CrimeTheft})
	if err != nil || res != incident.PutExists {
		t.Fatalf("second write = %v, %v; want already_exists", res, err)
	}

	got, ok, err := s.Record(ctx, "2026-03-14", "k1")
	if err != nil || !ok {
		t.Fatalf("Record: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(first, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}

	res, err = s.PutIfAbsent(ctx, "2026-03-15", "k1", first)
	if err != nil || res != incident.PutCreated {
		t.Errorf("other partition = %v, %v; want created", res, err)
	}

	n, err := s.Incidents(ctx)
	if err != nil || n != 2 {
		t.Errorf("Incidents = %d, %v; want 2", n, err)
	}
}

func TestPutIfAbsent_ConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.PutIfAbsent(ctx, "p", "same", incident.Record{Location: "A", Crime: incident.CrimeTheft, CreatedAt: "t"})
			if err != nil {
				t.Errorf("PutIfAbsent: %v", err)
				return
			}
			if res == incident.PutCreated {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("created = %d, want exactly 1", created)
	}
}

func TestClaimRelease(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	n := incident.Notification{Location: "Haifa", Crime: incident.CrimeTheft, Subject: "Incident Alert: Theft at Haifa"}

	steps := []struct {
		name    string
		release bool
		want    bool
	}{
		{name: "first claim", want: true},
		{name: "second claim", want: false},
		{name: "release", release: true},
		{name: "claim after release", want: true},
	}
	for _, st := range steps {
		if st.release {
			if err := s.Release(ctx, "key"); err != nil {
				t.Fatalf("%s: %v", st.name, err)
			}
			continue
		}
		got, err := s.Claim(ctx, "key", n)
		if err != nil {
			t.Fatalf("%s: %v", st.name, err)
		}
		if got != st.want {
			t.Errorf("%s = %v, want %v", st.name, got, st.want)
		}
	}
}

func TestRunRoundTrip(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 14, 9, 26, 53, 120000000, time.UTC)
	r := &incident.Run{
		ID:          "01J0000000000000000000000A",
		Fingerprint: "fp",
		Status:      incident.RunPending,
		Text:        "stabbing at the Old City",
		ReceivedAt:  now,
		CreatedAt:   now,
	}
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, r.ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(r, got); diff != "" {
		t.Errorf("pending run mismatch (-want +got):\n%s", diff)
	}

	r.Status = incident.RunComplete
	r.CompletedAt = now.Add(1500 * time.Millisecond)
	r.Duration = 1.5
	r.Outcome = &incident.Outcome{
		Kind:    incident.OutcomeSkipped,
		Reason:  incident.ReasonNotRelevant,
		Actions: []incident.ActionOutcome{},
	}
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put update: %v", err)
	}

	got, _, err = s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != incident.RunComplete || !got.CompletedAt.Equal(r.CompletedAt) || got.Duration != 1.5 {
		t.Errorf("run = %+v", got)
	}
	if got.Outcome == nil || got.Outcome.Reason != incident.ReasonNotRelevant {
		t.Errorf("outcome = %+v", got.Outcome)
	}
}

func TestGetByFingerprint(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"older", "newer"} {
		r := &incident.Run{ID: id, Fingerprint: "fp", Status: incident.RunComplete, CreatedAt: now.Add(time.Duration(i) * time.Minute), ReceivedAt: now}
		if err := s.Put(ctx, r); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}

	got, ok, err := s.GetByFingerprint(ctx, "fp")
	if err != nil || !ok {
		t.Fatalf("GetByFingerprint: ok=%v err=%v", ok, err)
	}
	if got.ID != "newer" {
		t.Errorf("ID = %q, want newer", got.ID)
	}

	if _, ok, err := s.GetByFingerprint(ctx, "missing"); err != nil || ok {
		t.Errorf("missing: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Errorf("missing: ok=%v err=%v", ok, err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lookout.db")

	s, err := sqlitestore.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.PutIfAbsent(ctx, "p", "k", incident.Record{Location: "A", Crime: incident.CrimeAssault, CreatedAt: "t"}); err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = sqlitestore.Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	res, err := s.PutIfAbsent(ctx, "p", "k", incident.Record{Location: "A", Crime: incident.CrimeAssault, CreatedAt: "t"})
	if err != nil || res != incident.PutExists {
		t.Errorf("after reopen = %v, %v; want already_exists", res, err)
	}
}
