package incident

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
)

// fakeStore is an in-memory IncidentStore that counts calls and can fail the
// first n writes.
type fakeStore struct {
	mu       sync.Mutex
	records  map[string]Record
	calls    int
	failNext int
	err      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]Record)}
}

func (f *fakeStore) PutIfAbsent(_ context.Context, partition, key string, rec Record) (PutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failNext > 0 {
		f.failNext--
		return 0, f.errOrDefault()
	}
	k := partition + "/" + key
	if _, ok := f.records[k]; ok {
		return PutExists, nil
	}
	f.records[k] = rec
	return PutCreated, nil
}

func (f *fakeStore) errOrDefault() error {
	if f.err != nil {
		return f.err
	}
	return errors.New("store unavailable")
}

func (f *fakeStore) count() (records, calls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records), f.calls
}

// fakeNotifier is an in-memory Notifier with the same failure controls.
type fakeNotifier struct {
	mu       sync.Mutex
	sent     map[string]Notification
	calls    int
	failNext int
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{sent: make(map[string]Notification)}
}

func (f *fakeNotifier) SendIfNotSent(_ context.Context, key string, n Notification) (SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failNext > 0 {
		f.failNext--
		return 0, errors.New("notifier unavailable")
	}
	if _, ok := f.sent[key]; ok {
		return SendAlreadySent, nil
	}
	f.sent[key] = n
	return SendSent, nil
}

func (f *fakeNotifier) count() (sent, calls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent), f.calls
}

// scriptedTranslator returns outputs in sequence and records each request.
type scriptedTranslator struct {
	mu      sync.Mutex
	outputs []string
	errs    []error
	reqs    []TranslateRequest
}

func (s *scriptedTranslator) Translate(_ context.Context, req TranslateRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.reqs)
	s.reqs = append(s.reqs, req)
	if idx < len(s.errs) && s.errs[idx] != nil {
		return "", s.errs[idx]
	}
	if idx < len(s.outputs) {
		return s.outputs[idx], nil
	}
	return "fallback translation", nil
}

func (s *scriptedTranslator) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

// scriptedEvaluator returns raw outputs in sequence.
type scriptedEvaluator struct {
	mu      sync.Mutex
	outputs []map[string]any
	errs    []error
	n       int
}

func (s *scriptedEvaluator) Evaluate(_ context.Context, _, _ string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.n
	s.n++
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	if idx < len(s.outputs) {
		return s.outputs[idx], nil
	}
	return score(0, "fallback"), nil
}

func (s *scriptedEvaluator) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func score(n int, feedback string) map[string]any {
	return map[string]any{"score": float64(n), "feedback": feedback}
}

func staticExtractor(raw map[string]any, err error) ExtractFunc {
	return func(context.Context, string) (map[string]any, error) {
		return raw, err
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StepTimeout = 2 * time.Second
	return cfg
}

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

var testTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

type testRig struct {
	translator *scriptedTranslator
	evaluator  *scriptedEvaluator
	extractor  Extractor
	store      *fakeStore
	notifier   *fakeNotifier
}

func newRig(extract map[string]any) *testRig {
	return &testRig{
		translator: &scriptedTranslator{outputs: []string{"translated text"}},
		evaluator:  &scriptedEvaluator{outputs: []map[string]any{score(9, "good")}},
		extractor:  staticExtractor(extract, nil),
		store:      newFakeStore(),
		notifier:   newFakeNotifier(),
	}
}

func (r *testRig) orchestrator(opts ...OrchestratorOption) *Orchestrator {
	loop := NewQualityLoop(r.translator, r.evaluator, log.Nop(), Hooks{})
	exec := NewExecutor(r.store, r.notifier, log.Nop(), Hooks{}).WithBackOff(zeroBackOff)
	opts = append([]OrchestratorOption{WithClock(func() time.Time { return testTime })}, opts...)
	return NewOrchestrator(loop, NewPlanner(r.extractor), exec, log.Nop(), Hooks{}, opts...)
}
