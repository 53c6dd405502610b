package incident

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"
)

// SubmitResult is the outcome of submitting a report.
type SubmitResult struct {
	ID      string
	Skipped bool
	Reason  string
}

// Service is the business boundary for report intake.
type Service struct {
	store   RunStore
	orch    *Orchestrator
	cfg     Config
	logger  log.Logger
	metrics *Metrics
	sem     *semaphore.Weighted
	wg      sync.WaitGroup

	// serializes the fingerprint check with the insert
	submitMu sync.Mutex
}

// NewService creates an intake service. maxConcurrent bounds the number of
// workflow runs executing at once; cfg is validated here so runs never panic.
func NewService(store RunStore, orch *Orchestrator, cfg Config, logger log.Logger, metrics *Metrics, maxConcurrent int) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("workflow config: %w", err)
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:   store,
		orch:    orch,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
	}, nil
}

// Fingerprint identifies a report by its sanitized text.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(Sanitize(text)))
	return hex.EncodeToString(sum[:])
}

// Submit accepts a report, handling dedup and lifecycle. receivedAt anchors
// the dedup bucket; zero means now.
func (s *Service) Submit(ctx context.Context, text string, receivedAt time.Time) (*SubmitResult, error) {
	if Sanitize(text) == "" {
		s.countSubmit("skipped")
		return &SubmitResult{Skipped: true, Reason: ReasonEmptyInput}, nil
	}

	fp := Fingerprint(text)

	// dedup: skip if an identical report is already pending or in progress.
	// Across processes sharing a store the check can still race; the sinks
	// dedup those side effects.
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	if existing, ok, err := s.store.GetByFingerprint(ctx, fp); err != nil {
		return nil, err
	} else if ok && existing.Status.Active() {
		s.countSubmit("duplicate")
		return &SubmitResult{Skipped: true, Reason: "duplicate"}, nil
	}

	now := time.Now().UTC()
	if receivedAt.IsZero() {
		receivedAt = now
	}
	id := ulid.Make().String()
	run := &Run{
		ID:          id,
		Fingerprint: fp,
		Status:      RunPending,
		Text:        text,
		ReceivedAt:  receivedAt.UTC(),
		CreatedAt:   now,
	}
	if err := s.store.Put(ctx, run); err != nil {
		return nil, err
	}

	s.countSubmit("accepted")

	// only the ID crosses into the goroutine; the run is re-read from the store
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(context.WithoutCancel(ctx), id)
	}()

	return &SubmitResult{ID: id}, nil
}

// Get retrieves a run by ID.
func (s *Service) Get(ctx context.Context, id string) (*Run, bool, error) {
	return s.store.Get(ctx, id)
}

// Wait blocks until every submitted run has finished or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) execute(ctx context.Context, id string) {
	L := s.logger.With("run_id", id)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		L.Error(ctx, err, "failed to acquire run slot")
		return
	}
	defer s.sem.Release(1)

	if s.metrics != nil {
		s.metrics.RunsInFlight.Inc()
		defer s.metrics.RunsInFlight.Dec()
	}

	run, ok, err := s.store.Get(ctx, id)
	if err != nil || !ok {
		L.Error(ctx, err, "failed to fetch run")
		return
	}

	run.Status = RunInProgress
	if err := s.store.Put(ctx, run); err != nil {
		L.Error(ctx, err, "failed to update status to in_progress")
		return
	}

	start := time.Now()
	out, err := s.process(log.WithContext(ctx, L), run)
	run.CompletedAt = time.Now().UTC()
	run.Duration = time.Since(start).Seconds()
	if err != nil {
		run.Status = RunFailed
		run.Error = err.Error()
	} else {
		run.Status = RunComplete
		run.Outcome = &out
	}

	if err := s.store.Put(ctx, run); err != nil {
		L.Error(ctx, err, "failed to persist run outcome")
	}

	L.Info(ctx, "run complete",
		"status", run.Status,
		"outcome", out.Kind,
		"reason", out.Reason,
		"duration", run.Duration,
	)
}

// process shields the service goroutine from a panicking collaborator.
func (s *Service) process(ctx context.Context, run *Run) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panic: %v", r)
		}
	}()
	return s.orch.ProcessMessage(ctx, Message{Text: run.Text, ReceivedAt: run.ReceivedAt}, s.cfg), nil
}

func (s *Service) countSubmit(result string) {
	if s.metrics != nil {
		s.metrics.SubmitsTotal.WithLabelValues(result).Inc()
	}
}
