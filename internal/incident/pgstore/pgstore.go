// Package pgstore provides a PostgreSQL implementation of the incident sinks,
// the notification ledger and incident.RunStore.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/lookout/internal/incident"
	"github.com/linnemanlabs/lookout/internal/postgres"
)

var tracer = otel.Tracer("github.com/linnemanlabs/lookout/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// querySource labels queries that do not originate from an HTTP handler.
const querySource = "workflow"

// Store persists runs, incidents and sent notifications in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(postgres.WithDefaultSource(ctx, querySource), schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) start(ctx context.Context, name, op string) (context.Context, trace.Span) {
	ctx = postgres.WithDefaultSource(ctx, querySource)
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// PutIfAbsent inserts rec under (partition, key) unless that row exists.
func (s *Store) PutIfAbsent(ctx context.Context, partition, key string, rec incident.Record) (incident.PutResult, error) {
	ctx, span := s.start(ctx, "PutIfAbsent", "INSERT")
	defer span.End()
	span.SetAttributes(attribute.String("lookout.partition", partition))

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO incidents (partition_key, dedup_key, location, crime, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (partition_key, dedup_key) DO NOTHING`,
		partition, key, rec.Location, string(rec.Crime), rec.CreatedAt,
	)
	if err != nil {
		return 0, fail(span, fmt.Errorf("insert incident: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return incident.PutExists, nil
	}
	return incident.PutCreated, nil
}

// Record returns the stored record for key in partition.
func (s *Store) Record(ctx context.Context, partition, key string) (incident.Record, bool, error) {
	ctx, span := s.start(ctx, "Record", "SELECT")
	defer span.End()

	var (
		rec   incident.Record
		crime string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT location, crime, created_at FROM incidents
		WHERE partition_key = $1 AND dedup_key = $2`, partition, key,
	).Scan(&rec.Location, &crime, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return incident.Record{}, false, nil
		}
		return incident.Record{}, false, fail(span, fmt.Errorf("scan: %w", err))
	}
	rec.Crime = incident.Crime(crime)
	return rec, true, nil
}

// Claim records key in the notification ledger. It returns false when key
// was already claimed.
func (s *Store) Claim(ctx context.Context, key string, n incident.Notification) (bool, error) {
	ctx, span := s.start(ctx, "Claim", "INSERT")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO notifications_sent (dedup_key, location, crime, subject)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (dedup_key) DO NOTHING`,
		key, n.Location, string(n.Crime), n.Subject,
	)
	if err != nil {
		return false, fail(span, fmt.Errorf("claim notification: %w", err))
	}
	return tag.RowsAffected() == 1, nil
}

// Release removes a claim so a failed send can be retried.
func (s *Store) Release(ctx context.Context, key string) error {
	ctx, span := s.start(ctx, "Release", "DELETE")
	defer span.End()

	if _, err := s.pool.Exec(ctx, `DELETE FROM notifications_sent WHERE dedup_key = $1`, key); err != nil {
		return fail(span, fmt.Errorf("release notification: %w", err))
	}
	return nil
}

const runColumns = `id, fingerprint, status, text, received_at, created_at,
	completed_at, duration_s, outcome, error`

// Get retrieves a run by ID.
func (s *Store) Get(ctx context.Context, id string) (*incident.Run, bool, error) {
	ctx, span := s.start(ctx, "Get", "SELECT")
	defer span.End()

	r, err := scanRunRow(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// GetByFingerprint retrieves the most recent run for a report fingerprint.
func (s *Store) GetByFingerprint(ctx context.Context, fingerprint string) (*incident.Run, bool, error) {
	ctx, span := s.start(ctx, "GetByFingerprint", "SELECT")
	defer span.End()

	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE fingerprint = $1 ORDER BY created_at DESC LIMIT 1`
	r, err := scanRunRow(s.pool.QueryRow(ctx, query, fingerprint))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// Put inserts or updates a run.
func (s *Store) Put(ctx context.Context, r *incident.Run) error {
	ctx, span := s.start(ctx, "Put", "UPSERT")
	defer span.End()

	var outcomeJSON []byte
	if r.Outcome != nil {
		b, err := json.Marshal(r.Outcome)
		if err != nil {
			return fail(span, fmt.Errorf("marshal outcome: %w", err))
		}
		outcomeJSON = b
	}

	var completedAt *time.Time
	if !r.CompletedAt.IsZero() {
		completedAt = &r.CompletedAt
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			duration_s = EXCLUDED.duration_s,
			outcome = EXCLUDED.outcome,
			error = EXCLUDED.error`,
		r.ID, r.Fingerprint, string(r.Status), r.Text, r.ReceivedAt, r.CreatedAt,
		completedAt, r.Duration, outcomeJSON, r.Error,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert run: %w", err))
	}
	return nil
}

// scanRunRow scans a single row into a Run. Returns (nil, nil) when no row
// is found.
func scanRunRow(row pgx.Row) (*incident.Run, error) {
	var (
		r           incident.Run
		status      string
		completedAt *time.Time
		outcomeJSON []byte
	)

	err := row.Scan(
		&r.ID, &r.Fingerprint, &status, &r.Text, &r.ReceivedAt, &r.CreatedAt,
		&completedAt, &r.Duration, &outcomeJSON, &r.Error,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.Status = incident.RunStatus(status)
	if completedAt != nil {
		r.CompletedAt = *completedAt
	}
	if len(outcomeJSON) > 0 {
		var o incident.Outcome
		if err := json.Unmarshal(outcomeJSON, &o); err != nil {
			return nil, fmt.Errorf("unmarshal outcome: %w", err)
		}
		r.Outcome = &o
	}
	return &r, nil
}
