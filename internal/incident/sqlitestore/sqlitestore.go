// Package sqlitestore provides an embedded SQLite implementation of the
// incident sinks, the notification ledger and incident.RunStore, for the CLI
// and single-node deployments without PostgreSQL.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/lookout/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/lookout/internal/incident/sqlitestore")

//go:embed schema.sql
var schema string

// tsLayout is fixed-width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Store persists runs, incidents and sent notifications in a SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema. The
// parent directory is created if missing. Use ":memory:" for a throwaway db.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; the conditional inserts rely on it under parallel CLI runs
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func start(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlitestore."+name, trace.WithAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func formatTime(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// PutIfAbsent inserts rec under (partition, key) unless that row exists.
func (s *Store) PutIfAbsent(ctx context.Context, partition, key string, rec incident.Record) (incident.PutResult, error) {
	ctx, span := start(ctx, "PutIfAbsent", "INSERT")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (partition_key, dedup_key, location, crime, created_at, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (partition_key, dedup_key) DO NOTHING`,
		partition, key, rec.Location, string(rec.Crime), rec.CreatedAt, formatTime(time.Now()),
	)
	if err != nil {
		return 0, fail(span, fmt.Errorf("insert incident: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fail(span, fmt.Errorf("rows affected: %w", err))
	}
	if n == 0 {
		return incident.PutExists, nil
	}
	return incident.PutCreated, nil
}

// Record returns the stored record for key in partition.
func (s *Store) Record(ctx context.Context, partition, key string) (incident.Record, bool, error) {
	ctx, span := start(ctx, "Record", "SELECT")
	defer span.End()

	var (
		rec   incident.Record
		crime string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT location, crime, created_at FROM incidents
		WHERE partition_key = ? AND dedup_key = ?`, partition, key,
	).Scan(&rec.Location, &crime, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return incident.Record{}, false, nil
		}
		return incident.Record{}, false, fail(span, fmt.Errorf("scan: %w", err))
	}
	rec.Crime = incident.Crime(crime)
	return rec, true, nil
}

// Incidents returns the number of stored incident records.
func (s *Store) Incidents(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count incidents: %w", err)
	}
	return n, nil
}

// Claim records key in the notification ledger. It returns false when key
// was already claimed.
func (s *Store) Claim(ctx context.Context, key string, n incident.Notification) (bool, error) {
	ctx, span := start(ctx, "Claim", "INSERT")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications_sent (dedup_key, location, crime, subject, claimed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (dedup_key) DO NOTHING`,
		key, n.Location, string(n.Crime), n.Subject, formatTime(time.Now()),
	)
	if err != nil {
		return false, fail(span, fmt.Errorf("claim notification: %w", err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fail(span, fmt.Errorf("rows affected: %w", err))
	}
	return rows == 1, nil
}

// Release removes a claim so a failed send can be retried.
func (s *Store) Release(ctx context.Context, key string) error {
	ctx, span := start(ctx, "Release", "DELETE")
	defer span.End()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM notifications_sent WHERE dedup_key = ?`, key); err != nil {
		return fail(span, fmt.Errorf("release notification: %w", err))
	}
	return nil
}

const runColumns = `id, fingerprint, status, text, received_at, created_at,
	completed_at, duration_s, outcome, error`

// Get retrieves a run by ID.
func (s *Store) Get(ctx context.Context, id string) (*incident.Run, bool, error) {
	ctx, span := start(ctx, "Get", "SELECT")
	defer span.End()

	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// GetByFingerprint retrieves the most recent run for a report fingerprint.
func (s *Store) GetByFingerprint(ctx context.Context, fingerprint string) (*incident.Run, bool, error) {
	ctx, span := start(ctx, "GetByFingerprint", "SELECT")
	defer span.End()

	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE fingerprint = ? ORDER BY created_at DESC LIMIT 1`
	r, err := scanRun(s.db.QueryRowContext(ctx, query, fingerprint))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// Put inserts or updates a run.
func (s *Store) Put(ctx context.Context, r *incident.Run) error {
	ctx, span := start(ctx, "Put", "UPSERT")
	defer span.End()

	var outcome sql.NullString
	if r.Outcome != nil {
		b, err := json.Marshal(r.Outcome)
		if err != nil {
			return fail(span, fmt.Errorf("marshal outcome: %w", err))
		}
		outcome = sql.NullString{String: string(b), Valid: true}
	}

	var completedAt sql.NullString
	if !r.CompletedAt.IsZero() {
		completedAt = sql.NullString{String: formatTime(r.CompletedAt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			duration_s = excluded.duration_s,
			outcome = excluded.outcome,
			error = excluded.error`,
		r.ID, r.Fingerprint, string(r.Status), r.Text, formatTime(r.ReceivedAt), formatTime(r.CreatedAt),
		completedAt, r.Duration, outcome, r.Error,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert run: %w", err))
	}
	return nil
}

// scanRun scans a single row into a Run. Returns (nil, nil) when no row is
// found.
func scanRun(row *sql.Row) (*incident.Run, error) {
	var (
		r                       incident.Run
		status                  string
		receivedAt, createdAt   string
		completedAt, outcomeStr sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.Fingerprint, &status, &r.Text, &receivedAt, &createdAt,
		&completedAt, &r.Duration, &outcomeStr, &r.Error,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.Status = incident.RunStatus(status)
	if r.ReceivedAt, err = parseTime(receivedAt); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		if r.CompletedAt, err = parseTime(completedAt.String); err != nil {
			return nil, err
		}
	}
	if outcomeStr.Valid {
		var o incident.Outcome
		if err := json.Unmarshal([]byte(outcomeStr.String), &o); err != nil {
			return nil, fmt.Errorf("unmarshal outcome: %w", err)
		}
		r.Outcome = &o
	}
	return &r, nil
}
