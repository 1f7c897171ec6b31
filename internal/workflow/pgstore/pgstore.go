// Package pgstore provides a PostgreSQL implementation of workflow.Store.
// Each record field is one row keyed by (alert_id, field).
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

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/vanguard/internal/workflow"
)

var tracer = otel.Tracer("github.com/linnemanlabs/vanguard/internal/workflow/pgstore")

//go:embed schema.sql
var schema string

// Store persists workflow records in PostgreSQL.
type Store struct {
	pool      *pgxpool.Pool
	retention time.Duration
}

// New applies the schema and returns a ready Store. retention <= 0 keeps
// records forever. The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool, retention time.Duration) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, retention: retention}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Put upserts one field and restarts the record's retention window.
func (s *Store) Put(ctx context.Context, alertID string, field workflow.Field, value json.RawMessage) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()

	var expiresAt *time.Time
	if s.retention > 0 {
		t := time.Now().Add(s.retention)
		expiresAt = &t
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	_, err = tx.Exec(ctx,
		`INSERT INTO workflow_fields (alert_id, field, value, updated_at, expires_at)
		 VALUES ($1, $2, $3, now(), $4)
		 ON CONFLICT (alert_id, field) DO UPDATE SET
			value      = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at`,
		alertID, string(field), []byte(value), expiresAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert %s: %w", field, err))
	}

	// the record expires as a unit
	if expiresAt != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE workflow_fields SET expires_at = $2 WHERE alert_id = $1 AND field <> $3`,
			alertID, expiresAt, string(field),
		); err != nil {
			return fail(span, fmt.Errorf("extend retention: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Get reads one live field.
func (s *Store) Get(ctx context.Context, alertID string, field workflow.Field) (json.RawMessage, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM workflow_fields
		 WHERE alert_id = $1 AND field = $2 AND (expires_at IS NULL OR expires_at > now())`,
		alertID, string(field),
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("select %s: %w", field, err))
	}
	return json.RawMessage(value), true, nil
}

// GetAll reads every live field of a record.
func (s *Store) GetAll(ctx context.Context, alertID string) (*workflow.Record, error) {
	ctx, span := startSpan(ctx, "pgstore.GetAll", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT field, value FROM workflow_fields
		 WHERE alert_id = $1 AND (expires_at IS NULL OR expires_at > now())`,
		alertID,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query fields: %w", err))
	}
	defer rows.Close()

	fields := make(map[workflow.Field]json.RawMessage)
	for rows.Next() {
		var (
			name  string
			value []byte
		)
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fail(span, fmt.Errorf("scan field: %w", err))
		}
		fields[workflow.Field(name)] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate fields: %w", err))
	}

	return workflow.DecodeRecord(alertID, fields)
}

// PurgeExpired deletes rows past their retention and returns how many were
// removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	ctx, span := startSpan(ctx, "pgstore.PurgeExpired", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `DELETE FROM workflow_fields WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fail(span, fmt.Errorf("purge expired: %w", err))
	}
	return tag.RowsAffected(), nil
}

// RunJanitor purges expired rows every interval until ctx is done. It
// returns immediately when retention is disabled.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration, logger log.Logger) {
	if s.retention <= 0 || interval <= 0 {
		return
	}
	if logger == nil {
		logger = log.Nop()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx)
			if err != nil {
				logger.Error(ctx, err, "workflow purge failed")
				continue
			}
			if n > 0 {
				logger.Info(ctx, "purged expired workflow fields", "rows", n)
			}
		}
	}
}
