package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/imms/imms/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Audit Repository ===========

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns the Postgres-backed audit repository. The single
// Processing entry per queue invariant is enforced by the partial unique
// index queue_single_processing_index.
func NewRepoPG(pool *pgxpool.Pool) Repo {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const auditCols = `message_id, filename, queue_name, status, timestamp, expires_at, record_count, error_details`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.MessageID, &e.Filename, &e.QueueName, &e.Status,
		&e.Timestamp, &e.ExpiresAt, &e.RecordCount, &e.ErrorDetails)
	return &e, err
}

func (r *repoPG) CreateQueued(ctx context.Context, e *Entry) error {
	e.Status = StatusQueued
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO batch_audit (message_id, filename, queue_name, status, timestamp, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.MessageID, e.Filename, e.QueueName, e.Status, e.Timestamp, e.ExpiresAt)
	return err
}

func (r *repoPG) CreateNotProcessed(ctx context.Context, e *Entry, reason string) error {
	e.Status = StatusNotProcessed
	e.ErrorDetails = &reason
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO batch_audit (message_id, filename, queue_name, status, timestamp, expires_at, error_details)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.MessageID, e.Filename, e.QueueName, e.Status, e.Timestamp, e.ExpiresAt, reason)
	return err
}

func (r *repoPG) ClaimNextQueued(ctx context.Context, queueName string) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx, `
		UPDATE batch_audit SET status = $2, timestamp = NOW()
		WHERE message_id = (
			SELECT message_id FROM batch_audit
			WHERE queue_name = $1 AND status = $3
			  AND NOT EXISTS (
				SELECT 1 FROM batch_audit WHERE queue_name = $1 AND status = $2
			  )
			ORDER BY timestamp, message_id
			LIMIT 1
		) AND status = $3
		RETURNING `+auditCols,
		queueName, StatusProcessing, StatusQueued))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if isUniqueViolation(err) {
		// Lost the claim race: another worker holds the queue's Processing
		// slot. The partial unique index keeps the invariant.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *repoPG) SetRecordCount(ctx context.Context, messageID string, count int) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE batch_audit SET record_count = $2 WHERE message_id = $1`, messageID, count)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Complete(ctx context.Context, messageID string, status Status, errorDetails string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not a terminal status", ErrConflict, status)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE batch_audit SET status = $2, timestamp = NOW(), error_details = NULLIF($3, '')
		WHERE message_id = $1 AND status = $4`,
		messageID, status, errorDetails, StatusProcessing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (r *repoPG) StaleProcessing(ctx context.Context, olderThan time.Time) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+auditCols+` FROM batch_audit
		WHERE status = $1 AND timestamp < $2
		ORDER BY timestamp, message_id`,
		StatusProcessing, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *repoPG) GetByMessageID(ctx context.Context, messageID string) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+auditCols+` FROM batch_audit WHERE message_id = $1`, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *repoPG) ListByQueue(ctx context.Context, queueName string) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+auditCols+` FROM batch_audit
		WHERE queue_name = $1
		ORDER BY timestamp, message_id`, queueName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
