package delta

import (
	"context"
	"encoding/json"
	"fmt"

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

// =========== Delta Repository ===========

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns the Postgres-backed delta repository over the
// imms_delta table.
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

const deltaCols = `imms_id, datetimestamp, operation, source, vaccine_type, flat`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var flat []byte
	if err := row.Scan(&e.ImmsID, &e.DateTimeStamp, &e.Operation,
		&e.Source, &e.VaccineType, &flat); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(flat, &e.Flat); err != nil {
		return nil, fmt.Errorf("decode flat projection %s@%s: %w", e.ImmsID, e.DateTimeStamp, err)
	}
	return &e, nil
}

func (r *repoPG) Append(ctx context.Context, e *Entry) error {
	flat, err := json.Marshal(e.Flat)
	if err != nil {
		return fmt.Errorf("encode flat projection: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO imms_delta (imms_id, datetimestamp, operation, source, vaccine_type, flat)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (imms_id, datetimestamp) DO UPDATE SET
			operation = EXCLUDED.operation,
			source = EXCLUDED.source,
			vaccine_type = EXCLUDED.vaccine_type,
			flat = EXCLUDED.flat`,
		e.ImmsID, e.DateTimeStamp, e.Operation, e.Source, e.VaccineType, flat)
	return err
}

func (r *repoPG) ListByID(ctx context.Context, immsID string) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+deltaCols+` FROM imms_delta
		WHERE imms_id = $1
		ORDER BY datetimestamp`, immsID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (r *repoPG) SearchByOperation(ctx context.Context, operation, from, to string) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+deltaCols+` FROM imms_delta
		WHERE operation = $1
		  AND ($2 = '' OR datetimestamp >= $2)
		  AND ($3 = '' OR datetimestamp <= $3)
		ORDER BY datetimestamp`, operation, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
