package immunization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/imms/imms/internal/platform/db"
	"github.com/imms/imms/internal/platform/fhir"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Immunization Repository ===========

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns the Postgres-backed record repository. Live identifier
// uniqueness is enforced by the partial unique index
// imms_event_identifier_live_index, so concurrent creates race safely.
func NewRepoPG(pool *pgxpool.Pool) Repository {
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

const recordCols = `id, resource, version, is_deleted, is_reinstated, identifier_system, identifier_value, patient_pk, patient_sk, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec Record
		raw []byte
	)
	err := row.Scan(&rec.ID, &raw, &rec.Version, &rec.IsDeleted, &rec.IsReinstated,
		&rec.IdentifierSystem, &rec.IdentifierValue, &rec.PatientPK, &rec.PatientSK, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Resource = &fhir.Immunization{}
	if err := json.Unmarshal(raw, rec.Resource); err != nil {
		return nil, fmt.Errorf("decode resource %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func (r *repoPG) Insert(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec.Resource)
	if err != nil {
		return fmt.Errorf("encode resource: %w", err)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO imms_event (id, resource, version, is_deleted, is_reinstated, identifier_system, identifier_value, patient_pk, patient_sk, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.ID, raw, rec.Version, rec.IsDeleted, rec.IsReinstated,
		rec.IdentifierSystem, rec.IdentifierValue, rec.PatientPK, rec.PatientSK, rec.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateIdentifier
	}
	return err
}

func (r *repoPG) Get(ctx context.Context, id string) (*Record, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM imms_event WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *repoPG) FindByIdentifier(ctx context.Context, system, value string) (*Record, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+recordCols+` FROM imms_event
		WHERE identifier_system = $1 AND identifier_value = $2
		ORDER BY updated_at DESC
		LIMIT 1`, system, value)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Update only lands when the stored version still equals expectedVersion.
// A zero row count is disambiguated with a follow-up read, so callers get
// ErrNotFound for a missing id and ErrVersionConflict for a lost race.
func (r *repoPG) Update(ctx context.Context, rec *Record, expectedVersion int) error {
	raw, err := json.Marshal(rec.Resource)
	if err != nil {
		return fmt.Errorf("encode resource: %w", err)
	}
	rec.UpdatedAt = time.Now().UTC()
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE imms_event
		SET resource = $3, version = $4, is_deleted = $5, is_reinstated = $6,
		    identifier_system = $7, identifier_value = $8,
		    patient_pk = $9, patient_sk = $10, updated_at = $11
		WHERE id = $1 AND version = $2`,
		rec.ID, expectedVersion,
		raw, rec.Version, rec.IsDeleted, rec.IsReinstated,
		rec.IdentifierSystem, rec.IdentifierValue, rec.PatientPK, rec.PatientSK, rec.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateIdentifier
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, rec.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	return nil
}

func (r *repoPG) ListByPatient(ctx context.Context, patientPK, skPrefix string) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+recordCols+` FROM imms_event
		WHERE patient_pk = $1 AND patient_sk LIKE $2 AND NOT is_deleted
		ORDER BY patient_sk`, patientPK, skPrefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
