package immunization

import (
	"context"
	"errors"
)

var (
	// ErrNotFound marks a lookup that matched no record.
	ErrNotFound = errors.New("immunization not found")
	// ErrDuplicateIdentifier marks an insert that collided with a live
	// record's identifier.
	ErrDuplicateIdentifier = errors.New("immunization identifier already in use")
	// ErrVersionConflict marks a conditional update that lost: the stored
	// version moved past the expected one.
	ErrVersionConflict = errors.New("immunization version conflict")
)

// Repository is the storage contract for immunisation records. Uniqueness
// of live identifiers and version monotonicity are enforced here, at the
// storage layer, so concurrent writers race safely.
type Repository interface {
	// Insert stores a new record. ErrDuplicateIdentifier when a live
	// record already holds the identifier.
	Insert(ctx context.Context, rec *Record) error
	// Get returns the record by id, deleted or not. ErrNotFound when the
	// id was never stored.
	Get(ctx context.Context, id string) (*Record, error)
	// FindByIdentifier returns the most recently updated record holding
	// the identifier, deleted or not. The create path uses it to decide
	// between rejection and reinstatement.
	FindByIdentifier(ctx context.Context, system, value string) (*Record, error)
	// Update overwrites the record if its stored version still equals
	// expectedVersion. ErrVersionConflict when it moved, ErrNotFound when
	// the id does not exist.
	Update(ctx context.Context, rec *Record, expectedVersion int) error
	// ListByPatient returns live records of the patient partition whose
	// sort key starts with skPrefix, ordered by sort key.
	ListByPatient(ctx context.Context, patientPK, skPrefix string) ([]*Record, error)
}
