// Package batch implements the file ingestion pipeline: intake of submitted
// CSV objects, per-row conversion and validation, ordered forwarding onto
// the shard stream, ACK assembly, and the per-queue orchestration that keeps
// at most one file of a partition in flight.
package batch

import (
	"strings"

	"github.com/imms/imms/internal/platform/fhir"
)

// Action is the CRUD operation a row requests. The ACTION_FLAG column spells
// CREATE as NEW; everywhere past the row processor the canonical names below
// are used, including permission strings and delta operations.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// ParseAction maps an ACTION_FLAG value to its Action, case-insensitively.
func ParseAction(flag string) (Action, bool) {
	switch strings.ToUpper(strings.TrimSpace(flag)) {
	case "NEW", "CREATE":
		return ActionCreate, true
	case "UPDATE":
		return ActionUpdate, true
	case "DELETE":
		return ActionDelete, true
	}
	return "", false
}

// Diagnostic codes raised by the pipeline itself. Row validation reuses the
// codes of internal/validation; these cover the failures validation cannot
// see.
const (
	// DiagUnhandled marks infrastructure failures. Any envelope carrying
	// it fails the whole file's audit entry, not just the row.
	DiagUnhandled = "UNHANDLED"
	// DiagNoPermission marks an action outside the supplier's permitted
	// operations for the vaccine type.
	DiagNoPermission = "NO_PERMISSIONS"
	// DiagVaccineTypeMismatch marks a row whose target diseases resolve to
	// a different vaccine type than the filename declares.
	DiagVaccineTypeMismatch = "VACCINE_TYPE_MISMATCH"
	// DiagDuplicateIdentifier marks a create whose identifier a live
	// record already holds.
	DiagDuplicateIdentifier = "DUPLICATE_IDENTIFIER"
	// DiagNotFound marks an update or delete whose identifier no live
	// record holds.
	DiagNotFound = "NOT_FOUND"
	// DiagConflict marks a row that lost a version race against a
	// concurrent API write.
	DiagConflict = "CONFLICT"
)

// Diag is one row-level finding carried on the envelope. A row with any
// diagnostics is acknowledged as a Failure and never applied.
type Diag struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Envelope is the unit of work on the shard stream: one CSV row, either as
// a buildable resource plus action, or as diagnostics only. Every row of an
// accepted file produces exactly one envelope so the ACK assembler can count
// the file to completion.
//
// RowID is "<message_id>^<row_index>" with row_index 1-based in source file
// order. CreatedAt is the row's processing time in YYYYMMDDTHHMMSSzz form.
type Envelope struct {
	RowID       string             `json:"row_id"`
	FileKey     string             `json:"file_key"`
	VaccineType string             `json:"vaccine_type"`
	Supplier    string             `json:"supplier"`
	CreatedAt   string             `json:"created_at"`
	Action      Action             `json:"action,omitempty"`
	Diagnostics []Diag             `json:"diagnostics,omitempty"`
	Resource    *fhir.Immunization `json:"resource,omitempty"`
}

// MessageID returns the file's audit message id, the RowID prefix.
func (e *Envelope) MessageID() string {
	if i := strings.IndexByte(e.RowID, '^'); i >= 0 {
		return e.RowID[:i]
	}
	return e.RowID
}

// PartitionKey is the shard stream partition the envelope belongs to,
// identical to the file's audit queue name.
func (e *Envelope) PartitionKey() string {
	return e.Supplier + "_" + e.VaccineType
}

// HasUnhandled reports whether any diagnostic is infrastructure-level.
func (e *Envelope) HasUnhandled() bool {
	for _, d := range e.Diagnostics {
		if d.Code == DiagUnhandled {
			return true
		}
	}
	return false
}
