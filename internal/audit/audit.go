// Package audit implements the batch audit table: one row per submitted
// file, advanced through a small state machine. The table doubles as the
// pipeline's synchronisation point — at most one entry per queue name may be
// Processing, and every transition is a conditional update guarded by the
// current status.
package audit

import (
	"errors"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrNotFound = errors.New("audit entry not found")
	// ErrConflict marks a conditional transition that lost: the entry was
	// not in the status the transition requires.
	ErrConflict = errors.New("audit status conflict")
	// ErrUnhandled marks an audit operation that failed after retry
	// exhaustion.
	ErrUnhandled = errors.New("unhandled audit table error")
)

// ---------------------------------------------------------------------------
// Status machine
// ---------------------------------------------------------------------------

// Status is the lifecycle state of an audit entry.
//
//	Queued ──claim──▶ Processing ──complete──▶ Processed | Failed
//	(intake failure) ──▶ Not-processed
type Status string

const (
	StatusQueued       Status = "Queued"
	StatusProcessing   Status = "Processing"
	StatusProcessed    Status = "Processed"
	StatusNotProcessed Status = "Not-processed"
	StatusFailed       Status = "Failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusProcessed, StatusNotProcessed, StatusFailed:
		return true
	}
	return false
}

// Intake rejection reasons recorded in ErrorDetails.
const (
	ReasonUnauthorised = "Unauthorised"
	ReasonEmpty        = "Empty"
)

// ---------------------------------------------------------------------------
// Entry
// ---------------------------------------------------------------------------

// Entry is one audit row. Timestamp tracks the last status transition, so
// the watchdog cutoff measures time spent Processing, not file age.
type Entry struct {
	MessageID    string    `json:"message_id"`
	Filename     string    `json:"filename"`
	QueueName    string    `json:"queue_name"`
	Status       Status    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	ExpiresAt    time.Time `json:"expires_at"`
	RecordCount  *int      `json:"record_count,omitempty"`
	ErrorDetails *string   `json:"error_details,omitempty"`
}
