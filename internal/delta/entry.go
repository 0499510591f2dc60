// Package delta maintains the flat analytics projection: one entry appended
// per committed store mutation, carrying the 34-column view of the resource
// at that point plus the operation, the submitting system and a timestamp.
// Entries are never updated or deleted once written.
package delta

import "context"

// Operations recorded on an entry. They mirror the store mutations, with a
// reinstate recorded as CREATE.
const (
	OpCreate = "CREATE"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Entry is one appended projection row. DateTimeStamp is the write time in
// YYYYMMDDTHHMMSSzz form; entries are stamped in UTC so the zone digits are
// always "00". Flat is the column-name-to-value object produced by the
// flat-row conversion, ACTION_FLAG excluded.
type Entry struct {
	ImmsID        string            `json:"imms_id"`
	DateTimeStamp string            `json:"datetimestamp"`
	Operation     string            `json:"operation"`
	Source        string            `json:"source"`
	VaccineType   string            `json:"vaccine_type"`
	Flat          map[string]string `json:"flat"`
}

// Repo persists delta entries, keyed on (imms_id, datetimestamp). A write
// to an existing key replaces that entry: two mutations of one record
// inside the stamp's resolution coalesce to the later one.
type Repo interface {
	Append(ctx context.Context, e *Entry) error

	// ListByID returns every entry for one record in stamp order.
	ListByID(ctx context.Context, immsID string) ([]*Entry, error)

	// SearchByOperation returns entries for one operation within the
	// inclusive stamp range. Empty bounds are open.
	SearchByOperation(ctx context.Context, operation, from, to string) ([]*Entry, error)
}
