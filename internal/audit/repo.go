package audit

import (
	"context"
	"time"
)

// Repo defines storage operations for audit entries. Transitions are
// conditional: they succeed only from the expected current status.
type Repo interface {
	// CreateQueued inserts the entry with status Queued.
	CreateQueued(ctx context.Context, e *Entry) error
	// CreateNotProcessed inserts the entry terminally Not-processed with
	// the rejection reason in ErrorDetails.
	CreateNotProcessed(ctx context.Context, e *Entry, reason string) error
	// ClaimNextQueued atomically promotes the oldest Queued entry of the
	// queue to Processing. It returns (nil, nil) when the queue has no
	// Queued entry or another entry is already Processing.
	ClaimNextQueued(ctx context.Context, queueName string) (*Entry, error)
	// SetRecordCount records the file's data row count once known.
	SetRecordCount(ctx context.Context, messageID string, count int) error
	// Complete transitions Processing → Processed/Failed. ErrConflict when
	// the entry is not Processing.
	Complete(ctx context.Context, messageID string, status Status, errorDetails string) error
	// StaleProcessing returns entries still Processing that were claimed
	// before the cutoff. The watchdog completes them as Failed.
	StaleProcessing(ctx context.Context, olderThan time.Time) ([]*Entry, error)
	GetByMessageID(ctx context.Context, messageID string) (*Entry, error)
	// ListByQueue returns the queue's entries oldest first.
	ListByQueue(ctx context.Context, queueName string) ([]*Entry, error)
}
