package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/imms/imms/internal/audit"
	"github.com/imms/imms/internal/platform/objstore"
	"github.com/imms/imms/internal/platform/queue"
	"github.com/imms/imms/internal/refdata"
)

// fileMessage is the transport payload published for each accepted file.
// The orchestrator consumes it to learn which partition has new work; the
// authoritative state stays in the audit table.
type fileMessage struct {
	MessageID string `json:"message_id"`
	QueueName string `json:"queue_name"`
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
}

// Intake turns object-created events into audit entries and file messages.
// Every submitted object ends with an audit row: Queued when accepted,
// Not-processed with a reason when rejected at the door.
type Intake struct {
	store     objstore.Store
	cache     refdata.Cache
	audit     audit.Repo
	files     queue.FileQueue
	fileQueue string
	ttl       time.Duration
	log       zerolog.Logger
}

// NewIntake wires an Intake. ttl is how long audit entries are retained.
func NewIntake(store objstore.Store, cache refdata.Cache, auditRepo audit.Repo, files queue.FileQueue, fileQueue string, ttl time.Duration, log zerolog.Logger) *Intake {
	return &Intake{
		store:     store,
		cache:     cache,
		audit:     auditRepo,
		files:     files,
		fileQueue: fileQueue,
		ttl:       ttl,
		log:       log.With().Str("component", "intake").Logger(),
	}
}

// Run consumes object-created events until the context ends or the channel
// closes. Failures are logged; one bad object never stops intake.
func (in *Intake) Run(ctx context.Context, events <-chan objstore.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if _, err := in.HandleObjectCreated(ctx, ev.Bucket, ev.Key); err != nil {
				in.log.Error().Err(err).Str("key", ev.Key).Msg("intake failed")
			}
		}
	}
}

// HandleObjectCreated admits one submitted object. It validates the file
// key, counts data rows, writes the audit entry and, for accepted files,
// publishes a file message. The returned message id identifies the audit
// entry. Rejections are not errors: the audit row is the outcome.
func (in *Intake) HandleObjectCreated(ctx context.Context, bucket, key string) (string, error) {
	now := time.Now().UTC()
	entry := &audit.Entry{
		MessageID: uuid.NewString(),
		Filename:  key,
		Timestamp: now,
		ExpiresAt: now.Add(in.ttl),
	}
	log := in.log.With().Str("message_id", entry.MessageID).Str("key", key).Logger()

	fk, err := ParseFileKey(ctx, in.cache, key)
	if err != nil {
		if errors.Is(err, ErrInvalidFileKey) || errors.Is(err, ErrPermissions) {
			log.Warn().Err(err).Msg("file rejected")
			if aerr := in.audit.CreateNotProcessed(ctx, entry, audit.ReasonUnauthorised); aerr != nil {
				return "", fmt.Errorf("record rejection: %w", aerr)
			}
			return entry.MessageID, nil
		}
		return "", fmt.Errorf("validate file key %q: %w", key, err)
	}
	entry.QueueName = fk.QueueName()

	count, err := in.countDataRows(ctx, bucket, key)
	if err != nil {
		return "", fmt.Errorf("count rows of %q: %w", key, err)
	}
	if count == 0 {
		log.Warn().Msg("file rejected: no data rows")
		if aerr := in.audit.CreateNotProcessed(ctx, entry, audit.ReasonEmpty); aerr != nil {
			return "", fmt.Errorf("record rejection: %w", aerr)
		}
		return entry.MessageID, nil
	}
	entry.RecordCount = &count

	if err := in.audit.CreateQueued(ctx, entry); err != nil {
		return "", fmt.Errorf("queue audit entry: %w", err)
	}
	payload, err := json.Marshal(fileMessage{
		MessageID: entry.MessageID,
		QueueName: entry.QueueName,
		Bucket:    bucket,
		Key:       key,
	})
	if err != nil {
		return "", err
	}
	if err := in.files.Publish(ctx, in.fileQueue, payload); err != nil {
		return "", fmt.Errorf("publish file message: %w", err)
	}
	log.Info().Str("queue", entry.QueueName).Int("record_count", count).Msg("file queued")
	return entry.MessageID, nil
}

// countDataRows counts records after the header. A missing header means
// zero rows; a malformed record stops the count so the file fails later at
// the same point processing would.
func (in *Intake) countDataRows(ctx context.Context, bucket, key string) (int, error) {
	rc, _, err := in.store.Get(ctx, bucket, key)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	reader := newCSVReader(rc)
	if _, err := reader.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, err
	}
	count := 0
	for {
		if _, err := reader.Read(); err != nil {
			return count, nil
		}
		count++
	}
}
