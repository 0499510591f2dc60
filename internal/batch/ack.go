package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/imms/imms/internal/audit"
	"github.com/imms/imms/internal/platform/objstore"
	"github.com/imms/imms/internal/platform/queue"
)

// DefaultFlushRows is the ACK buffer size flushed per object write.
const DefaultFlushRows = 100

const ackResponseType = "Technical"

// ackColumns is the fixed ACK file layout.
var ackColumns = []string{
	"MESSAGE_HEADER_ID",
	"HEADER_RESPONSE_CODE",
	"ISSUE_SEVERITY",
	"ISSUE_CODE",
	"ISSUE_DETAILS_CODE",
	"RESPONSE_TYPE",
	"RESPONSE_CODE",
	"RESPONSE_DISPLAY",
	"RECEIVED_TIME",
	"MAILBOX_FROM",
	"LOCAL_ID",
	"MESSAGE_DELIVERY",
}

// Applier applies a row's action to the resource store. Business failures
// (duplicate identifier, unknown record) come back as diagnostics; an error
// means the infrastructure failed and the row counts as unhandled.
type Applier interface {
	Apply(ctx context.Context, env *Envelope) ([]Diag, error)
}

// Assembler consumes stream partitions, applies row actions and builds one
// ACK object per file. When a file's processed count reaches its audit
// record count the audit entry is completed and the partition released.
type Assembler struct {
	stream    queue.RecordStream
	store     objstore.Store
	bucket    string
	audit     audit.Repo
	applier   Applier
	flushRows int
	release   func(queueName string)
	log       zerolog.Logger

	mu    sync.Mutex
	files map[string]*fileAck
}

// fileAck is the in-flight ACK state of one file. It is only touched by the
// goroutine consuming the file's partition.
type fileAck struct {
	messageID   string
	queueName   string
	ackKey      string
	recordCount int
	rows        [][]string
	pending     int
	processed   int
	seen        map[string]bool
	unhandled   bool
}

// NewAssembler wires an Assembler. flushRows < 1 selects DefaultFlushRows.
// The partition release callback is installed by the orchestrator.
func NewAssembler(stream queue.RecordStream, store objstore.Store, bucket string, auditRepo audit.Repo, applier Applier, flushRows int, log zerolog.Logger) *Assembler {
	if flushRows < 1 {
		flushRows = DefaultFlushRows
	}
	return &Assembler{
		stream:    stream,
		store:     store,
		bucket:    bucket,
		audit:     auditRepo,
		applier:   applier,
		flushRows: flushRows,
		log:       log.With().Str("component", "ack").Logger(),
		files:     make(map[string]*fileAck),
	}
}

// Run consumes one stream partition until the context ends or the channel
// closes.
func (a *Assembler) Run(ctx context.Context, queueName string) error {
	ch, err := a.stream.Consume(ctx, queueName)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queueName, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				a.log.Error().Err(err).Str("partition", queueName).Msg("undecodable envelope dropped")
				continue
			}
			a.handle(ctx, &env)
		}
	}
}

func (a *Assembler) handle(ctx context.Context, env *Envelope) {
	fa := a.file(ctx, env)
	if fa == nil {
		return
	}
	if fa.seen[env.RowID] {
		return
	}
	fa.seen[env.RowID] = true

	delivered := false
	if env.Resource != nil && env.Action != "" && len(env.Diagnostics) == 0 {
		diags, err := a.applier.Apply(ctx, env)
		switch {
		case err != nil:
			env.Diagnostics = append(env.Diagnostics, Diag{Code: DiagUnhandled, Message: err.Error()})
		case len(diags) > 0:
			env.Diagnostics = append(env.Diagnostics, diags...)
		default:
			delivered = true
		}
	}
	if env.HasUnhandled() {
		fa.unhandled = true
	}

	fa.rows = append(fa.rows, ackRecord(env, delivered))
	fa.pending++
	fa.processed++

	if fa.recordCount > 0 && fa.processed >= fa.recordCount {
		a.complete(ctx, fa)
		return
	}
	if fa.pending >= a.flushRows {
		if err := a.flush(ctx, fa); err != nil {
			a.log.Error().Err(err).Str("message_id", fa.messageID).Msg("ack flush failed, buffered for retry")
		}
	}
}

// file returns the ACK state for the envelope's file, loading the audit
// entry on first sight. Envelopes for unknown or already-terminal entries
// are dropped.
func (a *Assembler) file(ctx context.Context, env *Envelope) *fileAck {
	messageID := env.MessageID()
	a.mu.Lock()
	fa, ok := a.files[messageID]
	a.mu.Unlock()
	if ok {
		return fa
	}

	entry, err := a.audit.GetByMessageID(ctx, messageID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			a.log.Warn().Str("message_id", messageID).Str("row_id", env.RowID).Msg("envelope for unknown file dropped")
		} else {
			a.log.Error().Err(err).Str("message_id", messageID).Msg("audit lookup failed, envelope dropped")
		}
		return nil
	}
	if entry.Status.Terminal() {
		a.log.Warn().Str("message_id", messageID).Str("status", string(entry.Status)).Msg("envelope for completed file dropped")
		return nil
	}

	fa = &fileAck{
		messageID: messageID,
		queueName: entry.QueueName,
		ackKey:    ackObjectKey(entry.Filename, time.Now().UTC()),
		seen:      make(map[string]bool),
	}
	if entry.RecordCount != nil {
		fa.recordCount = *entry.RecordCount
	}
	a.mu.Lock()
	a.files[messageID] = fa
	a.mu.Unlock()
	return fa
}

// flush rewrites the whole ACK object, header plus every row so far. A
// failed intermediate write heals on the next flush, and exactly one ACK
// object per file ever exists.
func (a *Assembler) flush(ctx context.Context, fa *fileAck) error {
	var buf bytes.Buffer
	w := newCSVWriter(&buf)
	if err := w.Write(ackColumns); err != nil {
		return err
	}
	if err := w.WriteAll(fa.rows); err != nil {
		return err
	}
	if _, err := a.store.Put(ctx, a.bucket, fa.ackKey, &buf); err != nil {
		return err
	}
	fa.pending = 0
	return nil
}

// complete flushes the final buffer, transitions the audit entry and
// releases the partition for the next file.
func (a *Assembler) complete(ctx context.Context, fa *fileAck) {
	if err := a.flush(ctx, fa); err != nil {
		a.log.Error().Err(err).Str("message_id", fa.messageID).Msg("final ack flush failed")
		fa.unhandled = true
	}

	status := audit.StatusProcessed
	details := ""
	if fa.unhandled {
		status = audit.StatusFailed
		details = "unhandled errors during processing"
	}
	if err := a.audit.Complete(ctx, fa.messageID, status, details); err != nil {
		a.log.Error().Err(err).Str("message_id", fa.messageID).Msg("audit completion failed")
	}

	a.mu.Lock()
	delete(a.files, fa.messageID)
	a.mu.Unlock()

	a.log.Info().
		Str("message_id", fa.messageID).
		Str("status", string(status)).
		Int("rows", fa.processed).
		Msg("file completed")
	if a.release != nil {
		a.release(fa.queueName)
	}
}

// Abandon flushes and drops the buffer of a file that was failed elsewhere,
// preserving the partial ACK.
func (a *Assembler) Abandon(ctx context.Context, messageID string) {
	a.mu.Lock()
	fa, ok := a.files[messageID]
	delete(a.files, messageID)
	a.mu.Unlock()
	if !ok {
		return
	}
	if fa.pending > 0 {
		if err := a.flush(ctx, fa); err != nil {
			a.log.Error().Err(err).Str("message_id", messageID).Msg("ack flush on abandon failed")
		}
	}
}

// ackRecord maps one envelope to its ACK row. Success requires a clean
// envelope whose action was applied.
func ackRecord(env *Envelope, delivered bool) []string {
	if delivered && len(env.Diagnostics) == 0 {
		return []string{
			env.MessageID(), "Success", "Information", "OK", "20013",
			ackResponseType, "20013", "Success",
			env.CreatedAt, "", "", "true",
		}
	}
	return []string{
		env.MessageID(), "Failure", "Fatal", "Fatal Error", "10001",
		ackResponseType, "10002", "Infrastructure Level Response Value - Processing Error",
		env.CreatedAt, "", "", "false",
	}
}

// ackObjectKey derives ack/<source-basename>_InfAck_<YYYYMMDDTHHMMSSmm>.csv,
// mm being centiseconds.
func ackObjectKey(sourceKey string, at time.Time) string {
	base := path.Base(sourceKey)
	if ext := path.Ext(base); strings.EqualFold(ext, ".csv") {
		base = base[:len(base)-len(ext)]
	}
	stamp := fmt.Sprintf("%s%02d", at.Format("20060102T150405"), at.Nanosecond()/1e7)
	return "ack/" + base + "_InfAck_" + stamp + ".csv"
}
