package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/imms/imms/internal/audit"
	"github.com/imms/imms/internal/platform/objstore"
	"github.com/imms/imms/internal/platform/queue"
	"github.com/imms/imms/internal/refdata"
	"github.com/imms/imms/internal/validation"
)

// OrchestratorConfig carries the orchestrator's collaborators and knobs.
type OrchestratorConfig struct {
	Files        queue.FileQueue
	FileQueue    string
	Store        objstore.Store
	SourceBucket string
	Cache        refdata.Cache
	Audit        audit.Repo
	Processor    *RowProcessor
	Forwarder    *Forwarder
	Assembler    *Assembler
	Workers      int
	WatchdogAge  time.Duration
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// Orchestrator drives the pipeline: it consumes file messages, keeps one
// goroutine per partition claiming audit entries, fans rows of a claimed
// file across a bounded worker pool with ordered emission, and watchdogs
// entries stuck in Processing. Partitions run independently of each other;
// within a partition at most one file is in flight, enforced by the audit
// claim transition rather than by process-local state.
type Orchestrator struct {
	files        queue.FileQueue
	fileQueue    string
	store        objstore.Store
	sourceBucket string
	cache        refdata.Cache
	audit        audit.Repo
	processor    *RowProcessor
	forwarder    *Forwarder
	assembler    *Assembler
	schema       validation.Schema
	workers      int
	watchdogAge  time.Duration
	pollInterval time.Duration
	log          zerolog.Logger

	mu         sync.Mutex
	partitions map[string]chan struct{}
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.WatchdogAge <= 0 {
		cfg.WatchdogAge = time.Hour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	o := &Orchestrator{
		files:        cfg.Files,
		fileQueue:    cfg.FileQueue,
		store:        cfg.Store,
		sourceBucket: cfg.SourceBucket,
		cache:        cfg.Cache,
		audit:        cfg.Audit,
		processor:    cfg.Processor,
		forwarder:    cfg.Forwarder,
		assembler:    cfg.Assembler,
		schema:       validation.DefaultSchema(),
		workers:      cfg.Workers,
		watchdogAge:  cfg.WatchdogAge,
		pollInterval: cfg.PollInterval,
		log:          cfg.Logger.With().Str("component", "orchestrator").Logger(),
		partitions:   make(map[string]chan struct{}),
	}
	o.assembler.release = o.Release
	return o
}

// Run consumes file messages until the context ends, spawning partition
// runners and ACK consumers as new queue names appear.
func (o *Orchestrator) Run(ctx context.Context) error {
	go o.watchdog(ctx)
	for {
		msg, err := o.files.Receive(ctx, o.fileQueue)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("receive file message: %w", err)
		}
		var fm fileMessage
		if err := json.Unmarshal(msg.Data, &fm); err != nil {
			o.log.Error().Err(err).Msg("undecodable file message dropped")
			continue
		}
		o.ensurePartition(ctx, fm.QueueName)
		o.Release(fm.QueueName)
	}
}

// Release nudges a partition runner to look for claimable work. The ACK
// assembler calls it when a file completes; signals coalesce.
func (o *Orchestrator) Release(queueName string) {
	o.mu.Lock()
	wake, ok := o.partitions[queueName]
	o.mu.Unlock()
	if !ok {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) ensurePartition(ctx context.Context, queueName string) {
	if queueName == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.partitions[queueName]; ok {
		return
	}
	wake := make(chan struct{}, 1)
	o.partitions[queueName] = wake
	go o.runPartition(ctx, queueName, wake)
	go func() {
		if err := o.assembler.Run(ctx, queueName); err != nil && ctx.Err() == nil {
			o.log.Error().Err(err).Str("queue", queueName).Msg("ack consumer stopped")
		}
	}()
}

// runPartition claims and processes Queued entries of one queue name. The
// ticker backstops lost wake signals, e.g. entries queued before a restart.
func (o *Orchestrator) runPartition(ctx context.Context, queueName string, wake <-chan struct{}) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
		for {
			entry, err := o.audit.ClaimNextQueued(ctx, queueName)
			if err != nil {
				if ctx.Err() == nil {
					o.log.Error().Err(err).Str("queue", queueName).Msg("claim failed")
				}
				break
			}
			if entry == nil {
				break
			}
			o.processFile(ctx, entry)
		}
	}
}

// processFile streams one claimed file: header check, then chunks of up to
// `workers` rows processed in parallel and forwarded strictly in row order.
// Completion of the audit entry is the ACK assembler's job; this side only
// fails the entry when the file itself cannot be read or forwarded.
func (o *Orchestrator) processFile(ctx context.Context, entry *audit.Entry) {
	log := o.log.With().Str("message_id", entry.MessageID).Str("queue", entry.QueueName).Logger()
	log.Info().Str("key", entry.Filename).Msg("processing file")

	fk, err := ParseFileKey(ctx, o.cache, entry.Filename)
	if err != nil {
		o.failFile(ctx, entry, fmt.Errorf("re-validate file key: %w", err))
		return
	}

	rc, _, err := o.store.Get(ctx, o.sourceBucket, entry.Filename)
	if err != nil {
		o.failFile(ctx, entry, fmt.Errorf("fetch source object: %w", err))
		return
	}
	defer rc.Close()

	reader := newCSVReader(rc)
	header, err := reader.Read()
	if err != nil {
		o.failFile(ctx, entry, fmt.Errorf("read header: %w", err))
		return
	}
	if err := o.schema.CheckHeader(header); err != nil {
		o.failFile(ctx, entry, err)
		return
	}

	index := 0
	chunk := make([][]string, 0, o.workers)
	results := make([]*Envelope, o.workers)
	forwardChunk := func() error {
		var wg sync.WaitGroup
		for i, record := range chunk {
			wg.Add(1)
			go func(i int, record []string) {
				defer wg.Done()
				results[i] = o.processor.Process(ctx, fk, entry.MessageID, index+i+1, record)
			}(i, record)
		}
		wg.Wait()
		for i := range chunk {
			if err := o.forwarder.Forward(ctx, results[i]); err != nil {
				return fmt.Errorf("forward row %d: %w", index+i+1, err)
			}
		}
		index += len(chunk)
		chunk = chunk[:0]
		return nil
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			o.failFile(ctx, entry, fmt.Errorf("read row %d: %w", index+len(chunk)+1, err))
			return
		}
		chunk = append(chunk, record)
		if len(chunk) == o.workers {
			if err := forwardChunk(); err != nil {
				o.failFile(ctx, entry, err)
				return
			}
		}
	}
	if err := forwardChunk(); err != nil {
		o.failFile(ctx, entry, err)
		return
	}
	log.Info().Int("rows", index).Msg("file forwarded")
}

// failFile completes the entry as Failed, preserves any partial ACK and
// wakes the partition so the next file is promoted.
func (o *Orchestrator) failFile(ctx context.Context, entry *audit.Entry, cause error) {
	o.log.Error().Err(cause).Str("message_id", entry.MessageID).Msg("file failed")
	if err := o.audit.Complete(ctx, entry.MessageID, audit.StatusFailed, cause.Error()); err != nil {
		o.log.Error().Err(err).Str("message_id", entry.MessageID).Msg("audit completion failed")
	}
	o.assembler.Abandon(ctx, entry.MessageID)
	o.Release(entry.QueueName)
}

// watchdog fails entries stuck in Processing longer than watchdogAge and
// wakes their partitions. ErrConflict means the entry completed between
// the query and the transition, which is the healthy race.
func (o *Orchestrator) watchdog(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cutoff := time.Now().UTC().Add(-o.watchdogAge)
		stale, err := o.audit.StaleProcessing(ctx, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				o.log.Error().Err(err).Msg("stale scan failed")
			}
			continue
		}
		for _, entry := range stale {
			details := fmt.Sprintf("watchdog: processing since %s exceeded %s",
				entry.Timestamp.UTC().Format(time.RFC3339), o.watchdogAge)
			err := o.audit.Complete(ctx, entry.MessageID, audit.StatusFailed, details)
			switch {
			case err == nil:
				o.log.Warn().Str("message_id", entry.MessageID).Str("queue", entry.QueueName).Msg("stale file failed by watchdog")
				o.assembler.Abandon(ctx, entry.MessageID)
			case errors.Is(err, audit.ErrConflict):
			default:
				o.log.Error().Err(err).Str("message_id", entry.MessageID).Msg("watchdog completion failed")
			}
			o.ensurePartition(ctx, entry.QueueName)
			o.Release(entry.QueueName)
		}
	}
}
