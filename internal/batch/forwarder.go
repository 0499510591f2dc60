package batch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/imms/imms/internal/platform/queue"
)

// DefaultPublishTries bounds shard stream publish attempts per envelope.
const DefaultPublishTries = 3

// Forwarder publishes envelopes onto the shard stream. Callers invoke
// Forward in ascending row order; together with the stream's partition-key
// ordering contract that keeps rows of a file in sequence downstream.
type Forwarder struct {
	stream     queue.RecordStream
	maxTries   uint
	newBackOff func() backoff.BackOff
	log        zerolog.Logger
}

func NewForwarder(stream queue.RecordStream, log zerolog.Logger) *Forwarder {
	return &Forwarder{
		stream:     stream,
		maxTries:   DefaultPublishTries,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		log:        log.With().Str("component", "forwarder").Logger(),
	}
}

// Forward publishes the envelope, retrying with exponential backoff. When
// every attempt fails the envelope is replaced by an ACK-only one carrying
// an UNHANDLED diagnostic, so the ACK assembler still counts the row. Only
// failure to publish even that substitute is an error.
func (f *Forwarder) Forward(ctx context.Context, env *Envelope) error {
	err := f.publish(ctx, env)
	if err == nil {
		return nil
	}
	f.log.Error().Err(err).Str("row_id", env.RowID).Msg("publish failed, emitting ack-only envelope")

	substitute := &Envelope{
		RowID:       env.RowID,
		FileKey:     env.FileKey,
		VaccineType: env.VaccineType,
		Supplier:    env.Supplier,
		CreatedAt:   env.CreatedAt,
		Diagnostics: []Diag{{Code: DiagUnhandled, Message: "row could not be published to the shard stream"}},
	}
	if err := f.publish(ctx, substitute); err != nil {
		return fmt.Errorf("%w: %w", queue.ErrUnhandled, err)
	}
	return nil
}

func (f *Forwarder) publish(ctx context.Context, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, f.stream.Publish(ctx, env.PartitionKey(), data)
	},
		backoff.WithBackOff(f.newBackOff()),
		backoff.WithMaxTries(f.maxTries))
	return err
}
