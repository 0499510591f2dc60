package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultMaxTries bounds audit operation attempts before ErrUnhandled.
const DefaultMaxTries = 3

// Retrying decorates a Repo with exponential backoff. Transient failures
// are retried up to maxTries; exhaustion surfaces ErrUnhandled wrapped
// around the terminal cause. ErrNotFound and ErrConflict are outcomes, not
// faults, and pass through without retrying.
type Retrying struct {
	inner      Repo
	maxTries   uint
	newBackOff func() backoff.BackOff
}

// NewRetrying wraps inner. maxTries <= 0 selects DefaultMaxTries.
func NewRetrying(inner Repo, maxTries int) *Retrying {
	tries := uint(DefaultMaxTries)
	if maxTries > 0 {
		tries = uint(maxTries)
	}
	return &Retrying{
		inner:      inner,
		maxTries:   tries,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

func retry[T any](ctx context.Context, r *Retrying, op func() (T, error)) (T, error) {
	out, err := backoff.Retry(ctx, func() (T, error) {
		out, err := op()
		if err != nil && (errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict)) {
			return out, backoff.Permanent(err)
		}
		return out, err
	},
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(r.maxTries))
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrConflict) {
		return out, fmt.Errorf("%w: %w", ErrUnhandled, err)
	}
	return out, err
}

func (r *Retrying) CreateQueued(ctx context.Context, e *Entry) error {
	_, err := retry(ctx, r, func() (struct{}, error) {
		return struct{}{}, r.inner.CreateQueued(ctx, e)
	})
	return err
}

func (r *Retrying) CreateNotProcessed(ctx context.Context, e *Entry, reason string) error {
	_, err := retry(ctx, r, func() (struct{}, error) {
		return struct{}{}, r.inner.CreateNotProcessed(ctx, e, reason)
	})
	return err
}

func (r *Retrying) ClaimNextQueued(ctx context.Context, queueName string) (*Entry, error) {
	return retry(ctx, r, func() (*Entry, error) {
		return r.inner.ClaimNextQueued(ctx, queueName)
	})
}

func (r *Retrying) SetRecordCount(ctx context.Context, messageID string, count int) error {
	_, err := retry(ctx, r, func() (struct{}, error) {
		return struct{}{}, r.inner.SetRecordCount(ctx, messageID, count)
	})
	return err
}

func (r *Retrying) Complete(ctx context.Context, messageID string, status Status, errorDetails string) error {
	_, err := retry(ctx, r, func() (struct{}, error) {
		return struct{}{}, r.inner.Complete(ctx, messageID, status, errorDetails)
	})
	return err
}

func (r *Retrying) StaleProcessing(ctx context.Context, olderThan time.Time) ([]*Entry, error) {
	return retry(ctx, r, func() ([]*Entry, error) {
		return r.inner.StaleProcessing(ctx, olderThan)
	})
}

func (r *Retrying) GetByMessageID(ctx context.Context, messageID string) (*Entry, error) {
	return retry(ctx, r, func() (*Entry, error) {
		return r.inner.GetByMessageID(ctx, messageID)
	})
}

func (r *Retrying) ListByQueue(ctx context.Context, queueName string) ([]*Entry, error) {
	return retry(ctx, r, func() ([]*Entry, error) {
		return r.inner.ListByQueue(ctx, queueName)
	})
}
