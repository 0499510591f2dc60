package audit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRepo is a thread-safe in-memory Repo for testing and development.
// One mutex guards the whole table, which makes every transition trivially
// conditional.
type MemoryRepo struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   []string
}

// NewMemoryRepo returns an empty MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{entries: make(map[string]*Entry)}
}

func (r *MemoryRepo) insert(e *Entry, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[e.MessageID]; exists {
		return fmt.Errorf("duplicate message_id %s", e.MessageID)
	}
	e.Status = status
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	stored := *e
	r.entries[e.MessageID] = &stored
	r.order = append(r.order, e.MessageID)
	return nil
}

func (r *MemoryRepo) CreateQueued(_ context.Context, e *Entry) error {
	return r.insert(e, StatusQueued)
}

func (r *MemoryRepo) CreateNotProcessed(_ context.Context, e *Entry, reason string) error {
	e.ErrorDetails = &reason
	return r.insert(e, StatusNotProcessed)
}

func (r *MemoryRepo) ClaimNextQueued(_ context.Context, queueName string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		e := r.entries[id]
		if e.QueueName == queueName && e.Status == StatusProcessing {
			return nil, nil
		}
	}
	for _, id := range r.order {
		e := r.entries[id]
		if e.QueueName == queueName && e.Status == StatusQueued {
			e.Status = StatusProcessing
			e.Timestamp = time.Now().UTC()
			out := *e
			return &out, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepo) SetRecordCount(_ context.Context, messageID string, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[messageID]
	if !ok {
		return ErrNotFound
	}
	c := count
	e.RecordCount = &c
	return nil
}

func (r *MemoryRepo) Complete(_ context.Context, messageID string, status Status, errorDetails string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not a terminal status", ErrConflict, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[messageID]
	if !ok || e.Status != StatusProcessing {
		return ErrConflict
	}
	e.Status = status
	e.Timestamp = time.Now().UTC()
	if errorDetails != "" {
		details := errorDetails
		e.ErrorDetails = &details
	}
	return nil
}

func (r *MemoryRepo) StaleProcessing(_ context.Context, olderThan time.Time) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []*Entry
	for _, id := range r.order {
		e := r.entries[id]
		if e.Status == StatusProcessing && e.Timestamp.Before(olderThan) {
			out := *e
			stale = append(stale, &out)
		}
	}
	return stale, nil
}

func (r *MemoryRepo) GetByMessageID(_ context.Context, messageID string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *e
	return &out, nil
}

func (r *MemoryRepo) ListByQueue(_ context.Context, queueName string) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []*Entry
	for _, id := range r.order {
		e := r.entries[id]
		if e.QueueName == queueName {
			out := *e
			entries = append(entries, &out)
		}
	}
	return entries, nil
}
