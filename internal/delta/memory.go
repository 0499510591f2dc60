package delta

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is a thread-safe in-memory Repo for testing and development.
type MemoryRepo struct {
	mu      sync.Mutex
	entries []*Entry
}

// NewMemoryRepo returns an empty MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{}
}

func cloneEntry(e *Entry) *Entry {
	out := *e
	if e.Flat != nil {
		out.Flat = make(map[string]string, len(e.Flat))
		for k, v := range e.Flat {
			out.Flat[k] = v
		}
	}
	return &out
}

func (r *MemoryRepo) Append(_ context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.entries {
		if existing.ImmsID == e.ImmsID && existing.DateTimeStamp == e.DateTimeStamp {
			r.entries[i] = cloneEntry(e)
			return nil
		}
	}
	r.entries = append(r.entries, cloneEntry(e))
	return nil
}

func (r *MemoryRepo) ListByID(_ context.Context, immsID string) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Entry
	for _, e := range r.entries {
		if e.ImmsID == immsID {
			out = append(out, cloneEntry(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DateTimeStamp < out[j].DateTimeStamp
	})
	return out, nil
}

func (r *MemoryRepo) SearchByOperation(_ context.Context, operation, from, to string) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Entry
	for _, e := range r.entries {
		if e.Operation != operation {
			continue
		}
		if from != "" && e.DateTimeStamp < from {
			continue
		}
		if to != "" && e.DateTimeStamp > to {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DateTimeStamp < out[j].DateTimeStamp
	})
	return out, nil
}
