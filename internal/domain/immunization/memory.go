package immunization

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRepository is a thread-safe in-memory Repository for testing and
// development. Records are cloned through JSON on the way in and out, so
// callers never share resource pointers with the store.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*Record)}
}

func cloneRecord(rec *Record) *Record {
	raw, _ := json.Marshal(rec)
	var out Record
	_ = json.Unmarshal(raw, &out)
	return &out
}

func (r *MemoryRepository) Insert(_ context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[rec.ID]; exists {
		return fmt.Errorf("duplicate record id %s", rec.ID)
	}
	for _, stored := range r.records {
		if !stored.IsDeleted &&
			stored.IdentifierSystem == rec.IdentifierSystem &&
			stored.IdentifierValue == rec.IdentifierValue {
			return ErrDuplicateIdentifier
		}
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	r.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (r *MemoryRepository) FindByIdentifier(_ context.Context, system, value string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *Record
	for _, rec := range r.records {
		if rec.IdentifierSystem != system || rec.IdentifierValue != value {
			continue
		}
		if latest == nil || rec.UpdatedAt.After(latest.UpdatedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneRecord(latest), nil
}

func (r *MemoryRepository) Update(_ context.Context, rec *Record, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.records[rec.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	if !rec.IsDeleted {
		for id, other := range r.records {
			if id != rec.ID && !other.IsDeleted &&
				other.IdentifierSystem == rec.IdentifierSystem &&
				other.IdentifierValue == rec.IdentifierValue {
				return ErrDuplicateIdentifier
			}
		}
	}
	rec.UpdatedAt = time.Now().UTC()
	r.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (r *MemoryRepository) ListByPatient(_ context.Context, patientPK, skPrefix string) ([]*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var recs []*Record
	for _, rec := range r.records {
		if rec.IsDeleted || rec.PatientPK != patientPK {
			continue
		}
		if !strings.HasPrefix(rec.PatientSK, skPrefix) {
			continue
		}
		recs = append(recs, cloneRecord(rec))
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].PatientSK < recs[j].PatientSK })
	return recs, nil
}
