package delta

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/imms/imms/internal/convert"
	"github.com/imms/imms/internal/platform/fhir"
)

// flakyRepo fails the first n appends, then accepts.
type flakyRepo struct {
	*MemoryRepo
	mu       sync.Mutex
	failures int
	appends  int
}

func (r *flakyRepo) Append(ctx context.Context, e *Entry) error {
	r.mu.Lock()
	r.appends++
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return errors.New("delta store unavailable")
	}
	r.mu.Unlock()
	return r.MemoryRepo.Append(ctx, e)
}

func (r *flakyRepo) appendCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appends
}

func newTestProjector(repo Repo) *Projector {
	p := NewProjector(repo, zerolog.Nop())
	p.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	p.now = func() time.Time {
		return time.Date(2025, 4, 6, 12, 30, 0, 0, time.UTC)
	}
	return p
}

func projectorResource(id string) *fhir.Immunization {
	truth := true
	return &fhir.Immunization{
		ResourceType: fhir.ResourceTypeImmunization,
		ID:           id,
		Status:       "completed",
		Identifier: []fhir.Identifier{
			{System: "https://supplierABC/identifiers/vacc", Value: "proj-" + id},
		},
		Contained: []fhir.ContainedResource{{
			ResourceType: "Patient",
			ID:           "Pat1",
			Identifier:   []fhir.Identifier{{System: fhir.SystemNHSNumber, Value: "9674963871"}},
		}},
		Patient:            &fhir.Reference{Reference: "#Pat1"},
		OccurrenceDateTime: "2025-04-06T13:28:17+01:00",
		PrimarySource:      &truth,
		VaccineCode: &fhir.CodeableConcept{
			Coding: []fhir.Coding{{System: fhir.SystemSNOMED, Code: "871765009"}},
		},
		Performer: []fhir.ImmunizationPerformer{
			{Actor: &fhir.Reference{
				Type:       "Organization",
				Identifier: &fhir.Identifier{System: fhir.SystemODSOrganizationCode, Value: "RJC02"},
			}},
		},
	}
}

func TestProjector_RecordAppendsEntry(t *testing.T) {
	repo := NewMemoryRepo()
	p := newTestProjector(repo)

	p.Record(context.Background(), OpCreate, "EMIS", "FLU", projectorResource("rec-1"))

	entries, err := repo.ListByID(context.Background(), "rec-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Operation != OpCreate || e.Source != "EMIS" || e.VaccineType != "FLU" {
		t.Errorf("entry tags wrong: %+v", e)
	}
	if e.DateTimeStamp != "20250406T12300000" {
		t.Errorf("expected stamp 20250406T12300000, got %q", e.DateTimeStamp)
	}
	if e.Flat["NHS_NUMBER"] != "9674963871" {
		t.Errorf("expected flat NHS number, got %q", e.Flat["NHS_NUMBER"])
	}
	if e.Flat["UNIQUE_ID"] != "proj-rec-1" {
		t.Errorf("expected flat unique id, got %q", e.Flat["UNIQUE_ID"])
	}
	if _, ok := e.Flat[convert.ColumnActionFlag]; ok {
		t.Error("flat projection must not carry ACTION_FLAG")
	}
}

func TestProjector_RetriesTransientFailure(t *testing.T) {
	repo := &flakyRepo{MemoryRepo: NewMemoryRepo(), failures: 2}
	p := newTestProjector(repo)

	p.Record(context.Background(), OpUpdate, "TPP", "COVID19", projectorResource("rec-2"))

	if got := repo.appendCalls(); got != 3 {
		t.Errorf("expected 3 append attempts, got %d", got)
	}
	entries, _ := repo.ListByID(context.Background(), "rec-2")
	if len(entries) != 1 {
		t.Fatalf("expected the retried entry to land, got %d", len(entries))
	}
}

func TestProjector_DropsEntryAfterExhaustion(t *testing.T) {
	repo := &flakyRepo{MemoryRepo: NewMemoryRepo(), failures: DefaultAppendTries}
	p := newTestProjector(repo)

	p.Record(context.Background(), OpCreate, "EMIS", "FLU", projectorResource("rec-3"))

	if got := repo.appendCalls(); got != DefaultAppendTries {
		t.Errorf("expected %d append attempts, got %d", DefaultAppendTries, got)
	}
	entries, _ := repo.ListByID(context.Background(), "rec-3")
	if len(entries) != 0 {
		t.Fatalf("exhausted entry must be dropped, got %d entries", len(entries))
	}
}

func TestProjector_BreakerShedsWhileOpen(t *testing.T) {
	repo := &flakyRepo{MemoryRepo: NewMemoryRepo(), failures: 100}
	p := newTestProjector(repo)
	ctx := context.Background()

	// Five exhausted records trip the breaker; the rest are shed without
	// reaching the store.
	for i := 0; i < 8; i++ {
		p.Record(ctx, OpCreate, "EMIS", "FLU", projectorResource("rec-4"))
	}

	want := 5 * DefaultAppendTries
	if got := repo.appendCalls(); got != want {
		t.Errorf("expected %d append attempts before the breaker opened, got %d", want, got)
	}
}

func TestProjector_SequenceKeepsCommitOrder(t *testing.T) {
	repo := NewMemoryRepo()
	p := newTestProjector(repo)
	base := time.Date(2025, 4, 6, 12, 30, 0, 0, time.UTC)
	step := 0
	p.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}
	ctx := context.Background()

	p.Record(ctx, OpCreate, "EMIS", "FLU", projectorResource("rec-5"))
	p.Record(ctx, OpUpdate, "EMIS", "FLU", projectorResource("rec-5"))
	p.Record(ctx, OpDelete, "EMIS", "FLU", projectorResource("rec-5"))

	entries, err := repo.ListByID(ctx, "rec-5")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	ops := []string{entries[0].Operation, entries[1].Operation, entries[2].Operation}
	if ops[0] != OpCreate || ops[1] != OpUpdate || ops[2] != OpDelete {
		t.Errorf("expected CREATE,UPDATE,DELETE order, got %v", ops)
	}
}

func TestProjector_SameStampCoalesces(t *testing.T) {
	repo := NewMemoryRepo()
	p := newTestProjector(repo)
	ctx := context.Background()

	p.Record(ctx, OpCreate, "EMIS", "FLU", projectorResource("rec-6"))
	p.Record(ctx, OpUpdate, "EMIS", "FLU", projectorResource("rec-6"))

	entries, _ := repo.ListByID(ctx, "rec-6")
	if len(entries) != 1 {
		t.Fatalf("expected same-stamp writes to coalesce, got %d entries", len(entries))
	}
	if entries[0].Operation != OpUpdate {
		t.Errorf("expected the later write to win, got %q", entries[0].Operation)
	}
}
