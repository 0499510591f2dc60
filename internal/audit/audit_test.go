package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func seedQueued(t *testing.T, repo Repo, messageID, queueName string) *Entry {
	t.Helper()
	e := &Entry{
		MessageID: messageID,
		Filename:  "COVID19_Vaccinations_V5_X26_20250406T120000.csv",
		QueueName: queueName,
		ExpiresAt: time.Now().UTC().Add(14 * 24 * time.Hour),
	}
	if err := repo.CreateQueued(context.Background(), e); err != nil {
		t.Fatalf("seedQueued %s: %v", messageID, err)
	}
	return e
}

// ---------------------------------------------------------------------------
// State machine tests
// ---------------------------------------------------------------------------

func TestMemoryRepo_CreateQueued(t *testing.T) {
	repo := NewMemoryRepo()
	seedQueued(t, repo, "msg-1", "EMIS_COVID19")

	e, err := repo.GetByMessageID(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Status != StatusQueued {
		t.Errorf("expected status Queued, got %s", e.Status)
	}
	if e.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}
	if e.RecordCount != nil {
		t.Errorf("expected nil record count, got %d", *e.RecordCount)
	}
}

func TestMemoryRepo_CreateNotProcessed(t *testing.T) {
	repo := NewMemoryRepo()
	e := &Entry{MessageID: "msg-1", Filename: "bad.csv", QueueName: "EMIS_COVID19"}

	if err := repo.CreateNotProcessed(context.Background(), e, ReasonUnauthorised); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := repo.GetByMessageID(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusNotProcessed {
		t.Errorf("expected status Not-processed, got %s", got.Status)
	}
	if got.ErrorDetails == nil || *got.ErrorDetails != ReasonUnauthorised {
		t.Errorf("expected error details %q, got %v", ReasonUnauthorised, got.ErrorDetails)
	}
	if !got.Status.Terminal() {
		t.Error("expected Not-processed to be terminal")
	}
}

func TestMemoryRepo_ClaimNextQueuedFIFO(t *testing.T) {
	repo := NewMemoryRepo()
	seedQueued(t, repo, "msg-1", "EMIS_COVID19")
	seedQueued(t, repo, "msg-2", "EMIS_COVID19")

	claimed, err := repo.ClaimNextQueued(context.Background(), "EMIS_COVID19")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed == nil || claimed.MessageID != "msg-1" {
		t.Fatalf("expected msg-1 claimed first, got %+v", claimed)
	}
	if claimed.Status != StatusProcessing {
		t.Errorf("expected status Processing, got %s", claimed.Status)
	}
}

func TestMemoryRepo_ClaimBlockedByProcessing(t *testing.T) {
	repo := NewMemoryRepo()
	seedQueued(t, repo, "msg-1", "EMIS_COVID19")
	seedQueued(t, repo, "msg-2", "EMIS_COVID19")

	if _, err := repo.ClaimNextQueued(context.Background(), "EMIS_COVID19"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := repo.ClaimNextQueued(context.Background(), "EMIS_COVID19")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != nil {
		t.Fatalf("expected nil while msg-1 is Processing, got %+v", second)
	}
}

func TestMemoryRepo_ClaimEmptyQueue(t *testing.T) {
	repo := NewMemoryRepo()

	claimed, err := repo.ClaimNextQueued(context.Background(), "EMIS_COVID19")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected nil on empty queue, got %+v", claimed)
	}
}

func TestMemoryRepo_ClaimOtherQueueUnaffected(t *testing.T) {
	repo := NewMemoryRepo()
	seedQueued(t, repo, "msg-1", "EMIS_COVID19")
	seedQueued(t, repo, "msg-2", "TPP_FLU")

	if _, err := repo.ClaimNextQueued(context.Background(), "EMIS_COVID19"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	claimed, err := repo.ClaimNextQueued(context.Background(), "TPP_FLU")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed == nil || claimed.MessageID != "msg-2" {
		t.Fatalf("expected msg-2 claimable on its own queue, got %+v", claimed)
	}
}

func TestMemoryRepo_SingleProcessingUnderConcurrentClaims(t *testing.T) {
	repo := NewMemoryRepo()
	for i := 0; i < 5; i++ {
		seedQueued(t, repo, fmt.Sprintf("msg-%d", i), "EMIS_COVID19")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var claimedIDs []string
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := repo.ClaimNextQueued(context.Background(), "EMIS_COVID19")
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if e != nil {
				mu.Lock()
				claimedIDs = append(claimedIDs, e.MessageID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimedIDs) != 1 {
		t.Fatalf("expected exactly one successful claim, got %d: %v", len(claimedIDs), claimedIDs)
	}

	entries, _ := repo.ListByQueue(context.Background(), "EMIS_COVID19")
	processing := 0
	for _, e := range entries {
		if e.Status == StatusProcessing {
			processing++
		}
	}
	if processing != 1 {
		t.Errorf("expected one Processing entry, got %d", processing)
	}
}

func TestMemoryRepo_CompleteLifecycle(t *testing.T) {
	repo := NewMemoryRepo()
	seedQueued(t, repo, "msg-1", "EMIS_COVID19")

	if _, err := repo.ClaimNextQueued(context.Background(), "EMIS_COVID19"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := repo.Complete(context.Background(), "msg-1", StatusProcessed, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e, _ := repo.GetByMessageID(context.Background(), "msg-1")
	if e.Status != StatusProcessed {
		t.Errorf("expected status Processed, got %s", e.Status)
	}

	// Second completion loses the conditional transition.
	if err := repo.Complete(context.Background(), "msg-1", StatusFailed, "late"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMemoryRepo_CompleteRequiresProcessing(t *testing.T) {
	repo := NewMemoryRepo()
	seedQueued(t, repo, "msg-1", "EMIS_COVID19")

	err := repo.Complete(context.Background(), "msg-1", StatusProcessed, "")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on Queued entry, got %v", err)
	}
}

func TestMemoryRepo_CompleteRejectsNonTerminal(t *testing.T) {
	repo := NewMemoryRepo()
	seedQueued(t, repo, "msg-1", "EMIS_COVID19")
	repo.ClaimNextQueued(context.Background(), "EMIS_COVID19")

	err := repo.Complete(context.Background(), "msg-1", StatusQueued, "")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for non-terminal target, got %v", err)
	}
}

func TestMemoryRepo_CompleteFailedRecordsDetails(t *testing.T) {
	repo := NewMemoryRepo()
	seedQueued(t, repo, "msg-1", "EMIS_COVID19")
	repo.ClaimNextQueued(context.Background(), "EMIS_COVID19")

	if err := repo.Complete(context.Background(), "msg-1", StatusFailed, "unhandled queue error"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e, _ := repo.GetByMessageID(context.Background(), "msg-1")
	if e.Status != StatusFailed {
		t.Errorf("expected status Failed, got %s", e.Status)
	}
	if e.ErrorDetails == nil || *e.ErrorDetails != "unhandled queue error" {
		t.Errorf("expected error details recorded, got %v", e.ErrorDetails)
	}
}

func TestMemoryRepo_SetRecordCount(t *testing.T) {
	repo := NewMemoryRepo()
	seedQueued(t, repo, "msg-1", "EMIS_COVID19")

	if err := repo.SetRecordCount(context.Background(), "msg-1", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e, _ := repo.GetByMessageID(context.Background(), "msg-1")
	if e.RecordCount == nil || *e.RecordCount != 3 {
		t.Errorf("expected record count 3, got %v", e.RecordCount)
	}

	if err := repo.SetRecordCount(context.Background(), "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRepo_StaleProcessing(t *testing.T) {
	repo := NewMemoryRepo()
	seedQueued(t, repo, "msg-old", "EMIS_COVID19")
	seedQueued(t, repo, "msg-new", "TPP_FLU")

	repo.ClaimNextQueued(context.Background(), "EMIS_COVID19")
	repo.ClaimNextQueued(context.Background(), "TPP_FLU")

	// Only entries claimed before the cutoff are stale.
	cutoff := time.Now().UTC().Add(time.Minute)
	stale, err := repo.StaleProcessing(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stale) != 2 {
		t.Fatalf("expected 2 stale entries against future cutoff, got %d", len(stale))
	}

	stale, err = repo.StaleProcessing(context.Background(), time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected no stale entries against past cutoff, got %d", len(stale))
	}
}

func TestMemoryRepo_GetByMessageIDNotFound(t *testing.T) {
	repo := NewMemoryRepo()

	if _, err := repo.GetByMessageID(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRepo_ListByQueueOrder(t *testing.T) {
	repo := NewMemoryRepo()
	seedQueued(t, repo, "msg-1", "EMIS_COVID19")
	seedQueued(t, repo, "msg-2", "EMIS_COVID19")
	seedQueued(t, repo, "msg-3", "TPP_FLU")

	entries, err := repo.ListByQueue(context.Background(), "EMIS_COVID19")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].MessageID != "msg-1" || entries[1].MessageID != "msg-2" {
		t.Errorf("expected FIFO order msg-1, msg-2; got %s, %s", entries[0].MessageID, entries[1].MessageID)
	}
}

// ---------------------------------------------------------------------------
// Retrying decorator tests
// ---------------------------------------------------------------------------

// flakyRepo fails every operation failures times, then delegates to inner.
type flakyRepo struct {
	Repo
	mu       sync.Mutex
	failures int
	calls    int
	err      error
}

func (f *flakyRepo) trip() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyRepo) CreateQueued(ctx context.Context, e *Entry) error {
	if err := f.trip(); err != nil {
		return err
	}
	return f.Repo.CreateQueued(ctx, e)
}

func (f *flakyRepo) GetByMessageID(ctx context.Context, messageID string) (*Entry, error) {
	if err := f.trip(); err != nil {
		return nil, err
	}
	return f.Repo.GetByMessageID(ctx, messageID)
}

func newTestRetrying(inner Repo, maxTries int) *Retrying {
	r := NewRetrying(inner, maxTries)
	r.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return r
}

func TestRetrying_RecoversFromTransientFailure(t *testing.T) {
	flaky := &flakyRepo{Repo: NewMemoryRepo(), failures: 2, err: errors.New("connection reset")}
	repo := newTestRetrying(flaky, 3)

	err := repo.CreateQueued(context.Background(), &Entry{MessageID: "msg-1", QueueName: "EMIS_COVID19"})
	if err != nil {
		t.Fatalf("expected recovery within 3 tries, got %v", err)
	}
	if flaky.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", flaky.calls)
	}
}

func TestRetrying_ExhaustionSurfacesErrUnhandled(t *testing.T) {
	flaky := &flakyRepo{Repo: NewMemoryRepo(), failures: 10, err: errors.New("connection reset")}
	repo := newTestRetrying(flaky, 3)

	err := repo.CreateQueued(context.Background(), &Entry{MessageID: "msg-1", QueueName: "EMIS_COVID19"})
	if !errors.Is(err, ErrUnhandled) {
		t.Fatalf("expected ErrUnhandled, got %v", err)
	}
	if flaky.calls != 3 {
		t.Errorf("expected 3 attempts before exhaustion, got %d", flaky.calls)
	}
}

func TestRetrying_NotFoundIsNotRetried(t *testing.T) {
	flaky := &flakyRepo{Repo: NewMemoryRepo(), failures: 0}
	repo := newTestRetrying(flaky, 3)

	_, err := repo.GetByMessageID(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if errors.Is(err, ErrUnhandled) {
		t.Error("ErrNotFound must not be wrapped in ErrUnhandled")
	}
	if flaky.calls != 1 {
		t.Errorf("expected a single attempt, got %d", flaky.calls)
	}
}

func TestRetrying_ConflictIsNotRetried(t *testing.T) {
	mem := NewMemoryRepo()
	seedQueued(t, mem, "msg-1", "EMIS_COVID19")
	repo := newTestRetrying(mem, 3)

	err := repo.Complete(context.Background(), "msg-1", StatusProcessed, "")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if errors.Is(err, ErrUnhandled) {
		t.Error("ErrConflict must not be wrapped in ErrUnhandled")
	}
}
