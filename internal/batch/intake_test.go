package batch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/imms/imms/internal/audit"
	"github.com/imms/imms/internal/platform/objstore"
	"github.com/imms/imms/internal/platform/queue"
)

const fluHeader = "NHS_NUMBER|PERSON_FORENAME|PERSON_SURNAME|PERSON_DOB|PERSON_GENDER_CODE|PERSON_POSTCODE|" +
	"DATE_AND_TIME|SITE_CODE|SITE_CODE_TYPE_URI|UNIQUE_ID|UNIQUE_ID_URI|ACTION_FLAG|" +
	"PERFORMING_PROFESSIONAL_FORENAME|PERFORMING_PROFESSIONAL_SURNAME|RECORDED_DATE|PRIMARY_SOURCE|" +
	"VACCINATION_PROCEDURE_CODE|VACCINATION_PROCEDURE_TERM|DOSE_SEQUENCE|VACCINE_PRODUCT_CODE|" +
	"VACCINE_PRODUCT_TERM|VACCINE_MANUFACTURER|BATCH_NUMBER|EXPIRY_DATE|SITE_OF_VACCINATION_CODE|" +
	"SITE_OF_VACCINATION_TERM|ROUTE_OF_VACCINATION_CODE|ROUTE_OF_VACCINATION_TERM|DOSE_AMOUNT|" +
	"DOSE_UNIT_CODE|DOSE_UNIT_TERM|INDICATION_CODE|LOCATION_CODE|LOCATION_CODE_TYPE_URI"

type intakeFixture struct {
	store  *objstore.MemoryStore
	repo   *audit.MemoryRepo
	files  *queue.MemoryFileQueue
	intake *Intake
}

func newIntakeFixture(t *testing.T) *intakeFixture {
	t.Helper()
	f := &intakeFixture{
		store: objstore.NewMemoryStore(),
		repo:  audit.NewMemoryRepo(),
		files: queue.NewMemoryFileQueue(),
	}
	f.intake = NewIntake(f.store, seededCache(t), f.repo, f.files, "batch-files", 365*24*time.Hour, zerolog.Nop())
	return f
}

func (f *intakeFixture) putFile(t *testing.T, key string, dataRows int) {
	t.Helper()
	lines := []string{fluHeader}
	for i := 0; i < dataRows; i++ {
		row := validRow()
		lines = append(lines, row.Record()[0]+strings.Repeat("|x", 33))
	}
	body := strings.NewReader(strings.Join(lines, "\n") + "\n")
	if _, err := f.store.Put(context.Background(), "src", key, body); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func TestIntake_AcceptsValidFile(t *testing.T) {
	f := newIntakeFixture(t)
	key := "Flu_Vaccinations_V5_YGM41_20250406T11300000.csv"
	f.putFile(t, key, 2)

	messageID, err := f.intake.HandleObjectCreated(context.Background(), "src", key)
	if err != nil {
		t.Fatalf("HandleObjectCreated: %v", err)
	}

	entry, err := f.repo.GetByMessageID(context.Background(), messageID)
	if err != nil {
		t.Fatalf("GetByMessageID: %v", err)
	}
	if entry.Status != audit.StatusQueued {
		t.Errorf("expected status Queued, got %s", entry.Status)
	}
	if entry.QueueName != "EMIS_FLU" {
		t.Errorf("expected queue EMIS_FLU, got %q", entry.QueueName)
	}
	if entry.RecordCount == nil || *entry.RecordCount != 2 {
		t.Errorf("expected record count 2, got %v", entry.RecordCount)
	}
	if !entry.ExpiresAt.After(entry.Timestamp) {
		t.Errorf("expected expiry after creation, got %v / %v", entry.ExpiresAt, entry.Timestamp)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := f.files.Receive(ctx, "batch-files")
	if err != nil {
		t.Fatalf("expected a file message: %v", err)
	}
	var fm fileMessage
	if err := json.Unmarshal(msg.Data, &fm); err != nil {
		t.Fatalf("unmarshal file message: %v", err)
	}
	if fm.MessageID != messageID || fm.QueueName != "EMIS_FLU" || fm.Key != key {
		t.Errorf("unexpected file message %+v", fm)
	}
}

func TestIntake_RejectsInvalidKey(t *testing.T) {
	f := newIntakeFixture(t)

	messageID, err := f.intake.HandleObjectCreated(context.Background(), "src", "notes.txt")
	if err != nil {
		t.Fatalf("HandleObjectCreated: %v", err)
	}

	entry, err := f.repo.GetByMessageID(context.Background(), messageID)
	if err != nil {
		t.Fatalf("GetByMessageID: %v", err)
	}
	if entry.Status != audit.StatusNotProcessed {
		t.Errorf("expected status Not-processed, got %s", entry.Status)
	}
	if entry.ErrorDetails == nil || *entry.ErrorDetails != audit.ReasonUnauthorised {
		t.Errorf("expected reason Unauthorised, got %v", entry.ErrorDetails)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if msg, err := f.files.Receive(ctx, "batch-files"); err == nil {
		t.Errorf("expected no file message for a rejected file, got %s", msg.Data)
	}
}

func TestIntake_RejectsUnpermittedVaccineType(t *testing.T) {
	f := newIntakeFixture(t)
	// PINNACLE has no COVID19 permissions.
	key := "COVID19_Vaccinations_V5_8J1100001_20250406T11300000.csv"
	f.putFile(t, key, 1)

	messageID, err := f.intake.HandleObjectCreated(context.Background(), "src", key)
	if err != nil {
		t.Fatalf("HandleObjectCreated: %v", err)
	}
	entry, err := f.repo.GetByMessageID(context.Background(), messageID)
	if err != nil {
		t.Fatalf("GetByMessageID: %v", err)
	}
	if entry.Status != audit.StatusNotProcessed {
		t.Errorf("expected status Not-processed, got %s", entry.Status)
	}
	if entry.ErrorDetails == nil || *entry.ErrorDetails != audit.ReasonUnauthorised {
		t.Errorf("expected reason Unauthorised, got %v", entry.ErrorDetails)
	}
}

func TestIntake_RejectsEmptyFile(t *testing.T) {
	f := newIntakeFixture(t)
	key := "Flu_Vaccinations_V5_YGM41_20250406T11300000.csv"
	f.putFile(t, key, 0)

	messageID, err := f.intake.HandleObjectCreated(context.Background(), "src", key)
	if err != nil {
		t.Fatalf("HandleObjectCreated: %v", err)
	}
	entry, err := f.repo.GetByMessageID(context.Background(), messageID)
	if err != nil {
		t.Fatalf("GetByMessageID: %v", err)
	}
	if entry.Status != audit.StatusNotProcessed {
		t.Errorf("expected status Not-processed, got %s", entry.Status)
	}
	if entry.ErrorDetails == nil || *entry.ErrorDetails != audit.ReasonEmpty {
		t.Errorf("expected reason Empty, got %v", entry.ErrorDetails)
	}
	if entry.QueueName != "EMIS_FLU" {
		t.Errorf("expected queue recorded for empty file, got %q", entry.QueueName)
	}
}

func TestIntake_RunConsumesEvents(t *testing.T) {
	f := newIntakeFixture(t)
	events := f.store.Watch("src")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.intake.Run(ctx, events)

	key := "Flu_Vaccinations_V5_YGM41_20250406T11300001.csv"
	f.putFile(t, key, 1)

	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := f.repo.ListByQueue(context.Background(), "EMIS_FLU")
		if err != nil {
			t.Fatalf("ListByQueue: %v", err)
		}
		if len(entries) == 1 {
			if entries[0].Filename != key {
				t.Errorf("expected filename %q, got %q", key, entries[0].Filename)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the intake to record the file")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
