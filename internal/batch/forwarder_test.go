package batch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/imms/imms/internal/platform/queue"
)

// flakyStream fails the first n publishes, then accepts.
type flakyStream struct {
	mu        sync.Mutex
	failures  int
	published []queue.Message
}

func (s *flakyStream) Publish(_ context.Context, partitionKey string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("stream unavailable")
	}
	s.published = append(s.published, queue.Message{PartitionKey: partitionKey, Data: data})
	return nil
}

func (s *flakyStream) Consume(context.Context, string) (<-chan queue.Message, error) {
	return nil, errors.New("flakyStream does not consume")
}

func newTestForwarder(stream queue.RecordStream) *Forwarder {
	f := NewForwarder(stream, zerolog.Nop())
	f.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return f
}

func testEnvelope() *Envelope {
	return &Envelope{
		RowID:       "msg-1^1",
		FileKey:     "Flu_Vaccinations_V5_YGM41_20250406T11300000.csv",
		VaccineType: "FLU",
		Supplier:    "EMIS",
		CreatedAt:   "20250406T11300000",
		Action:      ActionCreate,
	}
}

func TestForwarder_RetriesTransientFailure(t *testing.T) {
	stream := &flakyStream{failures: 2}
	f := newTestForwarder(stream)

	if err := f.Forward(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(stream.published) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(stream.published))
	}
	if stream.published[0].PartitionKey != "EMIS_FLU" {
		t.Errorf("expected partition EMIS_FLU, got %q", stream.published[0].PartitionKey)
	}
	var got Envelope
	if err := json.Unmarshal(stream.published[0].Data, &got); err != nil {
		t.Fatalf("unmarshal published envelope: %v", err)
	}
	if got.RowID != "msg-1^1" || got.Action != ActionCreate {
		t.Errorf("published envelope mangled: %+v", got)
	}
}

func TestForwarder_SubstitutesAckOnlyEnvelope(t *testing.T) {
	// First publish exhausts all three tries; the substitute then lands.
	stream := &flakyStream{failures: int(DefaultPublishTries)}
	f := newTestForwarder(stream)

	if err := f.Forward(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(stream.published) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(stream.published))
	}
	var got Envelope
	if err := json.Unmarshal(stream.published[0].Data, &got); err != nil {
		t.Fatalf("unmarshal published envelope: %v", err)
	}
	if got.RowID != "msg-1^1" {
		t.Errorf("expected row id preserved, got %q", got.RowID)
	}
	if got.Resource != nil || got.Action != "" {
		t.Error("ack-only envelope must carry no resource or action")
	}
	if !got.HasUnhandled() {
		t.Errorf("expected an UNHANDLED diagnostic, got %v", got.Diagnostics)
	}
}

func TestForwarder_ErrorWhenSubstituteFails(t *testing.T) {
	stream := &flakyStream{failures: 2 * int(DefaultPublishTries)}
	f := newTestForwarder(stream)

	err := f.Forward(context.Background(), testEnvelope())
	if !errors.Is(err, queue.ErrUnhandled) {
		t.Fatalf("expected queue.ErrUnhandled, got %v", err)
	}
	if len(stream.published) != 0 {
		t.Errorf("expected nothing published, got %d", len(stream.published))
	}
}
