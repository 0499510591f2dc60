package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// FileQueue tests
// ---------------------------------------------------------------------------

func TestMemoryFileQueue_PublishReceive(t *testing.T) {
	q := NewMemoryFileQueue()
	ctx := context.Background()

	if err := q.Publish(ctx, "EMIS_COVID19", []byte("notice-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg, err := q.Receive(ctx, "EMIS_COVID19")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(msg.Data) != "notice-1" {
		t.Errorf("expected notice-1, got %s", msg.Data)
	}
	if msg.PartitionKey != "EMIS_COVID19" {
		t.Errorf("expected PartitionKey=EMIS_COVID19, got %s", msg.PartitionKey)
	}
	if msg.Enqueued.IsZero() {
		t.Error("expected non-zero Enqueued")
	}
}

func TestMemoryFileQueue_FIFOWithinQueue(t *testing.T) {
	q := NewMemoryFileQueue()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := q.Publish(ctx, "EMIS_FLU", []byte(fmt.Sprintf("file-%d", i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	for i := 0; i < 5; i++ {
		msg, err := q.Receive(ctx, "EMIS_FLU")
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		want := fmt.Sprintf("file-%d", i)
		if string(msg.Data) != want {
			t.Errorf("expected %s at position %d, got %s", want, i, msg.Data)
		}
	}
}

func TestMemoryFileQueue_QueueIsolation(t *testing.T) {
	q := NewMemoryFileQueue()
	ctx := context.Background()

	if err := q.Publish(ctx, "EMIS_COVID19", []byte("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	recvCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := q.Receive(recvCtx, "TPP_COVID19"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline on empty queue, got %v", err)
	}
}

func TestMemoryFileQueue_ReceiveHonoursContext(t *testing.T) {
	q := NewMemoryFileQueue()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := q.Receive(ctx, "EMIS_COVID19"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// RecordStream tests
// ---------------------------------------------------------------------------

func TestMemoryRecordStream_PartitionOrdering(t *testing.T) {
	s := NewMemoryRecordStream()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := s.Publish(ctx, "EMIS_COVID19", []byte(fmt.Sprintf("row-%d", i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	ch, err := s.Consume(ctx, "EMIS_COVID19")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 10; i++ {
		select {
		case msg := <-ch:
			want := fmt.Sprintf("row-%d", i)
			if string(msg.Data) != want {
				t.Fatalf("expected %s at position %d, got %s", want, i, msg.Data)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestMemoryRecordStream_PartitionIsolation(t *testing.T) {
	s := NewMemoryRecordStream()
	ctx := context.Background()

	if err := s.Publish(ctx, "EMIS_COVID19", []byte("covid-row")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Publish(ctx, "EMIS_FLU", []byte("flu-row")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fluCh, _ := s.Consume(ctx, "EMIS_FLU")
	select {
	case msg := <-fluCh:
		if string(msg.Data) != "flu-row" {
			t.Errorf("expected flu-row, got %s", msg.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for flu partition message")
	}
}

func TestMemoryRecordStream_PublishCopiesData(t *testing.T) {
	s := NewMemoryRecordStream()
	ctx := context.Background()

	buf := []byte("original")
	if err := s.Publish(ctx, "p", buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	copy(buf, "mutated!")

	ch, _ := s.Consume(ctx, "p")
	msg := <-ch
	if string(msg.Data) != "original" {
		t.Errorf("expected published data to be copied, got %s", msg.Data)
	}
}

func TestMemoryRecordStream_FullPartitionReturnsErrQueueFull(t *testing.T) {
	s := NewMemoryRecordStream()
	s.capacity = 2
	ctx := context.Background()

	if err := s.Publish(ctx, "p", []byte("1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Publish(ctx, "p", []byte("2")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.Publish(ctx, "p", []byte("3")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}
