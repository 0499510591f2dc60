// Package queue provides the partitioned messaging primitives the batch
// pipeline runs on: a FileQueue carrying file-arrival notices grouped by
// queue name, and a RecordStream carrying row envelopes with per-partition
// FIFO ordering. In-memory implementations back tests and development;
// provider adapters (SQS/Kinesis or otherwise) satisfy the same interfaces
// outside this module.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrUnhandled marks a queue operation that failed after retry
	// exhaustion. Callers wrap it around the terminal cause.
	ErrUnhandled = errors.New("unhandled queue error")

	ErrQueueFull = errors.New("queue capacity exceeded")
)

// DefaultCapacity bounds the per-partition buffer of the in-memory
// implementations.
const DefaultCapacity = 1024

// ---------------------------------------------------------------------------
// Interfaces
// ---------------------------------------------------------------------------

// Message is one delivered payload.
type Message struct {
	PartitionKey string
	Data         []byte
	Enqueued     time.Time
}

// FileQueue delivers file-arrival notices grouped by queue name
// (supplier_vaccineType). Delivery within a queue name is FIFO.
type FileQueue interface {
	Publish(ctx context.Context, queueName string, data []byte) error
	Receive(ctx context.Context, queueName string) (*Message, error)
}

// RecordStream delivers row envelopes. The ordering contract the pipeline
// depends on: messages published to one partition key are consumed in
// publish order.
type RecordStream interface {
	Publish(ctx context.Context, partitionKey string, data []byte) error
	Consume(ctx context.Context, partitionKey string) (<-chan Message, error)
}

// ---------------------------------------------------------------------------
// In-memory FileQueue
// ---------------------------------------------------------------------------

// MemoryFileQueue is a thread-safe, in-memory FileQueue for testing/dev.
type MemoryFileQueue struct {
	mu       sync.Mutex
	queues   map[string]chan Message
	capacity int
}

// NewMemoryFileQueue returns a MemoryFileQueue with DefaultCapacity per
// queue name.
func NewMemoryFileQueue() *MemoryFileQueue {
	return &MemoryFileQueue{
		queues:   make(map[string]chan Message),
		capacity: DefaultCapacity,
	}
}

func (q *MemoryFileQueue) channel(queueName string) chan Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch, ok := q.queues[queueName]
	if !ok {
		ch = make(chan Message, q.capacity)
		q.queues[queueName] = ch
	}
	return ch
}

// Publish enqueues data on the named queue. A full queue returns
// ErrQueueFull rather than blocking.
func (q *MemoryFileQueue) Publish(ctx context.Context, queueName string, data []byte) error {
	msg := Message{
		PartitionKey: queueName,
		Data:         append([]byte(nil), data...),
		Enqueued:     time.Now().UTC(),
	}

	select {
	case q.channel(queueName) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Receive blocks until a message is available on the named queue or the
// context is done.
func (q *MemoryFileQueue) Receive(ctx context.Context, queueName string) (*Message, error) {
	select {
	case msg := <-q.channel(queueName):
		return &msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// In-memory RecordStream
// ---------------------------------------------------------------------------

// MemoryRecordStream is a thread-safe, in-memory RecordStream for
// testing/dev. One buffered channel per partition key preserves publish
// order.
type MemoryRecordStream struct {
	mu         sync.Mutex
	partitions map[string]chan Message
	capacity   int
}

// NewMemoryRecordStream returns a MemoryRecordStream with DefaultCapacity
// per partition.
func NewMemoryRecordStream() *MemoryRecordStream {
	return &MemoryRecordStream{
		partitions: make(map[string]chan Message),
		capacity:   DefaultCapacity,
	}
}

func (s *MemoryRecordStream) channel(partitionKey string) chan Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.partitions[partitionKey]
	if !ok {
		ch = make(chan Message, s.capacity)
		s.partitions[partitionKey] = ch
	}
	return ch
}

// Publish appends data to the partition. A full partition returns
// ErrQueueFull; the caller's retry policy decides what happens next.
func (s *MemoryRecordStream) Publish(ctx context.Context, partitionKey string, data []byte) error {
	msg := Message{
		PartitionKey: partitionKey,
		Data:         append([]byte(nil), data...),
		Enqueued:     time.Now().UTC(),
	}

	select {
	case s.channel(partitionKey) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Consume returns the partition's delivery channel. The pipeline attaches
// one consumer per partition; competing consumers would split the stream.
func (s *MemoryRecordStream) Consume(_ context.Context, partitionKey string) (<-chan Message, error) {
	return s.channel(partitionKey), nil
}
