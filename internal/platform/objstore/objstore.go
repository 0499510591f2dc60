// Package objstore provides bucketed object storage for the immunisation
// pipeline. It defines the Store interface the batch components depend on,
// an in-memory implementation suitable for testing and development, and an
// object-created event feed used to trigger file intake. Provider adapters
// (S3 or otherwise) live outside this module and satisfy the same interface.
package objstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrBucketNotFound = errors.New("bucket not found")
	ErrObjectTooLarge = errors.New("object exceeds maximum allowed size")
	ErrMissingKey     = errors.New("object key is required")
)

// MaxObjectSize is the maximum allowed object size in bytes (100 MB).
const MaxObjectSize = 100 * 1024 * 1024

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Bucket       string    `json:"bucket"`
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
}

// Event is an object-created notification. The pipeline subscribes to the
// source bucket's events to trigger file intake.
type Event struct {
	Bucket string    `json:"bucket"`
	Key    string    `json:"key"`
	Size   int64     `json:"size"`
	Time   time.Time `json:"time"`
}

// ---------------------------------------------------------------------------
// Store interface
// ---------------------------------------------------------------------------

// Store defines the contract for object storage backends.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader) (*ObjectInfo, error)
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, *ObjectInfo, error)
	Stat(ctx context.Context, bucket, key string) (*ObjectInfo, error)
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedObject struct {
	info ObjectInfo
	body []byte
}

// MemoryStore is a thread-safe, in-memory Store for testing/dev. Put
// publishes an object-created Event to every watcher of the bucket.
type MemoryStore struct {
	mu       sync.RWMutex
	buckets  map[string]map[string]*storedObject
	watchers map[string][]chan Event
}

// NewMemoryStore returns a ready-to-use MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets:  make(map[string]map[string]*storedObject),
		watchers: make(map[string][]chan Event),
	}
}

// Put validates inputs, reads the body, computes a SHA-256 etag, stores the
// object, and notifies watchers of the bucket.
func (s *MemoryStore) Put(_ context.Context, bucket, key string, body io.Reader) (*ObjectInfo, error) {
	if key == "" {
		return nil, ErrMissingKey
	}

	// Read body into memory so we can measure size and compute the etag.
	data, err := io.ReadAll(io.LimitReader(body, MaxObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(data)) > MaxObjectSize {
		return nil, ErrObjectTooLarge
	}

	h := sha256.Sum256(data)

	info := ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         int64(len(data)),
		ETag:         fmt.Sprintf("%x", h),
		LastModified: time.Now().UTC(),
	}

	s.mu.Lock()
	objects, ok := s.buckets[bucket]
	if !ok {
		objects = make(map[string]*storedObject)
		s.buckets[bucket] = objects
	}
	objects[key] = &storedObject{info: info, body: data}
	watchers := append([]chan Event(nil), s.watchers[bucket]...)
	s.mu.Unlock()

	ev := Event{Bucket: bucket, Key: key, Size: info.Size, Time: info.LastModified}
	for _, ch := range watchers {
		// Watchers that fall behind lose events rather than blocking Put.
		select {
		case ch <- ev:
		default:
		}
	}

	out := info // copy
	return &out, nil
}

// Get returns an io.ReadCloser over the object body and its info.
func (s *MemoryStore) Get(_ context.Context, bucket, key string) (io.ReadCloser, *ObjectInfo, error) {
	s.mu.RLock()
	obj, err := s.lookup(bucket, key)
	s.mu.RUnlock()

	if err != nil {
		return nil, nil, err
	}

	info := obj.info // copy
	return io.NopCloser(bytes.NewReader(obj.body)), &info, nil
}

// Stat returns object info without the body.
func (s *MemoryStore) Stat(_ context.Context, bucket, key string) (*ObjectInfo, error) {
	s.mu.RLock()
	obj, err := s.lookup(bucket, key)
	s.mu.RUnlock()

	if err != nil {
		return nil, err
	}

	info := obj.info // copy
	return &info, nil
}

// Delete removes an object by bucket and key.
func (s *MemoryStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	objects, ok := s.buckets[bucket]
	if !ok {
		return ErrBucketNotFound
	}
	if _, ok := objects[key]; !ok {
		return ErrObjectNotFound
	}
	delete(objects, key)
	return nil
}

// List returns info for every object in the bucket whose key starts with
// prefix, sorted by key.
func (s *MemoryStore) List(_ context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	objects, ok := s.buckets[bucket]
	if !ok {
		return nil, ErrBucketNotFound
	}

	var infos []ObjectInfo
	for key, obj := range objects {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		infos = append(infos, obj.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// Watch returns a channel of object-created events for the bucket. The
// channel is buffered; it is closed by Unwatch or never.
func (s *MemoryStore) Watch(bucket string) <-chan Event {
	ch := make(chan Event, 256)

	s.mu.Lock()
	s.watchers[bucket] = append(s.watchers[bucket], ch)
	s.mu.Unlock()

	return ch
}

// Unwatch removes a watcher previously returned by Watch and closes it.
func (s *MemoryStore) Unwatch(bucket string, ch <-chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	watchers := s.watchers[bucket]
	for i, w := range watchers {
		if w == ch {
			s.watchers[bucket] = append(watchers[:i], watchers[i+1:]...)
			close(w)
			return
		}
	}
}

// lookup must be called with at least a read lock held.
func (s *MemoryStore) lookup(bucket, key string) (*storedObject, error) {
	objects, ok := s.buckets[bucket]
	if !ok {
		return nil, ErrBucketNotFound
	}
	obj, ok := objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return obj, nil
}
