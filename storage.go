package agora

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/agora-chat/agora/types"
)

// ErrNotFound is returned when a feed entry or object doesn't exist (yet).
// Feed reads hit this constantly while polling ahead of a writer, so callers
// treat it as "not yet", not as a failure.
var ErrNotFound = errors.New("not found")

// StorageClient is the content-addressed storage network the chat runs on.
//
// Objects are immutable blobs addressed by their content. Feeds are
// append-only sequences of entries owned by a single keypair: only the owner
// can write, anyone can read by (topic, owner, index).
//
// This interface prevents circular dependencies and makes it easy to swap a
// gateway-backed client for an in-memory one in tests.
type StorageClient interface {
	UploadObject(ctx context.Context, data []byte) (types.Reference, error)
	DownloadObject(ctx context.Context, ref types.Reference) ([]byte, error)

	WriteFeedEntry(ctx context.Context, topic types.Topic, owner Keypair, index int64, data []byte) error
	ReadFeedEntry(ctx context.Context, topic types.Topic, owner types.Address, index int64) ([]byte, error)

	// LatestFeedIndex returns the highest written index, or -1 when the
	// feed has no entries.
	LatestFeedIndex(ctx context.Context, topic types.Topic, owner types.Address) (int64, error)
}

type feedKey struct {
	topic types.Topic
	owner types.Address
	index int64
}

type feedHead struct {
	topic types.Topic
	owner types.Address
}

// MemoryStorage is an in-process StorageClient. It backs tests and the
// single-machine demo mode; semantics match the real network, including the
// -1 latest-index sentinel and content addressing by digest.
type MemoryStorage struct {
	objects map[types.Reference][]byte
	feeds   map[feedKey][]byte
	latest  map[feedHead]int64
	mu      sync.RWMutex
}

// NewMemoryStorage creates an empty in-memory storage network.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		objects: make(map[types.Reference][]byte),
		feeds:   make(map[feedKey][]byte),
		latest:  make(map[feedHead]int64),
	}
}

// UploadObject stores the blob under its content digest.
func (s *MemoryStorage) UploadObject(_ context.Context, data []byte) (types.Reference, error) {
	digest := sha256.Sum256(data)
	ref := types.Reference(hex.EncodeToString(digest[:]))
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	s.objects[ref] = stored
	return ref, nil
}

// DownloadObject resolves a reference to its blob.
func (s *MemoryStorage) DownloadObject(_ context.Context, ref types.Reference) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[ref]
	if !ok {
		return nil, ErrNotFound
	}
	result := make([]byte, len(data))
	copy(result, data)
	return result, nil
}

// WriteFeedEntry appends to the owner's feed at the given index.
func (s *MemoryStorage) WriteFeedEntry(_ context.Context, topic types.Topic, owner Keypair, index int64, data []byte) error {
	if index < 0 {
		return errors.New("feed index must be non-negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	address := owner.Address()
	s.feeds[feedKey{topic, address, index}] = stored
	head := feedHead{topic, address}
	if current, ok := s.latest[head]; !ok || index > current {
		s.latest[head] = index
	}
	return nil
}

// ReadFeedEntry reads one entry; ErrNotFound when the owner hasn't written
// that index.
func (s *MemoryStorage) ReadFeedEntry(_ context.Context, topic types.Topic, owner types.Address, index int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.feeds[feedKey{topic, owner, index}]
	if !ok {
		return nil, ErrNotFound
	}
	result := make([]byte, len(data))
	copy(result, data)
	return result, nil
}

// LatestFeedIndex returns the highest written index, -1 when the feed is
// empty.
func (s *MemoryStorage) LatestFeedIndex(_ context.Context, topic types.Topic, owner types.Address) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index, ok := s.latest[feedHead{topic, owner}]; ok {
		return index, nil
	}
	return -1, nil
}
