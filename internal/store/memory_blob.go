package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

var _ BlobStore = (*MemoryBlobStore)(nil)

type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (b *MemoryBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	ref := uuid.NewString()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (b *MemoryBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.blobs[ref]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBlobStore) Delete(ctx context.Context, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.blobs, ref)
	return nil
}

func (b *MemoryBlobStore) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blobs)
}
