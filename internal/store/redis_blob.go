package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ BlobStore = (*RedisBlobStore)(nil)

type RedisBlobStore struct {
	client *redis.Client
	// ttl bounds how long an orphaned blob can outlive its secret
	ttl time.Duration
}

func NewRedisBlobStore(client *redis.Client, ttl time.Duration) *RedisBlobStore {
	return &RedisBlobStore{client: client, ttl: ttl}
}

func (b *RedisBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	ref := uuid.NewString()
	if err := b.client.Set(ctx, blobKey(ref), data, b.ttl).Err(); err != nil {
		return "", timeoutErr(ctx, err)
	}
	return ref, nil
}

func (b *RedisBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	data, err := b.client.Get(ctx, blobKey(ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, timeoutErr(ctx, err)
	}
	return data, nil
}

func (b *RedisBlobStore) Delete(ctx context.Context, ref string) error {
	return timeoutErr(ctx, b.client.Del(ctx, blobKey(ref)).Err())
}

func blobKey(ref string) string {
	return "blob:" + ref
}
