package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secshare.io/engine/internal/models"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := OpenRedis(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore(t *testing.T) {
	runSecretStoreContract(t, func(t *testing.T) SecretStore {
		_, client := newTestRedis(t)
		return NewRedisStore(client, 24*time.Hour)
	})
}

func TestRedisLedger(t *testing.T) {
	runLedgerContract(t, func(t *testing.T) Ledger {
		_, client := newTestRedis(t)
		return NewRedisLedger(client)
	})
}

func TestRedisBlobStore(t *testing.T) {
	runBlobContract(t, func(t *testing.T) BlobStore {
		_, client := newTestRedis(t)
		return NewRedisBlobStore(client, time.Hour)
	})
}

func TestRedisStoreSetsPhysicalExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStore(client, time.Hour)

	sec := newSecret("ttl", "alice", 1, time.Hour)
	sec.ExpiresAt = time.Now().Add(time.Hour)
	require.NoError(t, s.Put(context.Background(), sec))

	ttl := mr.TTL(secretKey("ttl"))
	assert.Greater(t, ttl, time.Hour)
	assert.LessOrEqual(t, ttl, 2*time.Hour)
}

func TestRedisStorePutWritesRecordAndIndexes(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStore(client, time.Hour)
	ctx := context.Background()

	sec := newSecret("full", "alice", 3, time.Hour)
	sec.ExpiresAt = time.Now().Add(time.Hour)
	require.NoError(t, s.Put(ctx, sec))

	assert.Equal(t, "3", mr.HGet(secretKey("full"), "max_views"))
	assert.Equal(t, "alice", mr.HGet(secretKey("full"), "owner"))
	owned, err := mr.ZMembers(ownerKey("alice"))
	require.NoError(t, err)
	assert.Equal(t, []string{"full"}, owned)
	expiring, err := mr.ZMembers(expiryIndexKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"full"}, expiring)

	clash := newSecret("full", "bob", 1, time.Hour)
	clash.ExpiresAt = time.Now().Add(time.Hour)
	require.ErrorIs(t, s.Put(ctx, clash), ErrConflict)
	assert.Equal(t, "alice", mr.HGet(secretKey("full"), "owner"))
	assert.False(t, mr.Exists(ownerKey("bob")))
}

func TestRedisStoreFailedPutLeavesNothing(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStore(client, time.Hour)
	ctx := context.Background()

	sec := newSecret("partial", "alice", 1, time.Hour)
	sec.ExpiresAt = time.Now().Add(time.Hour)

	mr.SetError("ERR write rejected")
	require.Error(t, s.Put(ctx, sec))
	mr.SetError("")

	assert.False(t, mr.Exists(secretKey("partial")))
	_, err := s.Get(ctx, "partial")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, sec), "a retry after the failure succeeds")
	got, err := s.Get(ctx, "partial")
	require.NoError(t, err)
	assert.Equal(t, 1, got.MaxViews)
}

func TestRedisStoreDropsStaleOwnerIndex(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStore(client, time.Hour)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, newSecret("gone", "alice", 1, time.Hour)))
	require.NoError(t, s.Put(ctx, newSecret("kept", "alice", 1, time.Hour)))
	mr.Del(secretKey("gone"))

	list, err := s.ListByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "kept", list[0].ID)

	members, err := mr.ZMembers(ownerKey("alice"))
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, members)
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStore(client, time.Hour)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := s.AtomicConsumeView(ctx, "any", baseTime)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestRedisHashRoundTrip(t *testing.T) {
	purged := baseTime.Add(time.Minute)
	sec := &models.Secret{
		ID:           "rt",
		OwnerID:      "alice",
		MaxViews:     3,
		CurrentViews: 2,
		ExpiresAt:    baseTime.Add(time.Hour),
		CreatedAt:    baseTime,
		State:        models.StateExhausted,
		PurgedAt:     &purged,
		Attachment:   &models.Attachment{Name: "x.txt", Size: 10},
	}

	fields := make(map[string]string)
	for k, v := range encodeHash(sec) {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case []byte:
			fields[k] = string(val)
		default:
			fields[k] = fmt.Sprint(val)
		}
	}

	got, err := decodeHash("rt", fields)
	require.NoError(t, err)
	assert.Equal(t, sec, got)
}
