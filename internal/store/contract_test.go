package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secshare.io/engine/internal/models"
)

var baseTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newSecret(id, owner string, maxViews int, ttl time.Duration) *models.Secret {
	return &models.Secret{
		ID:         id,
		OwnerID:    owner,
		Ciphertext: []byte("ciphertext-" + id),
		MaxViews:   maxViews,
		ExpiresAt:  baseTime.Add(ttl),
		CreatedAt:  baseTime,
		State:      models.StateActive,
	}
}

// runSecretStoreContract exercises the behaviour every SecretStore backend
// must share.
func runSecretStoreContract(t *testing.T, open func(t *testing.T) SecretStore) {
	ctx := context.Background()

	t.Run("put and get", func(t *testing.T) {
		s := open(t)
		sec := newSecret("s1", "alice", 2, time.Hour)
		sec.Attachment = &models.Attachment{Ref: "blob-1", Name: "id_rsa", Size: 12}
		require.NoError(t, s.Put(ctx, sec))

		got, err := s.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.OwnerID)
		assert.Equal(t, []byte("ciphertext-s1"), got.Ciphertext)
		assert.Equal(t, 2, got.MaxViews)
		assert.Equal(t, 0, got.CurrentViews)
		assert.True(t, sec.ExpiresAt.Equal(got.ExpiresAt))
		require.NotNil(t, got.Attachment)
		assert.Equal(t, "blob-1", got.Attachment.Ref)
		assert.Equal(t, "id_rsa", got.Attachment.Name)
	})

	t.Run("put duplicate id", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Put(ctx, newSecret("dup", "alice", 1, time.Hour)))
		require.ErrorIs(t, s.Put(ctx, newSecret("dup", "bob", 1, time.Hour)), ErrConflict)
	})

	t.Run("get unknown", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(ctx, "nope")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("consume until exhausted", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Put(ctx, newSecret("s2", "alice", 2, time.Hour)))

		res, err := s.AtomicConsumeView(ctx, "s2", baseTime)
		require.NoError(t, err)
		assert.False(t, res.Exhausted)
		assert.Equal(t, 1, res.Secret.CurrentViews)
		assert.Equal(t, []byte("ciphertext-s2"), res.Secret.Ciphertext)

		res, err = s.AtomicConsumeView(ctx, "s2", baseTime)
		require.NoError(t, err)
		assert.True(t, res.Exhausted)
		assert.Equal(t, 2, res.Secret.CurrentViews)
		assert.Equal(t, []byte("ciphertext-s2"), res.Secret.Ciphertext, "last reader still gets the content")

		stored, err := s.Get(ctx, "s2")
		require.NoError(t, err)
		assert.Nil(t, stored.Ciphertext, "ciphertext wiped in the exhausting transition")
		assert.Equal(t, models.StateExhausted, stored.State)

		res, err = s.AtomicConsumeView(ctx, "s2", baseTime)
		require.ErrorIs(t, err, ErrExhausted)
		assert.Equal(t, 2, res.Secret.CurrentViews)
	})

	t.Run("consume expired", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Put(ctx, newSecret("s3", "alice", 5, time.Minute)))

		res, err := s.AtomicConsumeView(ctx, "s3", baseTime.Add(2*time.Minute))
		require.ErrorIs(t, err, ErrExpired)
		assert.Nil(t, res.Secret.Ciphertext)
		assert.Equal(t, 0, res.Secret.CurrentViews)

		stored, err := s.Get(ctx, "s3")
		require.NoError(t, err)
		assert.Equal(t, models.StateExpired, stored.State)
		assert.Nil(t, stored.Ciphertext)
	})

	t.Run("consume at exact expiry", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Put(ctx, newSecret("edge", "alice", 5, time.Minute)))

		_, err := s.AtomicConsumeView(ctx, "edge", baseTime.Add(time.Minute))
		require.ErrorIs(t, err, ErrExpired)
	})

	t.Run("consume unknown", func(t *testing.T) {
		s := open(t)
		_, err := s.AtomicConsumeView(ctx, "ghost", baseTime)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent consume never overshoots", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Put(ctx, newSecret("hot", "alice", 3, time.Hour)))

		var (
			wg        sync.WaitGroup
			ok        atomic.Int32
			exhausted atomic.Int32
			last      atomic.Int32
		)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.AtomicConsumeView(ctx, "hot", baseTime)
				switch {
				case err == nil:
					ok.Add(1)
					if res.Exhausted {
						last.Add(1)
					}
				case assert.ErrorIs(t, err, ErrExhausted):
					exhausted.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.EqualValues(t, 3, ok.Load())
		assert.EqualValues(t, 47, exhausted.Load())
		assert.EqualValues(t, 1, last.Load())

		stored, err := s.Get(ctx, "hot")
		require.NoError(t, err)
		assert.Equal(t, 3, stored.CurrentViews)
	})

	t.Run("purge leaves tombstone", func(t *testing.T) {
		s := open(t)
		sec := newSecret("p1", "alice", 3, time.Hour)
		sec.Attachment = &models.Attachment{Ref: "blob-p1", Name: "a.bin", Size: 4}
		require.NoError(t, s.Put(ctx, sec))

		ref, err := s.Purge(ctx, "p1", baseTime)
		require.NoError(t, err)
		assert.Equal(t, "blob-p1", ref)

		stored, err := s.Get(ctx, "p1")
		require.NoError(t, err)
		assert.Nil(t, stored.Ciphertext)
		assert.True(t, stored.Purged())
		assert.True(t, stored.State.Terminal())
		require.NotNil(t, stored.Attachment)
		assert.Empty(t, stored.Attachment.Ref)
		assert.Equal(t, "a.bin", stored.Attachment.Name)

		_, err = s.AtomicConsumeView(ctx, "p1", baseTime)
		require.ErrorIs(t, err, ErrExhausted)

		ref, err = s.Purge(ctx, "p1", baseTime.Add(time.Minute))
		require.NoError(t, err)
		assert.Empty(t, ref, "second purge is a no-op")

		_, err = s.Purge(ctx, "missing", baseTime)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list by owner newest first", func(t *testing.T) {
		s := open(t)
		for i, id := range []string{"a", "b", "c"} {
			sec := newSecret(id, "alice", 1, time.Hour)
			sec.CreatedAt = baseTime.Add(time.Duration(i) * time.Minute)
			require.NoError(t, s.Put(ctx, sec))
		}
		require.NoError(t, s.Put(ctx, newSecret("z", "bob", 1, time.Hour)))

		list, err := s.ListByOwner(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "c", list[0].ID)
		assert.Equal(t, "b", list[1].ID)
		assert.Equal(t, "a", list[2].ID)

		list, err = s.ListByOwner(ctx, "bob")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "z", list[0].ID)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Put(ctx, newSecret("d1", "alice", 1, time.Hour)))

		require.NoError(t, s.Delete(ctx, "d1"))
		require.NoError(t, s.Delete(ctx, "d1"))

		_, err := s.Get(ctx, "d1")
		require.ErrorIs(t, err, ErrNotFound)

		list, err := s.ListByOwner(ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("list purgeable and delete tombstones", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Put(ctx, newSecret("live", "alice", 1, time.Hour)))
		require.NoError(t, s.Put(ctx, newSecret("old", "alice", 1, time.Minute)))
		require.NoError(t, s.Put(ctx, newSecret("used", "alice", 1, time.Hour)))

		_, err := s.AtomicConsumeView(ctx, "used", baseTime)
		require.NoError(t, err)

		now := baseTime.Add(10 * time.Minute)
		purgeable, err := s.ListPurgeable(ctx, now, 0)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"old", "used"}, ids(purgeable))

		for _, sec := range purgeable {
			_, err := s.Purge(ctx, sec.ID, now)
			require.NoError(t, err)
		}

		purgeable, err = s.ListPurgeable(ctx, now, 0)
		require.NoError(t, err)
		assert.Empty(t, purgeable)

		deleted, err := s.DeleteTombstones(ctx, now, 0)
		require.NoError(t, err)
		assert.Empty(t, deleted, "tombstones purged at the cutoff are kept")

		deleted, err = s.DeleteTombstones(ctx, now.Add(time.Second), 0)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"old", "used"}, deleted)

		_, err = s.Get(ctx, "used")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, "live")
		require.NoError(t, err)
	})
}

func ids(secrets []*models.Secret) []string {
	out := make([]string, 0, len(secrets))
	for _, s := range secrets {
		out = append(out, s.ID)
	}
	return out
}

func runLedgerContract(t *testing.T, open func(t *testing.T) Ledger) {
	ctx := context.Background()

	t.Run("append assigns sequence", func(t *testing.T) {
		l := open(t)
		for i := 0; i < 3; i++ {
			e, err := l.Append(ctx, models.AccessLogEntry{
				SecretID:   "s1",
				Address:    "10.0.0.1",
				ClientID:   "curl/8.0",
				AccessedAt: baseTime.Add(time.Duration(i) * time.Second),
				Outcome:    models.OutcomeRevealed,
			})
			require.NoError(t, err)
			assert.EqualValues(t, i+1, e.Seq)
		}
		_, err := l.Append(ctx, models.AccessLogEntry{SecretID: "other", Address: "10.0.0.2", Outcome: models.OutcomeGone})
		require.NoError(t, err)

		entries, err := l.ListBySecret(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, entries, 3)
		for i, e := range entries {
			assert.EqualValues(t, i+1, e.Seq)
			assert.Equal(t, "s1", e.SecretID)
			assert.Equal(t, "curl/8.0", e.ClientID)
			assert.True(t, baseTime.Add(time.Duration(i)*time.Second).Equal(e.AccessedAt))
		}
	})

	t.Run("append stamps time", func(t *testing.T) {
		l := open(t)
		e, err := l.Append(ctx, models.AccessLogEntry{SecretID: "s2", Address: "::1", Outcome: models.OutcomeGone})
		require.NoError(t, err)
		assert.False(t, e.AccessedAt.IsZero())
	})

	t.Run("delete cascade", func(t *testing.T) {
		l := open(t)
		_, err := l.Append(ctx, models.AccessLogEntry{SecretID: "s3", Address: "::1", Outcome: models.OutcomeGone})
		require.NoError(t, err)

		require.NoError(t, l.DeleteBySecret(ctx, "s3"))
		entries, err := l.ListBySecret(ctx, "s3")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func runBlobContract(t *testing.T, open func(t *testing.T) BlobStore) {
	ctx := context.Background()

	b := open(t)
	ref, err := b.Put(ctx, []byte{0, 1, 2, 3})
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	other, err := b.Put(ctx, []byte{0, 1, 2, 3})
	require.NoError(t, err)
	assert.NotEqual(t, ref, other, "identical payloads get independent refs")

	data, err := b.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3}, data)

	require.NoError(t, b.Delete(ctx, ref))
	require.NoError(t, b.Delete(ctx, ref))

	_, err = b.Get(ctx, ref)
	require.ErrorIs(t, err, ErrBlobNotFound)

	_, err = b.Get(ctx, other)
	require.NoError(t, err)
}
