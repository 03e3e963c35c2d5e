package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"secshare.io/engine/internal/models"
)

// Compile-time interface check
var _ SecretStore = (*MemoryStore)(nil)

// MemoryStore keeps secrets in process memory. Records are never mutated in
// place: transitions clone, modify and swap under the per-id lock, so readers
// holding the map lock always see a consistent snapshot.
type MemoryStore struct {
	secrets map[string]*models.Secret
	mu      sync.RWMutex
	keys    *keyedMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		secrets: make(map[string]*models.Secret),
		keys:    newKeyedMutex(),
	}
}

func (s *MemoryStore) Put(ctx context.Context, secret *models.Secret) error {
	unlock := s.keys.Lock(secret.ID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.secrets[secret.ID]; ok {
		return ErrConflict
	}
	s.secrets[secret.ID] = secret.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Secret, error) {
	secret, ok := s.load(id)
	if !ok {
		return nil, ErrNotFound
	}
	return secret.Clone(), nil
}

func (s *MemoryStore) AtomicConsumeView(ctx context.Context, id string, now time.Time) (ConsumeResult, error) {
	unlock := s.keys.Lock(id)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return ConsumeResult{}, timeoutErr(ctx, err)
	}

	current, ok := s.load(id)
	if !ok {
		return ConsumeResult{}, ErrNotFound
	}

	next := current.Clone()
	switch next.StateAt(now) {
	case models.StateExpired:
		if next.State == models.StateActive {
			next.State = models.StateExpired
			next.Ciphertext = nil
			s.store(next)
		}
		return ConsumeResult{Secret: next.Clone()}, ErrExpired
	case models.StateExhausted:
		return ConsumeResult{Secret: next.Clone()}, ErrExhausted
	}

	next.CurrentViews++
	snapshot := next.Clone()

	exhausted := next.CurrentViews >= next.MaxViews
	if exhausted {
		next.State = models.StateExhausted
		next.Ciphertext = nil
	}
	s.store(next)

	return ConsumeResult{Secret: snapshot, Exhausted: exhausted}, nil
}

func (s *MemoryStore) Purge(ctx context.Context, id string, now time.Time) (string, error) {
	unlock := s.keys.Lock(id)
	defer unlock()

	current, ok := s.load(id)
	if !ok {
		return "", ErrNotFound
	}

	next := current.Clone()
	ref := next.AttachmentRef()
	next.Ciphertext = nil
	if next.Attachment != nil {
		next.Attachment.Ref = ""
	}
	if !next.State.Terminal() {
		next.State = next.StateAt(now)
		if next.State == models.StateActive {
			// explicit purge of a live secret ends it
			next.State = models.StateExhausted
		}
	}
	if next.PurgedAt == nil {
		t := now
		next.PurgedAt = &t
	}
	s.store(next)

	return ref, nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]*models.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Secret
	for _, secret := range s.secrets {
		if secret.OwnerID == ownerID {
			out = append(out, secret.Clone())
		}
	}
	sortByCreatedDesc(out)
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	unlock := s.keys.Lock(id)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.secrets, id)
	return nil
}

func (s *MemoryStore) ListPurgeable(ctx context.Context, now time.Time, limit int) ([]*models.Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Secret
	for _, secret := range s.secrets {
		if limit > 0 && len(out) >= limit {
			break
		}
		if !secret.Purged() && secret.StateAt(now) != models.StateActive {
			out = append(out, secret.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteTombstones(ctx context.Context, before time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, secret := range s.secrets {
		if limit > 0 && len(ids) >= limit {
			break
		}
		if secret.Purged() && secret.PurgedAt.Before(before) {
			delete(s.secrets, id)
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.secrets = make(map[string]*models.Secret)
	return nil
}

func (s *MemoryStore) load(id string) (*models.Secret, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	secret, ok := s.secrets[id]
	return secret, ok
}

func (s *MemoryStore) store(secret *models.Secret) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.secrets[secret.ID] = secret
}

func sortByCreatedDesc(secrets []*models.Secret) {
	sort.SliceStable(secrets, func(i, j int) bool {
		return secrets[i].CreatedAt.After(secrets[j].CreatedAt)
	})
}
