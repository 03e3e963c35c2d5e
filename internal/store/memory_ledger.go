package store

import (
	"context"
	"sync"
	"time"

	"secshare.io/engine/internal/models"
)

var _ Ledger = (*MemoryLedger)(nil)

type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[string][]models.AccessLogEntry
	now     func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries: make(map[string][]models.AccessLogEntry),
		now:     time.Now,
	}
}

func (l *MemoryLedger) Append(ctx context.Context, entry models.AccessLogEntry) (models.AccessLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.AccessedAt.IsZero() {
		entry.AccessedAt = l.now().UTC()
	}
	entry.Seq = int64(len(l.entries[entry.SecretID]) + 1)
	l.entries[entry.SecretID] = append(l.entries[entry.SecretID], entry)
	return entry, nil
}

func (l *MemoryLedger) ListBySecret(ctx context.Context, secretID string) ([]models.AccessLogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := l.entries[secretID]
	out := make([]models.AccessLogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (l *MemoryLedger) DeleteBySecret(ctx context.Context, secretID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.entries, secretID)
	return nil
}
