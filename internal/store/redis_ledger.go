package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"secshare.io/engine/internal/models"
)

var _ Ledger = (*RedisLedger)(nil)

// RedisLedger appends entries to one list per secret. The list position is
// the sequence number, so RPUSH both stores the entry and assigns it.
type RedisLedger struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client, now: time.Now}
}

type ledgerRecord struct {
	Address    string         `json:"a"`
	ClientID   string         `json:"c"`
	AccessedAt time.Time      `json:"t"`
	Outcome    models.Outcome `json:"o"`
}

func (l *RedisLedger) Append(ctx context.Context, entry models.AccessLogEntry) (models.AccessLogEntry, error) {
	if entry.AccessedAt.IsZero() {
		entry.AccessedAt = l.now().UTC()
	}

	data, err := json.Marshal(ledgerRecord{
		Address:    entry.Address,
		ClientID:   entry.ClientID,
		AccessedAt: entry.AccessedAt,
		Outcome:    entry.Outcome,
	})
	if err != nil {
		return entry, err
	}

	n, err := l.client.RPush(ctx, ledgerKey(entry.SecretID), data).Result()
	if err != nil {
		return entry, timeoutErr(ctx, fmt.Errorf("append access log: %w", err))
	}
	entry.Seq = n
	return entry, nil
}

func (l *RedisLedger) ListBySecret(ctx context.Context, secretID string) ([]models.AccessLogEntry, error) {
	raw, err := l.client.LRange(ctx, ledgerKey(secretID), 0, -1).Result()
	if err != nil {
		return nil, timeoutErr(ctx, err)
	}

	out := make([]models.AccessLogEntry, 0, len(raw))
	for i, item := range raw {
		var rec ledgerRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decode access log %s/%d: %w", secretID, i+1, err)
		}
		out = append(out, models.AccessLogEntry{
			SecretID:   secretID,
			Seq:        int64(i + 1),
			Address:    rec.Address,
			ClientID:   rec.ClientID,
			AccessedAt: rec.AccessedAt,
			Outcome:    rec.Outcome,
		})
	}
	return out, nil
}

func (l *RedisLedger) DeleteBySecret(ctx context.Context, secretID string) error {
	return timeoutErr(ctx, l.client.Del(ctx, ledgerKey(secretID)).Err())
}

func ledgerKey(secretID string) string {
	return "ledger:" + secretID
}
