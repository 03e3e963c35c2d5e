// redis.go
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"secshare.io/engine/internal/models"
)

var _ SecretStore = (*RedisStore)(nil)

const (
	expiryIndexKey  = "secrets:expiry"
	pendingIndexKey = "secrets:pending"
	purgedIndexKey  = "secrets:purged"
)

// RedisStore keeps each secret in a hash. View consumption and purge run as
// Lua scripts, which Redis executes atomically per call; no WATCH retry loop
// is involved, so a consume is never re-sent after it may have committed.
//
// Records expire physically tombstoneRetention after expires_at.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// OpenRedis connects and verifies the connection.
func OpenRedis(options *redis.Options) (*redis.Client, error) {
	client := redis.NewClient(options)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return client, nil
}

func NewRedisStore(client *redis.Client, tombstoneRetention time.Duration) *RedisStore {
	return &RedisStore{client: client, retention: tombstoneRetention}
}

// putScript creates the record, its expiry and both index entries in one
// step, so a failed write never leaves a partial hash behind.
var putScript = redis.NewScript(`
	local key = KEYS[1]
	if redis.call('EXISTS', key) == 1 then
		return 0
	end
	redis.call('HSET', key, unpack(ARGV, 5))
	redis.call('PEXPIREAT', key, ARGV[1])
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[4])
	redis.call('ZADD', KEYS[3], ARGV[3], ARGV[4])
	return 1
`)

func (r *RedisStore) Put(ctx context.Context, secret *models.Secret) error {
	fields := encodeHash(secret)
	args := make([]any, 0, 4+2*len(fields))
	args = append(args,
		secret.ExpiresAt.Add(r.retention).UnixMilli(),
		secret.CreatedAt.UnixMilli(),
		secret.ExpiresAt.UnixMilli(),
		secret.ID,
	)
	for k, v := range fields {
		args = append(args, k, v)
	}

	created, err := putScript.Run(ctx, r.client,
		[]string{secretKey(secret.ID), ownerKey(secret.OwnerID), expiryIndexKey},
		args...,
	).Int()
	if err != nil {
		return timeoutErr(ctx, fmt.Errorf("put secret: %w", err))
	}
	if created == 0 {
		return ErrConflict
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*models.Secret, error) {
	fields, err := r.client.HGetAll(ctx, secretKey(id)).Result()
	if err != nil {
		return nil, timeoutErr(ctx, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeHash(id, fields)
}

var consumeViewScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	if redis.call('EXISTS', key) == 0 then
		return {'missing'}
	end
	local state = redis.call('HGET', key, 'state')
	if state == 'exhausted' or state == 'expired' then
		return {state, redis.call('HGETALL', key)}
	end
	local maxv = tonumber(redis.call('HGET', key, 'max_views'))
	local cur = tonumber(redis.call('HGET', key, 'current_views'))
	local exp = tonumber(redis.call('HGET', key, 'expires_at'))
	if now >= exp then
		redis.call('HSET', key, 'state', 'expired')
		redis.call('HDEL', key, 'ciphertext')
		return {'expired', redis.call('HGETALL', key)}
	end
	if cur >= maxv then
		return {'exhausted', redis.call('HGETALL', key)}
	end
	cur = cur + 1
	redis.call('HSET', key, 'current_views', cur)
	local snapshot = redis.call('HGETALL', key)
	if cur >= maxv then
		redis.call('HSET', key, 'state', 'exhausted')
		redis.call('HDEL', key, 'ciphertext')
		redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
		return {'last', snapshot}
	end
	return {'ok', snapshot}
`)

func (r *RedisStore) AtomicConsumeView(ctx context.Context, id string, now time.Time) (ConsumeResult, error) {
	res, err := consumeViewScript.Run(ctx, r.client,
		[]string{secretKey(id), pendingIndexKey},
		now.UnixMilli(), id,
	).Slice()
	if err != nil {
		return ConsumeResult{}, timeoutErr(ctx, fmt.Errorf("consume view: %w", err))
	}

	status, _ := res[0].(string)
	if status == "missing" {
		return ConsumeResult{}, ErrNotFound
	}
	if len(res) < 2 {
		return ConsumeResult{}, fmt.Errorf("consume view: unexpected reply %v", res)
	}

	fields, err := pairsToMap(res[1])
	if err != nil {
		return ConsumeResult{}, err
	}
	secret, err := decodeHash(id, fields)
	if err != nil {
		return ConsumeResult{}, err
	}

	switch status {
	case "ok":
		return ConsumeResult{Secret: secret}, nil
	case "last":
		return ConsumeResult{Secret: secret, Exhausted: true}, nil
	case string(models.StateExpired):
		return ConsumeResult{Secret: secret}, ErrExpired
	case string(models.StateExhausted):
		return ConsumeResult{Secret: secret}, ErrExhausted
	default:
		return ConsumeResult{}, fmt.Errorf("consume view: unexpected status %q", status)
	}
}

var purgeScript = redis.NewScript(`
	local key = KEYS[1]
	if redis.call('EXISTS', key) == 0 then
		return false
	end
	local now = tonumber(ARGV[1])
	local ref = redis.call('HGET', key, 'att_ref') or ''
	redis.call('HDEL', key, 'ciphertext', 'att_ref')
	local state = redis.call('HGET', key, 'state')
	if state == 'active' then
		local exp = tonumber(redis.call('HGET', key, 'expires_at'))
		if now >= exp then
			state = 'expired'
		else
			state = 'exhausted'
		end
		redis.call('HSET', key, 'state', state)
	end
	if redis.call('HEXISTS', key, 'purged_at') == 0 then
		redis.call('HSET', key, 'purged_at', ARGV[1])
		redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
	end
	redis.call('ZREM', KEYS[3], ARGV[2])
	redis.call('ZREM', KEYS[4], ARGV[2])
	return {ref}
`)

func (r *RedisStore) Purge(ctx context.Context, id string, now time.Time) (string, error) {
	res, err := purgeScript.Run(ctx, r.client,
		[]string{secretKey(id), purgedIndexKey, expiryIndexKey, pendingIndexKey},
		now.UnixMilli(), id,
	).Slice()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", timeoutErr(ctx, fmt.Errorf("purge secret: %w", err))
	}

	ref, _ := res[0].(string)
	return ref, nil
}

func (r *RedisStore) ListByOwner(ctx context.Context, ownerID string) ([]*models.Secret, error) {
	ids, err := r.client.ZRevRange(ctx, ownerKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, timeoutErr(ctx, err)
	}

	secrets, missing, err := r.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		// records that expired physically leave stale index entries
		_ = r.client.ZRem(ctx, ownerKey(ownerID), toMembers(missing)...).Err()
	}

	out := secrets[:0]
	for _, s := range secrets {
		if s.OwnerID == ownerID {
			out = append(out, s)
		}
	}
	sortByCreatedDesc(out)
	return out, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	key := secretKey(id)

	owner, err := r.client.HGet(ctx, key, "owner").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return timeoutErr(ctx, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if owner != "" {
			pipe.ZRem(ctx, ownerKey(owner), id)
		}
		pipe.ZRem(ctx, expiryIndexKey, id)
		pipe.ZRem(ctx, pendingIndexKey, id)
		pipe.ZRem(ctx, purgedIndexKey, id)
		return nil
	})
	return timeoutErr(ctx, err)
}

func (r *RedisStore) ListPurgeable(ctx context.Context, now time.Time, limit int) ([]*models.Secret, error) {
	count := int64(limit)
	if count <= 0 {
		count = -1
	}

	expired, err := r.client.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: count,
	}).Result()
	if err != nil {
		return nil, timeoutErr(ctx, err)
	}
	pending, err := r.client.ZRangeByScore(ctx, pendingIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "+inf",
		Count: count,
	}).Result()
	if err != nil {
		return nil, timeoutErr(ctx, err)
	}

	secrets, missing, err := r.loadMany(ctx, append(expired, pending...))
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		_ = r.client.ZRem(ctx, expiryIndexKey, toMembers(missing)...).Err()
		_ = r.client.ZRem(ctx, pendingIndexKey, toMembers(missing)...).Err()
	}

	seen := make(map[string]bool, len(secrets))
	var out []*models.Secret
	for _, s := range secrets {
		if seen[s.ID] || s.Purged() || s.StateAt(now) == models.StateActive {
			continue
		}
		seen[s.ID] = true
		out = append(out, s)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *RedisStore) DeleteTombstones(ctx context.Context, before time.Time, limit int) ([]string, error) {
	count := int64(limit)
	if count <= 0 {
		count = -1
	}

	ids, err := r.client.ZRangeByScore(ctx, purgedIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(before.UnixMilli(), 10),
		Count: count,
	}).Result()
	if err != nil {
		return nil, timeoutErr(ctx, err)
	}

	for _, id := range ids {
		if err := r.Delete(ctx, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) loadMany(ctx context.Context, ids []string) ([]*models.Secret, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, secretKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, nil, timeoutErr(ctx, err)
	}

	var (
		secrets []*models.Secret
		missing []string
	)
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			missing = append(missing, ids[i])
			continue
		}
		s, err := decodeHash(ids[i], fields)
		if err != nil {
			return nil, nil, err
		}
		secrets = append(secrets, s)
	}
	return secrets, missing, nil
}

// Helpers

func secretKey(id string) string {
	return "secret:" + id
}

func ownerKey(ownerID string) string {
	return "owner:" + ownerID + ":secrets"
}

func encodeHash(s *models.Secret) map[string]any {
	fields := map[string]any{
		"owner":         s.OwnerID,
		"max_views":     s.MaxViews,
		"current_views": s.CurrentViews,
		"expires_at":    s.ExpiresAt.UnixMilli(),
		"created_at":    s.CreatedAt.UnixMilli(),
		"state":         string(s.State),
	}
	if s.Ciphertext != nil {
		fields["ciphertext"] = s.Ciphertext
	}
	if s.PurgedAt != nil {
		fields["purged_at"] = s.PurgedAt.UnixMilli()
	}
	if s.Attachment != nil {
		fields["att_name"] = s.Attachment.Name
		fields["att_size"] = s.Attachment.Size
		if s.Attachment.Ref != "" {
			fields["att_ref"] = s.Attachment.Ref
		}
	}
	return fields
}

func decodeHash(id string, f map[string]string) (*models.Secret, error) {
	maxViews, err := strconv.Atoi(f["max_views"])
	if err != nil {
		return nil, fmt.Errorf("decode secret %s: max_views: %w", id, err)
	}
	currentViews, err := strconv.Atoi(f["current_views"])
	if err != nil {
		return nil, fmt.Errorf("decode secret %s: current_views: %w", id, err)
	}
	expiresAt, err := strconv.ParseInt(f["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode secret %s: expires_at: %w", id, err)
	}
	createdAt, err := strconv.ParseInt(f["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode secret %s: created_at: %w", id, err)
	}

	s := &models.Secret{
		ID:           id,
		OwnerID:      f["owner"],
		MaxViews:     maxViews,
		CurrentViews: currentViews,
		ExpiresAt:    time.UnixMilli(expiresAt).UTC(),
		CreatedAt:    time.UnixMilli(createdAt).UTC(),
		State:        models.State(f["state"]),
	}
	if ct, ok := f["ciphertext"]; ok {
		s.Ciphertext = []byte(ct)
	}
	if v, ok := f["purged_at"]; ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode secret %s: purged_at: %w", id, err)
		}
		t := time.UnixMilli(ms).UTC()
		s.PurgedAt = &t
	}
	if name, ok := f["att_name"]; ok {
		size, _ := strconv.ParseInt(f["att_size"], 10, 64)
		s.Attachment = &models.Attachment{Ref: f["att_ref"], Name: name, Size: size}
	}
	return s, nil
}

func pairsToMap(v any) (map[string]string, error) {
	pairs, ok := v.([]any)
	if !ok || len(pairs)%2 != 0 {
		return nil, errors.New("unexpected data type from script")
	}
	out := make(map[string]string, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		k, _ := pairs[i].(string)
		val, _ := pairs[i+1].(string)
		out[k] = val
	}
	return out, nil
}

func toMembers(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
