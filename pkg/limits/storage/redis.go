package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis hashes. Each (key, date) row is one
// hash; increments run in a Lua script so creation and the conditional
// update are a single atomic step across all gateway instances.
type RedisStore struct {
	client    goredis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

var _ Store = (*RedisStore)(nil)

// RedisOption configures RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the Redis key prefix (default "speechgate:quota:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// WithRowTTL sets how long rows live after their last update. Zero keeps
// rows until Cleanup removes them.
func WithRowTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// NewRedisStore creates a Redis-backed store.
// The client must be a connected single-node or Sentinel client. The
// increment script touches row, sequence and date-index keys that hash to
// different slots, so Redis Cluster is not supported.
func NewRedisStore(client goredis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		keyPrefix: "speechgate:quota:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) rowKey(key Key, date string) string {
	return s.keyPrefix + "row:" + date + ":" + string(key.Kind) + ":" + key.Subject
}

func (s *RedisStore) dateKey(date string) string {
	return s.keyPrefix + "date:" + date
}

func (s *RedisStore) seqKey() string {
	return s.keyPrefix + "seq"
}

// consumeScript creates and conditionally increments a row.
// KEYS[1] = row hash key
// KEYS[2] = id sequence key
// KEYS[3] = per-date index set
// ARGV[1] = identity kind
// ARGV[2] = subject
// ARGV[3] = date
// ARGV[4] = request delta
// ARGV[5] = chars delta
// ARGV[6] = class field ("" for none)
// ARGV[7] = limit (negative for none)
// ARGV[8] = now (unix seconds)
// ARGV[9] = ttl seconds (0 for none)
//
// Returns {applied, HGETALL row}.
var consumeScript = goredis.NewScript(`
local row_key = KEYS[1]
local now = ARGV[8]

if redis.call("EXISTS", row_key) == 0 then
    local id = redis.call("INCR", KEYS[2])
    redis.call("HSET", row_key,
        "id", id, "kind", ARGV[1], "subject", ARGV[2], "date", ARGV[3],
        "request_count", 0, "chars_consumed", 0,
        "created_at", now, "updated_at", now)
    redis.call("SADD", KEYS[3], row_key)
end

local count = tonumber(redis.call("HGET", row_key, "request_count") or "0")
local limit = tonumber(ARGV[7])
local applied = 0
if limit < 0 or count < limit then
    redis.call("HINCRBY", row_key, "request_count", tonumber(ARGV[4]))
    redis.call("HINCRBY", row_key, "chars_consumed", tonumber(ARGV[5]))
    if ARGV[6] ~= "" then
        redis.call("HINCRBY", row_key, ARGV[6], 1)
    end
    redis.call("HSET", row_key, "updated_at", now)
    applied = 1
end

local ttl = tonumber(ARGV[9])
if ttl > 0 then
    redis.call("EXPIRE", row_key, ttl)
    redis.call("EXPIRE", KEYS[3], ttl)
end

return {applied, redis.call("HGETALL", row_key)}
`)

// GetOrCreateAndIncrement implements Store.
func (s *RedisStore) GetOrCreateAndIncrement(ctx context.Context, key Key, date string, d Deltas) (*Row, error) {
	row, _, err := s.ConsumeIfBelow(ctx, key, date, d, NoLimit)
	return row, err
}

// ConsumeIfBelow implements Store.
func (s *RedisStore) ConsumeIfBelow(ctx context.Context, key Key, date string, d Deltas, limit int64) (*Row, bool, error) {
	if err := d.validate(); err != nil {
		return nil, false, err
	}

	res, err := consumeScript.Run(ctx, s.client,
		[]string{s.rowKey(key, date), s.seqKey(), s.dateKey(date)},
		string(key.Kind), key.Subject, date,
		d.Requests, d.Chars, string(d.Class), limit,
		time.Now().Unix(), int64(s.ttl.Seconds()),
	).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("redis consume: %w", err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("redis consume: unexpected reply length %d", len(res))
	}

	applied, _ := res[0].(int64)
	flat, ok := res[1].([]interface{})
	if !ok {
		return nil, false, fmt.Errorf("redis consume: unexpected row reply %T", res[1])
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		fields[fmt.Sprint(flat[i])] = fmt.Sprint(flat[i+1])
	}

	row, err := rowFromHash(fields)
	if err != nil {
		return nil, false, err
	}
	return row, applied == 1, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key Key, date string) (*Row, error) {
	fields, err := s.client.HGetAll(ctx, s.rowKey(key, date)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return rowFromHash(fields)
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context, date string) ([]*Row, error) {
	members, err := s.client.SMembers(ctx, s.dateKey(date)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}

	rows := make([]*Row, 0, len(members))
	for _, member := range members {
		fields, err := s.client.HGetAll(ctx, member).Result()
		if err != nil {
			return nil, fmt.Errorf("redis list: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		row, err := rowFromHash(fields)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

// Cleanup implements Store.
func (s *RedisStore) Cleanup(ctx context.Context, before string) (int, error) {
	prefix := s.keyPrefix + "date:"
	deleted := 0

	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		indexKey := iter.Val()
		date := strings.TrimPrefix(indexKey, prefix)
		if date >= before {
			continue
		}
		members, err := s.client.SMembers(ctx, indexKey).Result()
		if err != nil {
			return deleted, fmt.Errorf("redis cleanup: %w", err)
		}
		if len(members) > 0 {
			n, err := s.client.Del(ctx, members...).Result()
			if err != nil {
				return deleted, fmt.Errorf("redis cleanup: %w", err)
			}
			deleted += int(n)
		}
		if err := s.client.Del(ctx, indexKey).Err(); err != nil {
			return deleted, fmt.Errorf("redis cleanup: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("redis cleanup: %w", err)
	}
	return deleted, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements Store. The client is owned by the caller and is not
// closed here.
func (s *RedisStore) Close() error {
	return nil
}

func rowFromHash(fields map[string]string) (*Row, error) {
	num := func(name string) (int64, error) {
		v, ok := fields[name]
		if !ok || v == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("redis row field %s: %w", name, err)
		}
		return n, nil
	}

	row := &Row{
		Key:     Key{Kind: Kind(fields["kind"]), Subject: fields["subject"]},
		Date:    fields["date"],
		Classes: make(map[Class]int64, len(Classes)),
	}

	var err error
	if row.ID, err = num("id"); err != nil {
		return nil, err
	}
	if row.RequestCount, err = num("request_count"); err != nil {
		return nil, err
	}
	if row.CharsConsumed, err = num("chars_consumed"); err != nil {
		return nil, err
	}
	for _, c := range Classes {
		n, err := num(string(c))
		if err != nil {
			return nil, err
		}
		row.Classes[c] = n
	}
	created, err := num("created_at")
	if err != nil {
		return nil, err
	}
	updated, err := num("updated_at")
	if err != nil {
		return nil, err
	}
	row.CreatedAt = time.Unix(created, 0)
	row.UpdatedAt = time.Unix(updated, 0)
	return row, nil
}
