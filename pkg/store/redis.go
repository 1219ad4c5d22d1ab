package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// redisAppendScript appends a record only if the member list has exactly the
// expected length, and registers the member.
// KEYS[1] = member record list
// KEYS[2] = member index set
// ARGV[1] = expected length (the record's sequence)
// ARGV[2] = record bytes
// ARGV[3] = member id
var redisAppendScript = redis.NewScript(`
local n = redis.call("LLEN", KEYS[1])
if n ~= tonumber(ARGV[1]) then
    return -1
end
redis.call("RPUSH", KEYS[1], ARGV[2])
redis.call("SADD", KEYS[2], ARGV[3])
return n + 1
`)

// RedisStore implements RecordStore with one Redis list per member.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store backed by Redis. Keys are namespaced by
// prefix so several registries can share one server.
func NewRedisStore(addr, password string, db int, prefix string) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreWithClient(rdb, prefix)
}

func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "tel"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) logKey(member string) string {
	return fmt.Sprintf("%s:log:{%s}", s.prefix, member)
}

func (s *RedisStore) membersKey() string {
	return s.prefix + ":members"
}

// Ping checks connectivity at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Append(ctx context.Context, member string, seq uint64, record []byte) error {
	keys := []string{s.logKey(member), s.membersKey()}
	n, err := redisAppendScript.Run(ctx, s.client, keys, seq, record, member).Int64()
	if err != nil {
		return fmt.Errorf("redis append %s#%d: %w", member, seq, err)
	}
	if n < 0 {
		return fmt.Errorf("%w: %s append at %d", ErrConflict, member, seq)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, member string) ([][]byte, error) {
	vals, err := s.client.LRange(ctx, s.logKey(member), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis load %s: %w", member, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) Members(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.membersKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis members: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
