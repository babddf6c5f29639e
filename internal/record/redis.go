package record

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyRecordPrefix = "{mm}:match:"  // + <id> -> Hash
	keyRecordIndex  = "{mm}:matches" // Sorted set: score=created_at ms, member=id
)

var saveIfAbsent = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'category', ARGV[2], 'difficulty', ARGV[3], 'created_at', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
return 1
`)

// RedisStore keeps match records in Redis hashes. It is used when no
// PostgreSQL database is configured.
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore creates a record store on the given Redis client.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Save writes the record unless a record with the same id exists.
func (s *RedisStore) Save(ctx context.Context, r Record) (string, error) {
	r = prepare(r)
	err := saveIfAbsent.Run(ctx, s.rdb, []string{keyRecordPrefix + r.ID, keyRecordIndex},
		r.ID, r.Category, r.Difficulty,
		strconv.FormatInt(r.CreatedAt.UnixMicro(), 10),
		strconv.FormatInt(r.CreatedAt.UnixMilli(), 10),
	).Err()
	if err != nil {
		return "", fmt.Errorf("record: redis save %s: %w", r.ID, err)
	}
	return r.ID, nil
}

// Get loads a record by id.
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	result, err := s.rdb.HGetAll(ctx, keyRecordPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("record: redis get %s: %w", id, err)
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}
	us, err := strconv.ParseInt(result["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("record: redis get %s: created_at %q: %w", id, result["created_at"], err)
	}
	return &Record{
		ID:         id,
		Category:   result["category"],
		Difficulty: result["difficulty"],
		CreatedAt:  time.UnixMicro(us).UTC(),
	}, nil
}

// CountSince returns the number of matches created at or after since.
func (s *RedisStore) CountSince(ctx context.Context, since time.Time) (int, error) {
	n, err := s.rdb.ZCount(ctx, keyRecordIndex, strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("record: redis count since: %w", err)
	}
	return int(n), nil
}
