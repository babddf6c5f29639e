// Package queue implements the shared wait queue on Redis. Waiting entries are
// members of a sorted set scored by enqueue time, with one hash per entry
// holding its attribute record.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key patterns for the wait queue. The {mm} hash tag keeps every key
	// in one cluster slot so the scripts below can touch them together.
	keyWaitQueue   = "{mm}:queue"  // Sorted set, score = enqueue timestamp (ms)
	keyEntryPrefix = "{mm}:entry:" // + <key> -> Hash (attribute record)

	fieldParticipant = "participant_id"
	fieldTransport   = "transport_ref"
	fieldCategory    = "category"
	fieldDifficulty  = "difficulty"
	fieldEnqueuedAt  = "enqueued_at"
)

var (
	// ErrAlreadyQueued is returned by Enqueue when the key is already waiting.
	ErrAlreadyQueued = errors.New("queue: key already queued")

	// ErrMalformedEntry is returned when an attribute record cannot be decoded.
	ErrMalformedEntry = errors.New("queue: malformed entry")
)

// Queue manages the Redis data structures backing the wait queue.
type Queue struct {
	rdb          redis.UniversalClient
	enqueueLua   *redis.Script
	claimPairLua *redis.Script
}

// New creates a wait queue backed by Redis.
func New(rdb redis.UniversalClient) *Queue {
	return &Queue{
		rdb:          rdb,
		enqueueLua:   redis.NewScript(enqueueScript),
		claimPairLua: redis.NewScript(claimPairScript),
	}
}

func entryKey(key string) string {
	return keyEntryPrefix + key
}

// Enqueue validates the entry and inserts it together with its attribute
// record. Returns ErrAlreadyQueued if the key is already present.
func (q *Queue) Enqueue(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	ms := e.EnqueuedAt.UnixMilli()
	added, err := q.enqueueLua.Run(ctx, q.rdb,
		[]string{keyWaitQueue, entryKey(e.Key)},
		e.Key, ms,
		e.ParticipantID, e.TransportRef, e.Category, e.Difficulty,
	).Int()
	if err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", e.Key, err)
	}
	if added == 0 {
		return ErrAlreadyQueued
	}
	return nil
}

// ListAll returns every queued key. Callers must not rely on the order.
func (q *Queue) ListAll(ctx context.Context) ([]string, error) {
	keys, err := q.rdb.ZRange(ctx, keyWaitQueue, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	return keys, nil
}

// Attributes returns the attribute record for key, or nil if none exists.
func (q *Queue) Attributes(ctx context.Context, key string) (*Entry, error) {
	result, err := q.rdb.HGetAll(ctx, entryKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: attributes %s: %w", key, err)
	}
	if len(result) == 0 {
		return nil, nil
	}

	ms, err := strconv.ParseInt(result[fieldEnqueuedAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: enqueued_at %q", ErrMalformedEntry, key, result[fieldEnqueuedAt])
	}
	e := &Entry{
		Key:           key,
		ParticipantID: result[fieldParticipant],
		TransportRef:  result[fieldTransport],
		Category:      result[fieldCategory],
		Difficulty:    result[fieldDifficulty],
		EnqueuedAt:    time.UnixMilli(ms),
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEntry, key, err)
	}
	return e, nil
}

// Rank returns the position of key in the queue. The boolean is false when
// the key is not queued.
func (q *Queue) Rank(ctx context.Context, key string) (int64, bool, error) {
	rank, err := q.rdb.ZRank(ctx, keyWaitQueue, key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("queue: rank %s: %w", key, err)
	}
	return rank, true, nil
}

// QueuedAt returns the enqueue time stored as key's queue score. It does not
// read the attribute record, so it works for keys whose record is gone.
func (q *Queue) QueuedAt(ctx context.Context, key string) (time.Time, bool, error) {
	score, err := q.rdb.ZScore(ctx, keyWaitQueue, key).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("queue: score %s: %w", key, err)
	}
	return time.UnixMilli(int64(score)), true, nil
}

// RemoveIfPresent removes key from the queue and reports whether this call
// removed it. Concurrent callers for the same key see true at most once.
func (q *Queue) RemoveIfPresent(ctx context.Context, key string) (bool, error) {
	n, err := q.rdb.ZRem(ctx, keyWaitQueue, key).Result()
	if err != nil {
		return false, fmt.Errorf("queue: remove %s: %w", key, err)
	}
	return n > 0, nil
}

// DeleteAttributes deletes the attribute record of key.
func (q *Queue) DeleteAttributes(ctx context.Context, key string) error {
	if err := q.rdb.Del(ctx, entryKey(key)).Err(); err != nil {
		return fmt.Errorf("queue: delete attributes %s: %w", key, err)
	}
	return nil
}

// ClaimPair atomically removes both keys and their attribute records, but only
// if both are still queued. Returns false, leaving the queue untouched, when
// either key has already gone.
func (q *Queue) ClaimPair(ctx context.Context, a, b string) (bool, error) {
	if a == b {
		return false, nil
	}
	n, err := q.claimPairLua.Run(ctx, q.rdb,
		[]string{keyWaitQueue, entryKey(a), entryKey(b)},
		a, b,
	).Int()
	if err != nil {
		return false, fmt.Errorf("queue: claim %s/%s: %w", a, b, err)
	}
	return n == 1, nil
}

// Cancel removes a waiting key on behalf of its owner. Cancelling a key that
// is not queued is not an error.
func (q *Queue) Cancel(ctx context.Context, key string) (bool, error) {
	removed, err := q.RemoveIfPresent(ctx, key)
	if err != nil {
		return false, err
	}
	if err := q.DeleteAttributes(ctx, key); err != nil {
		return removed, err
	}
	return removed, nil
}

// Size returns the number of waiting entries.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, keyWaitQueue).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: size: %w", err)
	}
	return n, nil
}

// enqueueScript inserts the key and its attribute record unless the key is
// already queued. Returns 1 on insert, 0 otherwise.
const enqueueScript = `
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
    return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('DEL', KEYS[2])
redis.call('HSET', KEYS[2],
    'participant_id', ARGV[3],
    'transport_ref', ARGV[4],
    'category', ARGV[5],
    'difficulty', ARGV[6],
    'enqueued_at', ARGV[2])
return 1
`

// claimPairScript removes both members and their hashes only when both are
// still in the sorted set.
const claimPairScript = `
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then return 0 end
if not redis.call('ZSCORE', KEYS[1], ARGV[2]) then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1], ARGV[2])
redis.call('DEL', KEYS[2], KEYS[3])
return 1
`
