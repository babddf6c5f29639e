// Package ratelimit provides Redis-backed rate limiting using a fixed window
// counter (INCR + EXPIRE). The matcher uses it to throttle enqueue requests
// per participant at intake.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/whisper/matchmaker/internal/logging"
)

var logger = logging.For("ratelimit")

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:enqueue:"
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// EnqueueRule returns the intake rule allowing limit enqueue requests per
// participant per minute.
func EnqueueRule(limit int) Rule {
	return Rule{Key: "{mm}:rl:enqueue:", Limit: limit, Window: time.Minute}
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client redis.UniversalClient
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client redis.UniversalClient) *Limiter {
	return &Limiter{client: client}
}

// Allow reports whether identifier is still within rule's limit, counting
// this call. A rule with a non-positive limit allows everything.
//
// On Redis errors the method fails open (returns true with the error) so that
// a Redis outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	if rule.Limit <= 0 {
		return true, nil
	}
	key := rule.Key + identifier
	log := logger.WithField("key", key)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.WithError(err).Warn("redis INCR failed, failing open")
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.WithError(err).Warn("redis EXPIRE failed, failing open")
			// Without a TTL the key would throttle the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	if int(count) > rule.Limit {
		log.WithFields(logrus.Fields{"count": count, "limit": rule.Limit}).Debug("rate limited")
		return false, nil
	}
	return true, nil
}
