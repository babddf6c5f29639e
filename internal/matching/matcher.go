package matching

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisper/matchmaker/internal/queue"
)

// WaitQueue is the view of the shared queue a sweep works on.
type WaitQueue interface {
	ListAll(ctx context.Context) ([]string, error)
	Attributes(ctx context.Context, key string) (*queue.Entry, error)
	Rank(ctx context.Context, key string) (int64, bool, error)
	QueuedAt(ctx context.Context, key string) (time.Time, bool, error)
	RemoveIfPresent(ctx context.Context, key string) (bool, error)
	DeleteAttributes(ctx context.Context, key string) error
	ClaimPair(ctx context.Context, a, b string) (bool, error)
}

// PairPublisher receives every pair a sweep claims.
type PairPublisher interface {
	Publish(ctx context.Context, a, b queue.Entry) (MatchEvent, error)
}

// Pair is two entries claimed together in one sweep. MatchID is empty when
// publishing failed.
type Pair struct {
	A, B    queue.Entry
	MatchID string
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Snapshot        int      // entries read from the queue
	Matched         []Pair   // pairs claimed, in claim order
	Evicted         []string // keys removed by the reaper
	Purged          []string // unreadable keys removed by the reaper
	PublishFailures int
}

// Matcher runs the greedy earliest-first pairing pass over the wait queue.
type Matcher struct {
	queue     WaitQueue
	eval      Evaluator
	publisher PairPublisher
	reaper    *Reaper
}

// NewMatcher creates a matcher. unit is the relaxation interval and timeout
// the match timeout.
func NewMatcher(q WaitQueue, publisher PairPublisher, notifier Notifier, unit, timeout time.Duration) *Matcher {
	return &Matcher{
		queue:     q,
		eval:      Evaluator{Unit: unit},
		publisher: publisher,
		reaper:    NewReaper(q, notifier, timeout),
	}
}

// Sweep performs one pass at time now: pair compatible entries, hand each
// pair to the publisher, then evict entries that timed out and purge stale
// keys whose attribute record is unreadable. A store error
// ends the sweep early and is returned together with what was done so far.
func (m *Matcher) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult

	snapshot, unreadable, err := m.snapshot(ctx)
	if err != nil {
		return res, err
	}
	res.Snapshot = len(snapshot)

	claimed := make(map[string]bool, len(snapshot))
	for i := range snapshot {
		a := snapshot[i]
		if claimed[a.Key] {
			continue
		}
		present, err := m.present(ctx, a.Key)
		if err != nil {
			return res, err
		}
		if !present {
			continue
		}

		for j := i + 1; j < len(snapshot); j++ {
			b := snapshot[j]
			if claimed[b.Key] {
				continue
			}
			present, err := m.present(ctx, b.Key)
			if err != nil {
				return res, err
			}
			if !present || !m.eval.CanMatch(a, b, now) {
				continue
			}

			ok, err := m.queue.ClaimPair(ctx, a.Key, b.Key)
			if err != nil {
				return res, err
			}
			if !ok {
				// One side left the queue after its presence check.
				if present, err = m.present(ctx, a.Key); err != nil {
					return res, err
				}
				if !present {
					break
				}
				continue
			}

			claimed[a.Key] = true
			claimed[b.Key] = true
			res.Matched = append(res.Matched, m.publish(ctx, a, b, &res))
			break
		}
	}

	unclaimed := make([]queue.Entry, 0, len(snapshot))
	for _, e := range snapshot {
		if !claimed[e.Key] {
			unclaimed = append(unclaimed, e)
		}
	}
	res.Evicted, err = m.reaper.Reap(ctx, unclaimed, now)
	if err != nil {
		return res, err
	}
	res.Purged, err = m.reaper.Purge(ctx, unreadable, now)
	return res, err
}

func (m *Matcher) publish(ctx context.Context, a, b queue.Entry, res *SweepResult) Pair {
	pair := Pair{A: a, B: b}
	ev, err := m.publisher.Publish(ctx, a, b)
	if err != nil {
		res.PublishFailures++
		logger.WithError(err).WithFields(logrus.Fields{
			"a": a.Key,
			"b": b.Key,
		}).Error("claimed pair not published")
		return pair
	}
	pair.MatchID = ev.MatchID
	return pair
}

// snapshot reads every queued entry, sorted by enqueue time. Keys whose
// record is gone or unreadable are returned separately.
func (m *Matcher) snapshot(ctx context.Context) ([]queue.Entry, []string, error) {
	keys, err := m.queue.ListAll(ctx)
	if err != nil {
		return nil, nil, err
	}

	entries := make([]queue.Entry, 0, len(keys))
	var unreadable []string
	for _, key := range keys {
		e, err := m.queue.Attributes(ctx, key)
		if errors.Is(err, queue.ErrMalformedEntry) {
			logger.WithError(err).WithField("key", key).Warn("skipping malformed entry")
			unreadable = append(unreadable, key)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if e == nil {
			unreadable = append(unreadable, key)
			continue
		}
		entries = append(entries, *e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
	})
	return entries, unreadable, nil
}

func (m *Matcher) present(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.queue.Rank(ctx, key)
	return ok, err
}
