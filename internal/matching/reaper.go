package matching

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisper/matchmaker/internal/protocol"
	"github.com/whisper/matchmaker/internal/queue"
)

// ReasonTimeout is sent in MATCH_FAILED notifications for evicted entries.
const ReasonTimeout = "timeout"

// Reaper evicts entries that have waited longer than the match timeout.
type Reaper struct {
	queue    WaitQueue
	notifier Notifier
	timeout  time.Duration
}

// NewReaper creates a reaper evicting entries older than timeout.
func NewReaper(q WaitQueue, notifier Notifier, timeout time.Duration) *Reaper {
	return &Reaper{queue: q, notifier: notifier, timeout: timeout}
}

// Expired returns the entries of snapshot that have waited at least timeout
// at now.
func Expired(snapshot []queue.Entry, now time.Time, timeout time.Duration) []queue.Entry {
	var out []queue.Entry
	for _, e := range snapshot {
		if e.Waited(now) >= timeout {
			out = append(out, e)
		}
	}
	return out
}

// Reap evicts every expired entry of snapshot and notifies its owner. Only the
// caller that actually removed an entry notifies, so an owner hears about the
// eviction once even when sweeps race. Returns the evicted keys.
func (r *Reaper) Reap(ctx context.Context, snapshot []queue.Entry, now time.Time) ([]string, error) {
	var evicted []string
	for _, e := range Expired(snapshot, now, r.timeout) {
		removed, err := r.queue.RemoveIfPresent(ctx, e.Key)
		if err != nil {
			return evicted, err
		}
		if !removed {
			continue
		}
		evicted = append(evicted, e.Key)

		delErr := r.queue.DeleteAttributes(ctx, e.Key)
		r.notifyFailed(ctx, e, now)
		if delErr != nil {
			return evicted, delErr
		}
	}
	return evicted, nil
}

// Purge removes keys that have no readable attribute record once their queue
// score is at least timeout old. Nobody can be notified for such keys. Returns
// the purged keys.
func (r *Reaper) Purge(ctx context.Context, keys []string, now time.Time) ([]string, error) {
	var purged []string
	for _, key := range keys {
		at, ok, err := r.queue.QueuedAt(ctx, key)
		if err != nil {
			return purged, err
		}
		if !ok || now.Sub(at) < r.timeout {
			continue
		}
		removed, err := r.queue.RemoveIfPresent(ctx, key)
		if err != nil {
			return purged, err
		}
		if !removed {
			continue
		}
		purged = append(purged, key)
		if err := r.queue.DeleteAttributes(ctx, key); err != nil {
			return purged, err
		}
		logger.WithFields(logrus.Fields{
			"key":    key,
			"waited": now.Sub(at).String(),
		}).Warn("purged unreadable entry")
	}
	return purged, nil
}

func (r *Reaper) notifyFailed(ctx context.Context, e queue.Entry, now time.Time) {
	waited := e.Waited(now)
	log := logger.WithFields(logrus.Fields{
		"key":    e.Key,
		"waited": waited.String(),
	})

	msg := protocol.MatchFailedMsg{
		Key:      e.Key,
		Reason:   ReasonTimeout,
		WaitedMs: waited.Milliseconds(),
	}
	if err := r.notifier.Notify(ctx, e.TransportRef, protocol.KindMatchFailed, msg); err != nil {
		log.WithError(err).Warn("timeout notification not delivered")
	}
	log.Info("entry timed out")
}
