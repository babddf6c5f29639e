package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisper/matchmaker/internal/messaging"
	"github.com/whisper/matchmaker/internal/metrics"
	"github.com/whisper/matchmaker/internal/protocol"
	"github.com/whisper/matchmaker/internal/queue"
	"github.com/whisper/matchmaker/internal/ratelimit"
)

// ErrRateLimited is returned when a participant enqueues too often.
var ErrRateLimited = errors.New("matching: enqueue rate limited")

// EntryQueue is the view of the queue intake writes to.
type EntryQueue interface {
	Enqueue(ctx context.Context, e queue.Entry) error
	Cancel(ctx context.Context, key string) (bool, error)
}

// RateLimiter throttles requests per identifier.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Intake turns enqueue and cancel requests from connection servers into queue
// writes. Requests that do not decode into a valid entry never reach the queue.
type Intake struct {
	queue   EntryQueue
	limiter RateLimiter
	rule    ratelimit.Rule
	now     func() time.Time
}

// NewIntake creates an intake writing to q. A nil limiter disables throttling.
func NewIntake(q EntryQueue, limiter RateLimiter, rule ratelimit.Rule) *Intake {
	return &Intake{queue: q, limiter: limiter, rule: rule, now: time.Now}
}

// Enqueue validates one enqueue request and adds it to the queue.
func (in *Intake) Enqueue(ctx context.Context, data []byte) (queue.Entry, error) {
	req, err := protocol.ParseEnqueueRequest(data)
	if err != nil {
		metrics.IntakeRejectedTotal.WithLabelValues("malformed").Inc()
		return queue.Entry{}, err
	}

	e := queue.Entry{
		Key:           req.Key,
		ParticipantID: req.ParticipantID,
		TransportRef:  req.TransportRef,
		Category:      req.Category,
		Difficulty:    req.Difficulty,
		EnqueuedAt:    in.now(),
	}
	if req.EnqueuedAt > 0 {
		e.EnqueuedAt = time.UnixMilli(req.EnqueuedAt)
	}
	if err := e.Validate(); err != nil {
		metrics.IntakeRejectedTotal.WithLabelValues("malformed").Inc()
		return e, err
	}
	if _, err := messaging.NotifySubject(e.TransportRef); err != nil {
		metrics.IntakeRejectedTotal.WithLabelValues("malformed").Inc()
		return e, err
	}

	if in.limiter != nil {
		ok, err := in.limiter.Allow(ctx, e.ParticipantID, in.rule)
		if err != nil {
			logger.WithError(err).Warn("rate limiter unavailable")
		}
		if !ok {
			metrics.IntakeRejectedTotal.WithLabelValues("rate_limited").Inc()
			return e, fmt.Errorf("%w: participant %s", ErrRateLimited, e.ParticipantID)
		}
	}

	if err := in.queue.Enqueue(ctx, e); err != nil {
		reason := "store"
		if errors.Is(err, queue.ErrAlreadyQueued) {
			reason = "duplicate"
		}
		metrics.IntakeRejectedTotal.WithLabelValues(reason).Inc()
		return e, err
	}
	return e, nil
}

// Cancel withdraws a waiting key. It reports whether the key was still queued.
func (in *Intake) Cancel(ctx context.Context, data []byte) (bool, error) {
	req, err := protocol.ParseCancelRequest(data)
	if err != nil {
		return false, err
	}
	return in.queue.Cancel(ctx, req.Key)
}

// handleEnqueue adapts Enqueue to a subscription callback.
func (in *Intake) handleEnqueue(ctx context.Context) func([]byte) {
	return func(data []byte) {
		e, err := in.Enqueue(ctx, data)
		log := logger.WithField("key", e.Key)
		if err != nil {
			log.WithError(err).Warn("enqueue request rejected")
			return
		}
		log.WithFields(logrus.Fields{
			"category":   e.Category,
			"difficulty": e.Difficulty,
		}).Info("enqueued")
	}
}

// handleCancel adapts Cancel to a subscription callback.
func (in *Intake) handleCancel(ctx context.Context) func([]byte) {
	return func(data []byte) {
		removed, err := in.Cancel(ctx, data)
		if err != nil {
			logger.WithError(err).Warn("cancel request failed")
			return
		}
		logger.WithField("removed", removed).Info("cancel request handled")
	}
}
