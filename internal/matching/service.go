// Package matching pairs waiting participants. A Service fires a Matcher
// sweep on a fixed period; each sweep pairs compatible entries earliest-first,
// publishes every pair and evicts entries that waited too long.
package matching

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whisper/matchmaker/internal/logging"
	"github.com/whisper/matchmaker/internal/metrics"
)

var logger = logging.For("matching")

// Locker serializes sweeps across matcher instances.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Subscriber delivers intake requests from connection servers.
type Subscriber interface {
	SubscribeMatchRequest(handler func(data []byte)) error
	SubscribeMatchCancel(handler func(data []byte)) error
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Interval time.Duration // sweep period
	Lock     Locker        // nil sweeps without a cross-instance lock
	Intake   *Intake       // nil disables intake
	Source   Subscriber    // where Intake reads requests from
}

// Service is the background scheduler that runs one sweep per tick. Ticks
// never overlap within a process.
type Service struct {
	matcher *Matcher
	cfg     ServiceConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new matching service.
func NewService(matcher *Matcher, cfg ServiceConfig) *Service {
	return &Service{matcher: matcher, cfg: cfg}
}

// Start subscribes intake and starts the sweep loop. The loop runs until Stop
// is called or ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		return errors.New("matching: sweep interval must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("matching: service already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	if s.cfg.Intake != nil && s.cfg.Source != nil {
		if err := s.cfg.Source.SubscribeMatchRequest(s.cfg.Intake.handleEnqueue(ctx)); err != nil {
			cancel()
			return err
		}
		if err := s.cfg.Source.SubscribeMatchCancel(s.cfg.Intake.handleCancel(ctx)); err != nil {
			cancel()
			return err
		}
	}

	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)

	logger.WithFields(logrus.Fields{
		"interval":   s.cfg.Interval.String(),
		"sweep_lock": s.cfg.Lock != nil,
	}).Info("service started")
	return nil
}

// Stop ends the sweep loop and waits for a running sweep to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	logger.Info("service stopped")
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("sweep loop stopped")
			return
		case now := <-ticker.C:
			// A sweep that has claimed a pair must get to publish it.
			s.Tick(context.WithoutCancel(ctx), now)
		}
	}
}

// Tick runs one sweep at now and records its outcome. Errors are logged; they
// never stop the service.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	if s.cfg.Lock != nil {
		ok, err := s.cfg.Lock.TryLock(ctx)
		if err != nil {
			logger.WithError(err).Warn("sweep lock unavailable, skipping tick")
			return
		}
		if !ok {
			logger.Debug("sweep lock held elsewhere, skipping tick")
			return
		}
		defer func() {
			if err := s.cfg.Lock.Unlock(ctx); err != nil {
				logger.WithError(err).Warn("release sweep lock")
			}
		}()
	}

	start := time.Now()
	res, err := s.matcher.Sweep(ctx, now)
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	observe(res, now, err == nil)

	log := logger.WithFields(logrus.Fields{
		"snapshot":         res.Snapshot,
		"matched":          len(res.Matched),
		"evicted":          len(res.Evicted),
		"purged":           len(res.Purged),
		"publish_failures": res.PublishFailures,
	})
	if err != nil {
		metrics.SweepErrorsTotal.Inc()
		log.WithError(err).Error("sweep aborted")
		return
	}
	if len(res.Matched) > 0 || len(res.Evicted) > 0 || len(res.Purged) > 0 {
		log.Info("sweep done")
	} else {
		log.Debug("sweep done")
	}
}

// observe records the outcome of a sweep. The queue size gauge is only set by
// sweeps that completed, since an aborted sweep may not have read the queue.
func observe(res SweepResult, now time.Time, completed bool) {
	if completed {
		metrics.QueueSize.Set(float64(res.Snapshot))
	}
	for _, p := range res.Matched {
		if p.MatchID == "" {
			continue
		}
		metrics.MatchesTotal.WithLabelValues(resolve(p.A.Category, p.B.Category)).Inc()
		metrics.MatchWait.Observe(p.A.Waited(now).Seconds())
		metrics.MatchWait.Observe(p.B.Waited(now).Seconds())
	}
	metrics.TimeoutsTotal.Add(float64(len(res.Evicted)))
	metrics.PublishFailuresTotal.Add(float64(res.PublishFailures))
}
