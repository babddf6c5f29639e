package matching

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/matchmaker/internal/metrics"
	"github.com/whisper/matchmaker/internal/queue"
	"github.com/whisper/matchmaker/internal/ratelimit"
)

type failingQueue struct {
	WaitQueue
	lists int32
}

func (f *failingQueue) ListAll(context.Context) ([]string, error) {
	atomic.AddInt32(&f.lists, 1)
	return nil, errUnavailable
}

type fakeLock struct {
	mu       sync.Mutex
	ok       bool
	err      error
	unlocked int
}

func (f *fakeLock) TryLock(context.Context) (bool, error) { return f.ok, f.err }

func (f *fakeLock) Unlock(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlocked++
	return nil
}

type fakeSubscriber struct {
	enqueue func([]byte)
	cancel  func([]byte)
}

func (f *fakeSubscriber) SubscribeMatchRequest(h func([]byte)) error {
	f.enqueue = h
	return nil
}

func (f *fakeSubscriber) SubscribeMatchCancel(h func([]byte)) error {
	f.cancel = h
	return nil
}

func nowEntry(key string) queue.Entry {
	e := entry(key, "Math", "Easy", 0)
	e.EnqueuedAt = time.Now()
	return e
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestServiceSweepsOnEveryTick(t *testing.T) {
	h := newHarness(t, nowEntry("x"), nowEntry("y"))
	s := NewService(h.matcher, ServiceConfig{Interval: 10 * time.Millisecond})

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return h.events.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, queued(t, h.queue))
}

func TestServiceKeepsTickingAfterErrors(t *testing.T) {
	h := newHarness(t)
	fq := &failingQueue{WaitQueue: h.queue}
	m := NewMatcher(fq, NewPublisher(h.records, h.rooms, h.events, h.notifier), h.notifier, unit, timeout)
	s := NewService(m, ServiceConfig{Interval: 5 * time.Millisecond})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fq.lists) >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	after := atomic.LoadInt32(&fq.lists)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&fq.lists), "no ticks after Stop")
}

func TestServiceTickHonoursSweepLock(t *testing.T) {
	h := newHarness(t, nowEntry("x"), nowEntry("y"))
	lock := &fakeLock{ok: false}
	s := NewService(h.matcher, ServiceConfig{Interval: time.Second, Lock: lock})

	s.Tick(context.Background(), time.Now())
	assert.Zero(t, h.events.count())
	assert.Len(t, queued(t, h.queue), 2)

	lock.err = errUnavailable
	s.Tick(context.Background(), time.Now())
	assert.Zero(t, h.events.count())

	lock.ok, lock.err = true, nil
	s.Tick(context.Background(), time.Now())
	assert.Equal(t, 1, h.events.count())
	assert.Equal(t, 1, lock.unlocked)
}

func TestServiceStartStop(t *testing.T) {
	h := newHarness(t)

	bad := NewService(h.matcher, ServiceConfig{})
	assert.Error(t, bad.Start(context.Background()))

	s := NewService(h.matcher, ServiceConfig{Interval: time.Hour})
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()

	// A stopped service can be started again.
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

func TestServiceWiresIntake(t *testing.T) {
	h := newHarness(t)
	sub := &fakeSubscriber{}
	s := NewService(h.matcher, ServiceConfig{
		Interval: time.Hour,
		Intake:   NewIntake(h.queue, nil, ratelimit.EnqueueRule(0)),
		Source:   sub,
	})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.NotNil(t, sub.enqueue)
	require.NotNil(t, sub.cancel)

	sub.enqueue([]byte(`{"key":"k1","participant_id":"u1","transport_ref":"conn-1"}`))
	sub.enqueue([]byte(`not json`))
	assert.Equal(t, []string{"k1"}, queued(t, h.queue))

	sub.cancel([]byte(`{"key":"k1"}`))
	assert.Empty(t, queued(t, h.queue))
}

func TestTickKeepsQueueSizeWhenSweepAborts(t *testing.T) {
	h := newHarness(t)
	m := NewMatcher(&failingQueue{WaitQueue: h.queue}, NewPublisher(h.records, h.rooms, h.events, h.notifier), h.notifier, unit, timeout)
	s := NewService(m, ServiceConfig{Interval: time.Second})

	metrics.QueueSize.Set(7)
	errorsBefore := counterValue(t, metrics.SweepErrorsTotal)

	s.Tick(context.Background(), time.Now())
	assert.Equal(t, 7.0, gaugeValue(t, metrics.QueueSize))
	assert.Equal(t, errorsBefore+1, counterValue(t, metrics.SweepErrorsTotal))
}

func TestObserveCountsOnlyPublishedPairs(t *testing.T) {
	matches := metrics.MatchesTotal.WithLabelValues("Astronomy")
	matchesBefore := counterValue(t, matches)
	failuresBefore := counterValue(t, metrics.PublishFailuresTotal)
	metrics.QueueSize.Set(9)

	res := SweepResult{
		Snapshot: 4,
		Matched: []Pair{
			{A: entry("a", "Astronomy", "Easy", 0), B: entry("b", "Astronomy", "Easy", 0), MatchID: "m1"},
			{A: entry("c", "Astronomy", "Easy", 0), B: entry("d", "Astronomy", "Easy", 0)},
		},
		PublishFailures: 1,
	}

	observe(res, t0.Add(time.Second), false)
	assert.Equal(t, matchesBefore+1, counterValue(t, matches))
	assert.Equal(t, failuresBefore+1, counterValue(t, metrics.PublishFailuresTotal))
	assert.Equal(t, 9.0, gaugeValue(t, metrics.QueueSize))

	observe(res, t0.Add(time.Second), true)
	assert.Equal(t, matchesBefore+2, counterValue(t, matches))
	assert.Equal(t, 4.0, gaugeValue(t, metrics.QueueSize))
}

func TestTickCountsPublishFailuresSeparately(t *testing.T) {
	h := newHarness(t, nowEntry("x"), nowEntry("y"))
	h.records.err = errUnavailable
	s := NewService(h.matcher, ServiceConfig{Interval: time.Second})

	matches := metrics.MatchesTotal.WithLabelValues("Math")
	matchesBefore := counterValue(t, matches)
	failuresBefore := counterValue(t, metrics.PublishFailuresTotal)

	s.Tick(context.Background(), time.Now())
	assert.Equal(t, matchesBefore, counterValue(t, matches))
	assert.Equal(t, failuresBefore+1, counterValue(t, metrics.PublishFailuresTotal))
	assert.Empty(t, queued(t, h.queue))
}
