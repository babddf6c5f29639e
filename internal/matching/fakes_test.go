package matching

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/whisper/matchmaker/internal/protocol"
	"github.com/whisper/matchmaker/internal/queue"
	"github.com/whisper/matchmaker/internal/record"
)

const timeout = 30 * time.Second

var errUnavailable = errors.New("unavailable")

func setupQueue(t *testing.T, entries ...queue.Entry) (*queue.Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	q := queue.New(rdb)
	for _, e := range entries {
		require.NoError(t, q.Enqueue(context.Background(), e))
	}
	return q, mr
}

type fakeRecords struct {
	mu    sync.Mutex
	saved []record.Record
	err   error
}

func (f *fakeRecords) Save(_ context.Context, r record.Record) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.saved = append(f.saved, r)
	return r.ID, nil
}

type fakeRooms struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (f *fakeRooms) Allocate(_ context.Context, participantIDs []string, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, participantIDs)
	return "room-1", nil
}

type fakeEvents struct {
	mu       sync.Mutex
	keys     []string
	payloads [][]byte
	err      error
}

func (f *fakeEvents) Append(_ context.Context, key string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeEvents) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

type notification struct {
	ref     string
	kind    protocol.Kind
	payload interface{}
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, transportRef string, kind protocol.Kind, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, notification{ref: transportRef, kind: kind, payload: payload})
	return f.err
}

func (f *fakeNotifier) ofKind(kind protocol.Kind) []notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notification
	for _, n := range f.sent {
		if n.kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// harness wires a matcher to a miniredis queue and fake collaborators.
type harness struct {
	queue    *queue.Queue
	mr       *miniredis.Miniredis
	records  *fakeRecords
	rooms    *fakeRooms
	events   *fakeEvents
	notifier *fakeNotifier
	matcher  *Matcher
}

func newHarness(t *testing.T, entries ...queue.Entry) *harness {
	t.Helper()
	q, mr := setupQueue(t, entries...)
	h := &harness{
		queue:    q,
		mr:       mr,
		records:  &fakeRecords{},
		rooms:    &fakeRooms{},
		events:   &fakeEvents{},
		notifier: &fakeNotifier{},
	}
	pub := NewPublisher(h.records, h.rooms, h.events, h.notifier)
	h.matcher = NewMatcher(q, pub, h.notifier, unit, timeout)
	return h
}

// racingQueue runs hook before the wrapped call, standing in for another
// instance changing the queue between steps of a sweep.
type racingQueue struct {
	*queue.Queue
	beforeRank  func(key string)
	beforeClaim func(a, b string)
	listErr     error
}

func (r *racingQueue) ListAll(ctx context.Context) ([]string, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.Queue.ListAll(ctx)
}

func (r *racingQueue) Rank(ctx context.Context, key string) (int64, bool, error) {
	if r.beforeRank != nil {
		r.beforeRank(key)
	}
	return r.Queue.Rank(ctx, key)
}

func (r *racingQueue) ClaimPair(ctx context.Context, a, b string) (bool, error) {
	if r.beforeClaim != nil {
		r.beforeClaim(a, b)
	}
	return r.Queue.ClaimPair(ctx, a, b)
}
