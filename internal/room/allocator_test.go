package room

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(url string) HTTPConfig {
	cfg := DefaultHTTPConfig(url)
	cfg.MaxElapsed = 2 * time.Second
	cfg.BreakerTimeout = time.Minute
	return cfg
}

func TestLocalAllocator(t *testing.T) {
	id, err := LocalAllocator{}.Allocate(context.Background(), []string{"u1", "u2"}, "Math", "Easy")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "room-"))

	_, err = LocalAllocator{}.Allocate(context.Background(), nil, "", "")
	assert.Error(t, err)
}

func TestHTTPAllocatorSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rooms", r.URL.Path)

		var req allocateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"u1", "u2"}, req.ParticipantIDs)
		assert.Equal(t, "Math", req.Category)
		assert.Equal(t, "Any", req.Difficulty)

		json.NewEncoder(w).Encode(allocateResponse{RoomID: "room-42"})
	}))
	defer srv.Close()

	a := NewHTTPAllocator(testConfig(srv.URL + "/"))
	id, err := a.Allocate(context.Background(), []string{"u1", "u2"}, "Math", "Any")
	require.NoError(t, err)
	assert.Equal(t, "room-42", id)
}

func TestHTTPAllocatorRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(allocateResponse{RoomID: "room-retry"})
	}))
	defer srv.Close()

	a := NewHTTPAllocator(testConfig(srv.URL))
	id, err := a.Allocate(context.Background(), []string{"u1", "u2"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, "room-retry", id)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestHTTPAllocatorDoesNotRetryRejections(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad participants", http.StatusBadRequest)
	}))
	defer srv.Close()

	a := NewHTTPAllocator(testConfig(srv.URL))
	_, err := a.Allocate(context.Background(), []string{"u1", "u2"}, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestHTTPAllocatorRejectsEmptyRoomID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	a := NewHTTPAllocator(testConfig(srv.URL))
	_, err := a.Allocate(context.Background(), []string{"u1", "u2"}, "", "")
	assert.Error(t, err)
}

func TestHTTPAllocatorBreakerOpens(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 0
	cfg.TripAfter = 2
	a := NewHTTPAllocator(cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := a.Allocate(ctx, []string{"u1", "u2"}, "", "")
		require.Error(t, err)
	}
	before := atomic.LoadInt32(&calls)

	_, err := a.Allocate(ctx, []string{"u1", "u2"}, "", "")
	require.Error(t, err)
	assert.Equal(t, before, atomic.LoadInt32(&calls), "open breaker must not reach the service")
}

func TestHTTPAllocatorHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewHTTPAllocator(testConfig(srv.URL))
	_, err := a.Allocate(ctx, []string{"u1", "u2"}, "", "")
	assert.Error(t, err)
}
