// Package admin serves the matcher's operational HTTP endpoints: health,
// Prometheus metrics, queue inspection and match record lookups.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/whisper/matchmaker/internal/logging"
	"github.com/whisper/matchmaker/internal/metrics"
	"github.com/whisper/matchmaker/internal/record"
)

var logger = logging.For("admin")

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// QueueSizer reports how many entries are waiting.
type QueueSizer interface {
	Size(ctx context.Context) (int64, error)
}

// MatchStore looks up persisted match records.
type MatchStore interface {
	Get(ctx context.Context, id string) (*record.Record, error)
	CountSince(ctx context.Context, since time.Time) (int, error)
}

type handler struct {
	queue   QueueSizer
	matches MatchStore
	checks  map[string]Check
}

// NewRouter returns the admin routes. checks are run on every /healthz call.
func NewRouter(queue QueueSizer, matches MatchStore, checks map[string]Check) *mux.Router {
	h := &handler{queue: queue, matches: matches, checks: checks}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.HandleFunc("/queue", h.queueSize).Methods(http.MethodGet)
	r.HandleFunc("/matches/count", h.matchCount).Methods(http.MethodGet)
	r.HandleFunc("/matches/{id}", h.match).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		names := make([]string, 0, len(failed))
		for name := range failed {
			names = append(names, name)
		}
		sort.Strings(names)
		logger.WithField("failed", names).Warn("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unavailable",
			"failed": failed,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) queueSize(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.Size(r.Context())
	if err != nil {
		logger.WithError(err).Warn("queue size")
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"size": n})
}

type matchResponse struct {
	ID         string `json:"id"`
	Category   string `json:"category"`
	Difficulty string `json:"difficulty"`
	CreatedAt  int64  `json:"created_at"`
}

func (h *handler) match(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := h.matches.Get(r.Context(), id)
	if errors.Is(err, record.ErrNotFound) {
		http.Error(w, "match not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.WithError(err).WithField("match_id", id).Warn("match lookup")
		http.Error(w, "match store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, matchResponse{
		ID:         rec.ID,
		Category:   rec.Category,
		Difficulty: rec.Difficulty,
		CreatedAt:  rec.CreatedAt.UnixMilli(),
	})
}

// matchCount counts matches created at or after ?since=, given as RFC 3339 or
// unix milliseconds. Without since every match is counted.
func (h *handler) matchCount(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		http.Error(w, "invalid since", http.StatusBadRequest)
		return
	}
	n, err := h.matches.CountSince(r.Context(), since)
	if err != nil {
		logger.WithError(err).Warn("match count")
		http.Error(w, "match store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"since": since.UnixMilli(),
		"count": n,
	})
}

func parseSince(v string) (time.Time, error) {
	if v == "" {
		return time.UnixMilli(0).UTC(), nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339, v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Serve runs an HTTP server for h on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("admin server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
