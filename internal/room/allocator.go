// Package room requests a room for every completed pairing from the room
// service. The HTTP allocator retries transient failures with exponential
// backoff and stops calling a failing service through a circuit breaker.
package room

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/whisper/matchmaker/internal/logging"
)

var logger = logging.For("room")

// LocalAllocator hands out room ids without a room service.
type LocalAllocator struct{}

// Allocate returns a fresh room id.
func (LocalAllocator) Allocate(_ context.Context, participantIDs []string, _, _ string) (string, error) {
	if len(participantIDs) == 0 {
		return "", errors.New("room: no participants")
	}
	return "room-" + uuid.NewString(), nil
}

// HTTPConfig configures the HTTP allocator.
type HTTPConfig struct {
	BaseURL        string
	RequestTimeout time.Duration // per attempt
	MaxElapsed     time.Duration // across retries
	MaxRetries     uint64
	BreakerTimeout time.Duration // open -> half-open
	TripAfter      uint32        // consecutive failures that open the breaker
}

// DefaultHTTPConfig returns sensible defaults for baseURL.
func DefaultHTTPConfig(baseURL string) HTTPConfig {
	return HTTPConfig{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		RequestTimeout: 2 * time.Second,
		MaxElapsed:     5 * time.Second,
		MaxRetries:     3,
		BreakerTimeout: 30 * time.Second,
		TripAfter:      5,
	}
}

// HTTPAllocator calls POST <base>/rooms on the room service.
type HTTPAllocator struct {
	cfg    HTTPConfig
	client *http.Client
	cb     *gobreaker.CircuitBreaker
}

type allocateRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
	Category       string   `json:"category"`
	Difficulty     string   `json:"difficulty"`
}

type allocateResponse struct {
	RoomID string `json:"room_id"`
}

// NewHTTPAllocator creates an allocator for the room service at cfg.BaseURL.
func NewHTTPAllocator(cfg HTTPConfig) *HTTPAllocator {
	a := &HTTPAllocator{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
	a.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "room-allocator",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.TripAfter
		},
		IsSuccessful: func(err error) bool {
			// A rejected request says nothing about the service's health.
			var perm *backoff.PermanentError
			return err == nil || errors.As(err, &perm)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state change")
		},
	})
	return a
}

// Allocate asks the room service for a room for the given participants.
func (a *HTTPAllocator) Allocate(ctx context.Context, participantIDs []string, category, difficulty string) (string, error) {
	body, err := json.Marshal(allocateRequest{
		ParticipantIDs: participantIDs,
		Category:       category,
		Difficulty:     difficulty,
	})
	if err != nil {
		return "", fmt.Errorf("room: marshal request: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = a.cfg.MaxElapsed
	policy := backoff.WithContext(backoff.WithMaxRetries(b, a.cfg.MaxRetries), ctx)

	var roomID string
	attempt := 0
	op := func() error {
		attempt++
		res, err := a.cb.Execute(func() (interface{}, error) {
			return a.post(ctx, body)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		if err != nil {
			logger.WithError(err).WithField("attempt", attempt).Warn("room allocation attempt failed")
			return err
		}
		roomID = res.(string)
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return "", fmt.Errorf("room: allocate: %w", err)
	}
	return roomID, nil
}

func (a *HTTPAllocator) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/rooms", bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("room service returned %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return "", backoff.Permanent(fmt.Errorf("room service rejected request: %d %s", resp.StatusCode, bytes.TrimSpace(data)))
	}

	var out allocateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", backoff.Permanent(fmt.Errorf("decode room response: %w", err))
	}
	if out.RoomID == "" {
		return "", backoff.Permanent(errors.New("room service returned an empty room id"))
	}
	return out.RoomID, nil
}
