package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/whisper/matchmaker/internal/protocol"
	"github.com/whisper/matchmaker/internal/queue"
	"github.com/whisper/matchmaker/internal/record"
)

// ErrPublish wraps every failure to persist, allocate or append a claimed pair.
// The pair stays removed from the queue.
var ErrPublish = errors.New("matching: publish failed")

// RecordStore persists match records.
type RecordStore interface {
	Save(ctx context.Context, r record.Record) (string, error)
}

// RoomAllocator hands out a room for a completed pairing.
type RoomAllocator interface {
	Allocate(ctx context.Context, participantIDs []string, category, difficulty string) (string, error)
}

// EventLog is the append-only topic downstream consumers read match events
// from. Appends are keyed by match id.
type EventLog interface {
	Append(ctx context.Context, key string, payload []byte) error
}

// Notifier delivers a notification to the owner of a transport reference.
type Notifier interface {
	Notify(ctx context.Context, transportRef string, kind protocol.Kind, payload interface{}) error
}

// MatchEvent is appended to the event log once per completed pairing.
type MatchEvent struct {
	MatchID      string                      `json:"match_id"`
	RoomID       string                      `json:"room_id"`
	Category     string                      `json:"category"`
	Difficulty   string                      `json:"difficulty"`
	Participant1 protocol.ParticipantSummary `json:"participant1"`
	Participant2 protocol.ParticipantSummary `json:"participant2"`
	CreatedAt    int64                       `json:"created_at"` // unix ms
}

// Publisher turns a claimed pair into a match record, a room and a match event,
// then tells both owners who they were paired with.
type Publisher struct {
	records  RecordStore
	rooms    RoomAllocator
	events   EventLog
	notifier Notifier
	now      func() time.Time
}

// NewPublisher creates a publisher over its collaborators.
func NewPublisher(records RecordStore, rooms RoomAllocator, events EventLog, notifier Notifier) *Publisher {
	return &Publisher{
		records:  records,
		rooms:    rooms,
		events:   events,
		notifier: notifier,
		now:      time.Now,
	}
}

// resolve returns the first non-empty value, or Any.
func resolve(a, b string) string {
	if a != "" {
		return a
	}
	if b != "" {
		return b
	}
	return Any
}

func summary(e queue.Entry) protocol.ParticipantSummary {
	return protocol.ParticipantSummary{
		ParticipantID: e.ParticipantID,
		TransportRef:  e.TransportRef,
		Category:      e.Category,
		Difficulty:    e.Difficulty,
	}
}

// Publish records the pairing of a and b. Errors wrap ErrPublish; failed
// notifications are logged and do not fail the publication.
func (p *Publisher) Publish(ctx context.Context, a, b queue.Entry) (MatchEvent, error) {
	category := resolve(a.Category, b.Category)
	difficulty := resolve(a.Difficulty, b.Difficulty)
	createdAt := p.now()

	matchID, err := p.records.Save(ctx, record.Record{
		ID:         uuid.NewString(),
		Category:   category,
		Difficulty: difficulty,
		CreatedAt:  createdAt,
	})
	if err != nil {
		return MatchEvent{}, fmt.Errorf("%w: save record: %v", ErrPublish, err)
	}

	roomID, err := p.rooms.Allocate(ctx, []string{a.ParticipantID, b.ParticipantID}, category, difficulty)
	if err != nil {
		return MatchEvent{}, fmt.Errorf("%w: allocate room for %s: %v", ErrPublish, matchID, err)
	}

	ev := MatchEvent{
		MatchID:      matchID,
		RoomID:       roomID,
		Category:     category,
		Difficulty:   difficulty,
		Participant1: summary(a),
		Participant2: summary(b),
		CreatedAt:    createdAt.UnixMilli(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return MatchEvent{}, fmt.Errorf("%w: marshal event %s: %v", ErrPublish, matchID, err)
	}
	if err := p.events.Append(ctx, matchID, payload); err != nil {
		return MatchEvent{}, fmt.Errorf("%w: append event %s: %v", ErrPublish, matchID, err)
	}

	p.notifyFound(ctx, ev, a, ev.Participant2)
	p.notifyFound(ctx, ev, b, ev.Participant1)

	logger.WithFields(logrus.Fields{
		"match_id": matchID,
		"room_id":  roomID,
		"a":        a.Key,
		"b":        b.Key,
	}).Info("match published")
	return ev, nil
}

func (p *Publisher) notifyFound(ctx context.Context, ev MatchEvent, owner queue.Entry, partner protocol.ParticipantSummary) {
	msg := protocol.MatchFoundMsg{MatchID: ev.MatchID, RoomID: ev.RoomID, Partner: partner}
	if err := p.notifier.Notify(ctx, owner.TransportRef, protocol.KindMatchFound, msg); err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"match_id": ev.MatchID,
			"key":      owner.Key,
		}).Warn("match notification not delivered")
	}
}
