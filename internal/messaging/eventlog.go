package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// SubjectMatchCreated carries one message per completed pairing.
	SubjectMatchCreated = SubjectMatchEvents + ".created"

	// HeaderMatchID repeats the message key for consumers that do not read
	// the JetStream dedupe header.
	HeaderMatchID = "Match-Id"

	// dedupeWindow bounds how long JetStream remembers message ids. A retry of
	// the same match id inside the window is stored once.
	dedupeWindow = 10 * time.Minute
)

// EventLog appends match events to a JetStream stream. Every append is keyed
// by match id through the Nats-Msg-Id header, so a repeated append of the same
// key is acknowledged as a duplicate instead of stored twice.
type EventLog struct {
	js      nats.JetStreamContext
	subject string
}

// NewEventLog opens JetStream on conn and makes sure the stream exists.
func NewEventLog(conn *nats.Conn, stream string) (*EventLog, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("messaging: jetstream: %w", err)
	}
	if err := ensureStream(js, stream); err != nil {
		return nil, err
	}
	return &EventLog{js: js, subject: SubjectMatchCreated}, nil
}

func ensureStream(js nats.JetStreamContext, stream string) error {
	_, err := js.StreamInfo(stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("messaging: stream info %s: %w", stream, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       stream,
		Subjects:   []string{SubjectMatchEvents + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: dedupeWindow,
	})
	if err != nil {
		return fmt.Errorf("messaging: add stream %s: %w", stream, err)
	}
	logger.WithField("stream", stream).Info("created match event stream")
	return nil
}

// Append stores payload under key. It returns once JetStream has persisted
// the message (or recognised it as a duplicate of key).
func (l *EventLog) Append(ctx context.Context, key string, payload []byte) error {
	if key == "" {
		return errors.New("messaging: event key is empty")
	}
	msg := nats.NewMsg(l.subject)
	msg.Data = payload
	msg.Header.Set(HeaderMatchID, key)

	ack, err := l.js.PublishMsg(msg, nats.MsgId(key), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("messaging: append %s: %w", key, err)
	}
	if ack.Duplicate {
		logger.WithField("match_id", key).Debug("duplicate match event ignored by stream")
	}
	return nil
}
