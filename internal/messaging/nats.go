// Package messaging provides a NATS client wrapper for the matcher. It handles
// connection lifecycle, the intake subjects fed by the connection servers,
// per-transport notifications, and the JetStream stream carrying match events.
package messaging

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/matchmaker/internal/logging"
	"github.com/whisper/matchmaker/internal/protocol"
)

// NATS subject patterns used by the matcher.
const (
	SubjectMatchRequest = "match.request"
	SubjectMatchCancel  = "match.cancel"
	SubjectMatchNotify  = "match.notify" // + .<transport_ref>
	SubjectMatchEvents  = "match.events" // + .created (JetStream)

	// IntakeQueueGroup spreads intake requests across matcher instances.
	IntakeQueueGroup = "matcher"
)

var logger = logging.For("messaging")

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "matchmaker",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("disconnected")
			} else {
				logger.Warn("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.WithField("url", nc.ConnectedUrl()).Info("connected")

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Conn exposes the underlying connection, e.g. for JetStream.
func (c *NATSClient) Conn() *nats.Conn {
	return c.conn
}

// Healthy returns an error unless the connection is currently up.
func (c *NATSClient) Healthy(context.Context) error {
	if status := c.conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats: connection %s", status)
	}
	return nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// QueueSubscribe registers a handler for subject within a queue group and
// stores the subscription internally for later cleanup.
func (c *NATSClient) QueueSubscribe(subject, group string, handler func(data []byte)) error {
	sub, err := c.conn.QueueSubscribe(subject, group, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// SubscribeMatchRequest subscribes to enqueue requests from connection servers.
func (c *NATSClient) SubscribeMatchRequest(handler func(data []byte)) error {
	return c.QueueSubscribe(SubjectMatchRequest, IntakeQueueGroup, handler)
}

// SubscribeMatchCancel subscribes to cancellation requests from connection servers.
func (c *NATSClient) SubscribeMatchCancel(handler func(data []byte)) error {
	return c.QueueSubscribe(SubjectMatchCancel, IntakeQueueGroup, handler)
}

// NotifySubject returns the subject a transport listens on.
func NotifySubject(transportRef string) (string, error) {
	if transportRef == "" || strings.ContainsAny(transportRef, " \t\r\n.*>") {
		return "", fmt.Errorf("messaging: transport ref %q is not a valid subject token", transportRef)
	}
	return SubjectMatchNotify + "." + transportRef, nil
}

// Notify delivers a notification to the owner of transportRef. Core NATS does
// not report whether anyone is listening, so a stale transport is silent.
func (c *NATSClient) Notify(ctx context.Context, transportRef string, kind protocol.Kind, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject, err := NotifySubject(transportRef)
	if err != nil {
		return err
	}
	data, err := protocol.NewNotification(kind, payload)
	if err != nil {
		return err
	}
	if err := c.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: notify %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			logger.WithError(err).WithField("subject", subject).Warn("drain subscription")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		logger.WithError(err).Warn("connection drain")
	}

	logger.Info("client closed")
}
