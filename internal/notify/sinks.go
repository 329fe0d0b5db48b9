package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sweeney/relay-scheduler/internal/mqtt"
)

// LogSink writes reminders to the log.
type LogSink struct {
	Logger zerolog.Logger
}

// Deliver implements Sink.
func (s LogSink) Deliver(_ context.Context, n Notification) error {
	s.Logger.Info().
		Str("notification", n.ID).
		Str("account", n.AccountID).
		Str("title", n.Title).
		Msg(n.Body)
	return nil
}

// MQTTSink publishes reminders to the account's notification topic.
type MQTTSink struct {
	Publisher mqtt.Publisher
}

// Deliver implements Sink.
func (s MQTTSink) Deliver(_ context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.Publisher.PublishNotification(n.AccountID, payload)
}

// NATSSubjectPrefix prefixes reminder subjects; the account id is appended.
const NATSSubjectPrefix = "relay.notifications."

// NATSSink publishes reminders on a NATS subject per account.
type NATSSink struct {
	conn *nats.Conn
}

// NewNATSSink connects to url.
func NewNATSSink(url string, logger zerolog.Logger) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("relay-scheduler"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSSink{conn: conn}, nil
}

// Deliver implements Sink.
func (s *NATSSink) Deliver(_ context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return s.conn.Publish(NATSSubjectPrefix+n.AccountID, payload)
}

// Close drains and closes the connection.
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}

// MultiSink delivers to every sink; all are attempted and errors joined.
type MultiSink []Sink

// Deliver implements Sink.
func (m MultiSink) Deliver(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
