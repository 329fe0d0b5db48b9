package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/sweeney/relay-scheduler/internal/logic"
)

// DefaultBufferSize is the number of messages held while disconnected.
const DefaultBufferSize = 256

// Config describes a broker connection.
type Config struct {
	Broker     string
	ClientID   string
	Username   string
	Password   string
	BufferSize int
	Logger     zerolog.Logger
}

type subscription struct {
	filter  string
	handler paho.MessageHandler
}

// RealPublisher publishes to and subscribes on an actual MQTT broker.
// Messages published while the connection is down are buffered and
// replayed when it comes back.
type RealPublisher struct {
	client   paho.Client
	clientID string
	log      zerolog.Logger

	mu   sync.Mutex
	buf  *ringBuffer
	subs []subscription
}

// NewRealPublisher creates a client connected to the given broker. The
// broker publishes an OFFLINE system event for this client if it vanishes.
func NewRealPublisher(cfg Config) (*RealPublisher, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "relay-scheduler"
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}

	p := &RealPublisher{
		clientID: cfg.ClientID,
		log:      cfg.Logger.With().Str("component", "mqtt").Logger(),
		buf:      newRingBuffer(cfg.BufferSize),
	}

	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "OFFLINE", Reason: "connection lost"})
	if err != nil {
		return nil, err
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(TopicSystem(cfg.ClientID), string(will), 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			p.log.Warn().Err(err).Msg("mqtt connection lost")
		})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, errors.New("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

// onConnect restores subscriptions and replays buffered messages.
func (p *RealPublisher) onConnect(c paho.Client) {
	p.mu.Lock()
	subs := append([]subscription(nil), p.subs...)
	pending := p.buf.drainAll()
	p.mu.Unlock()

	for _, s := range subs {
		if t := c.Subscribe(s.filter, 1, s.handler); t.WaitTimeout(5*time.Second) && t.Error() != nil {
			p.log.Error().Err(t.Error()).Str("topic", s.filter).Msg("resubscribe failed")
		}
	}
	for _, m := range pending {
		if err := p.send(m); err != nil {
			p.log.Warn().Err(err).Str("topic", m.topic).Msg("replay failed")
		}
	}
	p.log.Info().Int("replayed", len(pending)).Int("subscriptions", len(subs)).Msg("mqtt connected")
}

func (p *RealPublisher) send(m bufferedMsg) error {
	token := p.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(5 * time.Second) {
		return errors.New("publish timeout")
	}
	return token.Error()
}

// publish sends m or buffers it while disconnected.
func (p *RealPublisher) publish(m bufferedMsg) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.buf.push(m)
		p.mu.Unlock()
		return nil
	}
	if err := p.send(m); err != nil {
		p.mu.Lock()
		p.buf.push(m)
		p.mu.Unlock()
		return fmt.Errorf("publish %s: %w", m.topic, err)
	}
	return nil
}

// Publish sends an output transition to the MQTT broker.
func (p *RealPublisher) Publish(event logic.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	// QoS 0 (at-most-once), not retained
	return p.publish(bufferedMsg{topic: TopicEvents(event.DeviceID), payload: payload})
}

// PublishSchedules sends a retained schedule mirror for one output.
func (p *RealPublisher) PublishSchedules(deviceID, pin string, payload []byte) error {
	return p.publish(bufferedMsg{topic: TopicSchedules(deviceID, pin), payload: payload, qos: 1, retained: true})
}

// PublishNotification sends a reminder to an account topic.
func (p *RealPublisher) PublishNotification(accountID string, payload []byte) error {
	return p.publish(bufferedMsg{topic: TopicNotifications(accountID), payload: payload, qos: 1})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	// QoS 1 (at-least-once) so shutdown events are delivered
	return p.publish(bufferedMsg{topic: TopicSystem(p.clientID), payload: payload, qos: 1, retained: event.Retained})
}

// SubscribeSchedules implements Subscriber.
func (p *RealPublisher) SubscribeSchedules(deviceID string, fn func(pin string, payload []byte)) error {
	s := subscription{
		filter: TopicScheduleFilter(deviceID),
		handler: func(_ paho.Client, msg paho.Message) {
			pin, ok := PinFromScheduleTopic(msg.Topic())
			if !ok {
				return
			}
			fn(pin, msg.Payload())
		},
	}

	p.mu.Lock()
	p.subs = append(p.subs, s)
	p.mu.Unlock()

	if !p.client.IsConnectionOpen() {
		return nil
	}
	token := p.client.Subscribe(s.filter, 1, s.handler)
	if !token.WaitTimeout(5 * time.Second) {
		return errors.New("subscribe timeout")
	}
	return token.Error()
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Buffered returns the number of messages awaiting replay.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
