package mqtt

import (
	"sync"

	"github.com/sweeney/relay-scheduler/internal/logic"
)

// Message is a raw message recorded by FakePublisher.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// FakePublisher records published messages for test assertions and lets
// tests deliver schedule messages to subscribers.
type FakePublisher struct {
	mu sync.Mutex

	// Events contains all output events that were published.
	Events []logic.Event

	// Messages contains every raw message in publish order.
	Messages []Message

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// PublishError, if set, will be returned by every publish method.
	PublishError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool

	handlers map[string][]func(pin string, payload []byte)
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{handlers: make(map[string][]func(string, []byte))}
}

func (f *FakePublisher) record(topic string, payload []byte, retained bool) error {
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Messages = append(f.Messages, Message{Topic: topic, Payload: append([]byte(nil), payload...), Retained: retained})
	return nil
}

// Publish records the output event.
func (f *FakePublisher) Publish(event logic.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, err := FormatPayload(event)
	if err != nil {
		return err
	}
	if err := f.record(TopicEvents(event.DeviceID), payload, false); err != nil {
		return err
	}
	f.Events = append(f.Events, event)
	return nil
}

// PublishSchedules records a retained schedule payload.
func (f *FakePublisher) PublishSchedules(deviceID, pin string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record(TopicSchedules(deviceID, pin), payload, true)
}

// PublishNotification records a notification payload.
func (f *FakePublisher) PublishNotification(accountID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record(TopicNotifications(accountID), payload, false)
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	if err := f.record(TopicSystem("fake"), payload, event.Retained); err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	return nil
}

// SubscribeSchedules registers fn for Deliver.
func (f *FakePublisher) SubscribeSchedules(deviceID string, fn func(pin string, payload []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[deviceID] = append(f.handlers[deviceID], fn)
	return nil
}

// Deliver hands a schedule payload to every subscriber of deviceID.
func (f *FakePublisher) Deliver(deviceID, pin string, payload []byte) {
	f.mu.Lock()
	handlers := append([]func(string, []byte){}, f.handlers[deviceID]...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(pin, payload)
	}
}

// Snapshot returns a copy of the recorded messages.
func (f *FakePublisher) Snapshot() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.Messages...)
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// Reset clears recorded messages.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Events = nil
	f.Messages = nil
	f.SystemEvents = nil
	f.Closed = false
	f.PublishError = nil
	f.Connected = false
}
