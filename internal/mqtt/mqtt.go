// Package mqtt provides MQTT publishing and subscribing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/sweeney/relay-scheduler/internal/logic"
)

// TopicPrefix roots every topic this service uses.
const TopicPrefix = "relay"

// TopicSchedules is the retained topic carrying the mirrored schedules of one output.
func TopicSchedules(deviceID, pin string) string {
	return TopicPrefix + "/" + deviceID + "/" + pin + "/schedules"
}

// TopicScheduleFilter matches the schedule topics of every output of a device.
func TopicScheduleFilter(deviceID string) string {
	return TopicPrefix + "/" + deviceID + "/+/schedules"
}

// TopicEvents is the topic for output transitions of a device.
func TopicEvents(deviceID string) string {
	return TopicPrefix + "/" + deviceID + "/events"
}

// TopicNotifications is the topic for reminders addressed to an account.
func TopicNotifications(accountID string) string {
	return TopicPrefix + "/notifications/" + accountID
}

// TopicSystem is the topic for lifecycle events of one client.
func TopicSystem(clientID string) string {
	return TopicPrefix + "/system/" + clientID
}

// PinFromScheduleTopic extracts the pin of a TopicSchedules topic.
func PinFromScheduleTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix || parts[3] != "schedules" || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends an output transition to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event logic.Event) error

	// PublishSchedules sends a mirrored schedule payload, retained.
	PublishSchedules(deviceID, pin string, payload []byte) error

	// PublishNotification sends a reminder to an account's topic.
	PublishNotification(accountID string, payload []byte) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// Subscriber receives mirrored schedules.
type Subscriber interface {
	// SubscribeSchedules calls fn for every schedule message of deviceID.
	// Subscriptions survive reconnects.
	SubscribeSchedules(deviceID string, fn func(pin string, payload []byte)) error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload for an output transition.
type Payload struct {
	Output OutputPayload `json:"output"`
}

// OutputPayload contains the transition details.
type OutputPayload struct {
	Timestamp  string `json:"timestamp"`
	Event      string `json:"event"`
	Device     string `json:"device"`
	Pin        string `json:"pin"`
	State      string `json:"state"`
	ScheduleID string `json:"schedule,omitempty"`
}

// FormatPayload creates the JSON payload for an output event.
func FormatPayload(event logic.Event) ([]byte, error) {
	payload := Payload{
		Output: OutputPayload{
			Timestamp:  event.Timestamp.UTC().Format(time.RFC3339),
			Event:      string(event.Type),
			Device:     event.DeviceID,
			Pin:        event.Pin,
			State:      string(event.State),
			ScheduleID: event.ScheduleID,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
