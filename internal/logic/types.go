// Package logic decides, from mirrored schedules, whether each relay output
// should be on. This package has NO external dependencies (no GPIO, MQTT, OS,
// or time.Sleep). Time is always injectable via time.Time parameters.
package logic

import (
	"time"

	"github.com/sweeney/relay-scheduler/internal/timeofday"
)

// State represents the logical state of an output.
type State string

const (
	StateOn  State = "ON"
	StateOff State = "OFF"
)

func boolToState(on bool) State {
	if on {
		return StateOn
	}
	return StateOff
}

// EventType represents a state transition event.
type EventType string

const (
	EventOutputOn  EventType = "OUTPUT_ON"
	EventOutputOff EventType = "OUTPUT_OFF"
)

// Event represents an output transition to be applied and published.
type Event struct {
	Timestamp  time.Time
	DeviceID   string
	Pin        string
	Type       EventType
	State      State
	ScheduleID string // window that drove the transition, empty when none was on
}

// Window is one mirrored schedule. A zero ExpiresAt never expires.
type Window struct {
	ID        string
	On        timeofday.Time
	Off       timeofday.Time
	ExpiresAt time.Time
}

// Active reports whether w still has authority over its output at now.
func (w Window) Active(now time.Time) bool {
	return w.ExpiresAt.IsZero() || now.Before(w.ExpiresAt)
}

// Wants reports whether the output should be on at now's time of day.
// The interval is [On, Off), wrapping past midnight when On is after Off.
// On equal to Off never switches on.
func (w Window) Wants(now time.Time) bool {
	m := now.Hour()*60 + now.Minute()
	on, off := w.On.Minutes(), w.Off.Minutes()
	switch {
	case on == off:
		return false
	case on < off:
		return m >= on && m < off
	default:
		return m >= on || m < off
	}
}

// EventCounts tracks the number of each event type since startup.
type EventCounts struct {
	On  int
	Off int
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Counts    EventCounts
	States    map[string]State
}
