package logic

import (
	"sort"
	"time"
)

// Controller tracks the applied state of each output of one device and
// detects transitions required by its windows.
type Controller struct {
	deviceID      string
	windows       map[string][]Window
	states        map[string]State
	startTime     time.Time
	eventCounts   EventCounts
	lastHeartbeat time.Time
}

// NewController creates a controller for deviceID.
// The startTime is used for calculating uptime in heartbeat events.
func NewController(deviceID string, startTime time.Time) *Controller {
	return &Controller{
		deviceID:      deviceID,
		windows:       make(map[string][]Window),
		states:        make(map[string]State),
		startTime:     startTime,
		lastHeartbeat: startTime,
	}
}

// SetWindows replaces the windows of pin. An empty list removes the pin's
// schedule authority but keeps its last applied state.
func (c *Controller) SetWindows(pin string, windows []Window) {
	if len(windows) == 0 {
		delete(c.windows, pin)
		return
	}
	c.windows[pin] = append([]Window(nil), windows...)
}

// Process evaluates every scheduled pin at now and returns the transitions
// to apply, ordered by pin. Expired windows are dropped. A pin with no
// active window is left as it is. The first evaluation of a pin always
// yields an event so the output is driven to a known state.
func (c *Controller) Process(now time.Time) []Event {
	pins := make([]string, 0, len(c.windows))
	for pin := range c.windows {
		pins = append(pins, pin)
	}
	sort.Strings(pins)

	var events []Event
	for _, pin := range pins {
		active := c.windows[pin][:0]
		for _, w := range c.windows[pin] {
			if w.Active(now) {
				active = append(active, w)
			}
		}
		if len(active) == 0 {
			delete(c.windows, pin)
			continue
		}
		c.windows[pin] = active

		var driver string
		on := false
		for _, w := range active {
			if w.Wants(now) {
				on, driver = true, w.ID
				break
			}
		}

		want := boolToState(on)
		if prev, seen := c.states[pin]; seen && prev == want {
			continue
		}
		c.states[pin] = want

		ev := Event{Timestamp: now, DeviceID: c.deviceID, Pin: pin, State: want, ScheduleID: driver}
		if on {
			ev.Type = EventOutputOn
			c.eventCounts.On++
		} else {
			ev.Type = EventOutputOff
			c.eventCounts.Off++
		}
		events = append(events, ev)
	}
	return events
}

// State returns the last applied state of pin.
func (c *Controller) State(pin string) (State, bool) {
	s, ok := c.states[pin]
	return s, ok
}

// States returns a copy of the last applied state of every pin.
func (c *Controller) States() map[string]State {
	out := make(map[string]State, len(c.states))
	for pin, s := range c.states {
		out[pin] = s
	}
	return out
}

// Counts returns the number of events emitted since startup.
func (c *Controller) Counts() EventCounts {
	return c.eventCounts
}

// Forget drops the applied state of pin so the next Process emits an event
// for it again. Used when driving the output failed.
func (c *Controller) Forget(pin string) {
	delete(c.states, pin)
}

// Scheduled reports whether pin currently has any window.
func (c *Controller) Scheduled(pin string) bool {
	return len(c.windows[pin]) > 0
}

// CheckHeartbeat returns heartbeat data if the interval has elapsed since the
// last heartbeat (or startup). Returns nil if the interval has not elapsed,
// or if interval is <= 0 (disabled).
func (c *Controller) CheckHeartbeat(now time.Time, interval time.Duration) *HeartbeatData {
	if interval <= 0 {
		return nil
	}
	if now.Sub(c.lastHeartbeat) < interval {
		return nil
	}

	c.lastHeartbeat = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(c.startTime),
		Counts:    c.eventCounts,
		States:    c.States(),
	}
}
