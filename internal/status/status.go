// Package status provides a thread-safe status tracker for the scheduler
// service and the relay agent. It is read by HTTP handlers and by the
// agent's heartbeat.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/sweeney/relay-scheduler/internal/logic"
	"github.com/sweeney/relay-scheduler/internal/schedule"
)

// Config contains process configuration for display.
type Config struct {
	Role               string // "server" or "agent"
	Environment        string
	StoreBackend       string
	Broker             string
	HTTPAddr           string
	ForegroundInterval time.Duration
	BackgroundInterval time.Duration
}

// SweepStats summarizes reconciliation since startup.
type SweepStats struct {
	Total     int
	Purged    int
	Failures  int
	Last      time.Time
	LastAt    string // output location of the last sweep
	LastError string
}

// Snapshot is a point-in-time view of process state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Mode          schedule.Mode
	OpenOutputs   int
	Sweeps        SweepStats
	Outputs       map[string]logic.State
	Counts        logic.EventCounts
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the process started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Pins returns the tracked output pins in order.
func (s Snapshot) Pins() []string {
	pins := make([]string, 0, len(s.Outputs))
	for p := range s.Outputs {
		pins = append(pins, p)
	}
	sort.Strings(pins)
	return pins
}

// Tracker holds mutable process state behind an RWMutex. It implements
// schedule.Observer.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			Mode:      schedule.ModeForegroundOnly,
			Outputs:   map[string]logic.State{},
			StartTime: startTime,
			Config:    cfg,
		},
		now: time.Now,
	}
}

// ObserveSweep records one sweep outcome.
func (t *Tracker) ObserveSweep(loc schedule.Location, at time.Time, purged int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.snap.Sweeps
	s.Total++
	s.Purged += purged
	s.Last = at
	s.LastAt = loc.String()
	if err != nil {
		s.Failures++
		s.LastError = err.Error()
	}
}

// ObserveMode records the reconciliation mode.
func (t *Tracker) ObserveMode(mode schedule.Mode) {
	t.mu.Lock()
	t.snap.Mode = mode
	t.mu.Unlock()
}

// ObserveOpen records the number of outputs under foreground reconciliation.
func (t *Tracker) ObserveOpen(n int) {
	t.mu.Lock()
	t.snap.OpenOutputs = n
	t.mu.Unlock()
}

// Update sets the applied output states and event counts.
// Called from the agent loop on every tick.
func (t *Tracker) Update(states map[string]logic.State, counts logic.EventCounts) {
	cp := make(map[string]logic.State, len(states))
	for k, v := range states {
		cp[k] = v
	}
	t.mu.Lock()
	t.snap.Outputs = cp
	t.snap.Counts = counts
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the process state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	outputs := make(map[string]logic.State, len(s.Outputs))
	for k, v := range s.Outputs {
		outputs[k] = v
	}
	t.mu.RUnlock()
	s.Outputs = outputs
	s.Now = t.now()
	return s
}
