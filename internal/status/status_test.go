package status

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/relay-scheduler/internal/logic"
	"github.com/sweeney/relay-scheduler/internal/schedule"
)

var _ schedule.Observer = (*Tracker)(nil)

var testLoc = schedule.Location{AccountID: "acct", DeviceKey: "kitchen", Pin: "D0"}

func TestNewTracker(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Role: "server", StoreBackend: "sqlite", Broker: "tcp://localhost:1883", HTTPAddr: ":8080"}
	tr := NewTracker(start, cfg)

	snap := tr.Snapshot()
	if !snap.StartTime.Equal(start) {
		t.Errorf("StartTime: got %v, want %v", snap.StartTime, start)
	}
	if snap.Config.StoreBackend != "sqlite" {
		t.Errorf("Config.StoreBackend: got %q, want sqlite", snap.Config.StoreBackend)
	}
	if snap.Mode != schedule.ModeForegroundOnly {
		t.Errorf("Mode: got %q, want %q", snap.Mode, schedule.ModeForegroundOnly)
	}
	if snap.MQTTConnected {
		t.Error("expected MQTTConnected=false initially")
	}
	if snap.Sweeps.Total != 0 || snap.OpenOutputs != 0 {
		t.Errorf("expected zero counters, got %+v open=%d", snap.Sweeps, snap.OpenOutputs)
	}
}

func TestObserveSweep(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tr.ObserveSweep(testLoc, at, 2, nil)
	tr.ObserveSweep(testLoc, at.Add(time.Minute), 0, errors.New("store down"))

	s := tr.Snapshot().Sweeps
	if s.Total != 2 {
		t.Errorf("Total: got %d, want 2", s.Total)
	}
	if s.Purged != 2 {
		t.Errorf("Purged: got %d, want 2", s.Purged)
	}
	if s.Failures != 1 {
		t.Errorf("Failures: got %d, want 1", s.Failures)
	}
	if !s.Last.Equal(at.Add(time.Minute)) {
		t.Errorf("Last: got %v", s.Last)
	}
	if s.LastAt != testLoc.String() {
		t.Errorf("LastAt: got %q, want %q", s.LastAt, testLoc.String())
	}
	if s.LastError != "store down" {
		t.Errorf("LastError: got %q", s.LastError)
	}
}

func TestObserveModeAndOpen(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})

	tr.ObserveMode(schedule.ModeBackground)
	tr.ObserveOpen(3)

	snap := tr.Snapshot()
	if snap.Mode != schedule.ModeBackground {
		t.Errorf("Mode: got %q, want background", snap.Mode)
	}
	if snap.OpenOutputs != 3 {
		t.Errorf("OpenOutputs: got %d, want 3", snap.OpenOutputs)
	}
}

func TestSetMQTTConnected(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})

	tr.SetMQTTConnected(true)
	if !tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=true")
	}

	tr.SetMQTTConnected(false)
	if tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=false")
	}
}

func TestSnapshotUptime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{
		StartTime: start,
		Now:       start.Add(15 * time.Minute),
	}

	if snap.Uptime() != 15*time.Minute {
		t.Errorf("Uptime: got %v, want 15m", snap.Uptime())
	}
}

func TestSnapshotNowIsSet(t *testing.T) {
	tr := NewTracker(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Config{})

	before := time.Now()
	snap := tr.Snapshot()
	after := time.Now()

	if snap.Now.Before(before) || snap.Now.After(after) {
		t.Errorf("Now (%v) not between %v and %v", snap.Now, before, after)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	states := map[string]logic.State{"D0": logic.StateOn}
	tr.Update(states, logic.EventCounts{On: 1})

	// caller's map must not alias the tracker's
	states["D0"] = logic.StateOff
	snap1 := tr.Snapshot()
	if snap1.Outputs["D0"] != logic.StateOn {
		t.Error("Update should copy the states map")
	}

	tr.Update(map[string]logic.State{"D0": logic.StateOff}, logic.EventCounts{On: 1, Off: 1})
	if snap1.Outputs["D0"] != logic.StateOn {
		t.Error("snapshot should be a copy; D0 was modified")
	}
	snap1.Outputs["D1"] = logic.StateOn
	if _, ok := tr.Snapshot().Outputs["D1"]; ok {
		t.Error("mutating a snapshot should not reach the tracker")
	}
}

func TestPins(t *testing.T) {
	snap := Snapshot{Outputs: map[string]logic.State{"D3": logic.StateOn, "D0": logic.StateOff, "D1": logic.StateOn}}
	got := snap.Pins()
	want := []string{"D0", "D1", "D3"}
	if len(got) != len(want) {
		t.Fatalf("Pins: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Pins[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFormatJSON(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{
		Mode:          schedule.ModeBackground,
		OpenOutputs:   2,
		Sweeps:        SweepStats{Total: 10, Purged: 4, Last: start.Add(time.Minute), LastAt: "acct/kitchen/D0"},
		StartTime:     start,
		Now:           start.Add(15 * time.Minute),
		MQTTConnected: true,
		Config: Config{
			Role:               "server",
			Broker:             "tcp://localhost:1883",
			HTTPAddr:           ":8080",
			ForegroundInterval: 5 * time.Second,
			BackgroundInterval: time.Minute,
		},
	}

	data := FormatJSON(snap)

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if parsed.Status.Mode != "background" {
		t.Errorf("Mode: got %q, want background", parsed.Status.Mode)
	}
	if parsed.Status.OpenOutputs != 2 {
		t.Errorf("OpenOutputs: got %d, want 2", parsed.Status.OpenOutputs)
	}
	if parsed.Status.UptimeSeconds != 900 {
		t.Errorf("UptimeSeconds: got %d, want 900", parsed.Status.UptimeSeconds)
	}
	if !parsed.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if parsed.Status.Sweeps.Purged != 4 {
		t.Errorf("Sweeps.Purged: got %d, want 4", parsed.Status.Sweeps.Purged)
	}
	if parsed.Status.Sweeps.Last != "2026-01-01T00:01:00Z" {
		t.Errorf("Sweeps.Last: got %q", parsed.Status.Sweeps.Last)
	}
	if parsed.Status.Config.ForegroundIntervalMs != 5000 {
		t.Errorf("ForegroundIntervalMs: got %d, want 5000", parsed.Status.Config.ForegroundIntervalMs)
	}
	// Event and Reason should be omitted
	if parsed.Status.Event != "" {
		t.Errorf("expected empty Event for web format, got %q", parsed.Status.Event)
	}
	if parsed.Status.Reason != "" {
		t.Errorf("expected empty Reason for web format, got %q", parsed.Status.Reason)
	}
}

func TestFormatJSONNoSweepYet(t *testing.T) {
	snap := Snapshot{
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:       time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC),
	}

	var raw map[string]map[string]any
	if err := json.Unmarshal(FormatJSON(snap), &raw); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	sweeps := raw["status"]["sweeps"].(map[string]any)
	if _, ok := sweeps["last"]; ok {
		t.Error("last should be omitted before the first sweep")
	}
	if _, ok := raw["status"]["outputs"]; ok {
		t.Error("outputs should be omitted when none are tracked")
	}
}

func TestFormatStatusEvent(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{
		Outputs:       map[string]logic.State{"D0": logic.StateOn, "D1": logic.StateOff},
		Counts:        logic.EventCounts{On: 3},
		StartTime:     start,
		Now:           start.Add(15 * time.Minute),
		MQTTConnected: true,
		Config:        Config{Role: "agent", Broker: "tcp://localhost:1883"},
	}

	data := FormatStatusEvent(snap, "HEARTBEAT", "")

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if parsed.Status.Event != "HEARTBEAT" {
		t.Errorf("Event: got %q, want HEARTBEAT", parsed.Status.Event)
	}
	if parsed.Status.Reason != "" {
		t.Errorf("Reason: got %q, want empty", parsed.Status.Reason)
	}
	if parsed.Status.Outputs["D0"] != "ON" || parsed.Status.Outputs["D1"] != "OFF" {
		t.Errorf("Outputs: got %v", parsed.Status.Outputs)
	}
	if parsed.Status.Counts.On != 3 {
		t.Errorf("Counts.On: got %d, want 3", parsed.Status.Counts.On)
	}
}

func TestFormatStatusEventShutdown(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{
		StartTime: start,
		Now:       start.Add(30 * time.Minute),
		Config:    Config{Broker: "tcp://localhost:1883"},
	}

	data := FormatStatusEvent(snap, "SHUTDOWN", "SIGTERM")

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if parsed.Status.Event != "SHUTDOWN" {
		t.Errorf("Event: got %q, want SHUTDOWN", parsed.Status.Event)
	}
	if parsed.Status.Reason != "SIGTERM" {
		t.Errorf("Reason: got %q, want SIGTERM", parsed.Status.Reason)
	}
}

func TestFormatStatusEventOmitsReasonWhenEmpty(t *testing.T) {
	snap := Snapshot{
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:       time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC),
	}

	data := FormatStatusEvent(snap, "STARTUP", "")

	var raw map[string]interface{}
	json.Unmarshal(data, &raw)
	status := raw["status"].(map[string]interface{})
	if _, exists := status["reason"]; exists {
		t.Error("reason should be omitted when empty")
	}
	if status["event"] != "STARTUP" {
		t.Errorf("event: got %v, want STARTUP", status["event"])
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	var wg sync.WaitGroup

	// Writer
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			tr.Update(map[string]logic.State{"D0": logic.StateOn}, logic.EventCounts{On: i})
			tr.ObserveSweep(testLoc, time.Now(), i%2, nil)
			tr.ObserveOpen(i)
			tr.SetMQTTConnected(i%2 == 0)
		}
	}()

	// Reader
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			snap := tr.Snapshot()
			_ = snap.Uptime()
			_ = FormatJSON(snap)
		}
	}()

	wg.Wait()
}
