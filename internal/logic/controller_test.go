package logic

import (
	"testing"
	"time"

	"github.com/sweeney/relay-scheduler/internal/timeofday"
)

func at(h, m int) time.Time {
	return time.Date(2024, 1, 2, h, m, 0, 0, time.UTC)
}

func window(onH, onM, offH, offM int) Window {
	return Window{
		ID:  "Horario_1",
		On:  timeofday.Time{Hour: onH, Minute: onM},
		Off: timeofday.Time{Hour: offH, Minute: offM},
	}
}

func TestWindowWants(t *testing.T) {
	tests := []struct {
		name string
		w    Window
		now  time.Time
		want bool
	}{
		{"before on", window(7, 30, 18, 45), at(7, 29), false},
		{"at on", window(7, 30, 18, 45), at(7, 30), true},
		{"midday", window(7, 30, 18, 45), at(12, 0), true},
		{"at off", window(7, 30, 18, 45), at(18, 45), false},
		{"overnight late", window(22, 0, 6, 0), at(23, 30), true},
		{"overnight early", window(22, 0, 6, 0), at(5, 59), true},
		{"overnight gap", window(22, 0, 6, 0), at(12, 0), false},
		{"equal times", window(8, 0, 8, 0), at(8, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.w.Wants(tt.now); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWindowActive(t *testing.T) {
	w := window(7, 30, 18, 45)
	if !w.Active(at(12, 0)) {
		t.Error("zero ExpiresAt should never expire")
	}
	w.ExpiresAt = at(18, 46)
	if !w.Active(at(18, 45)) {
		t.Error("expected active before ExpiresAt")
	}
	if w.Active(at(18, 46)) {
		t.Error("expected inactive at ExpiresAt")
	}
}

func TestControllerFirstEvaluationEmits(t *testing.T) {
	c := NewController("dev", at(0, 0))
	c.SetWindows("D1", []Window{window(7, 30, 18, 45)})

	events := c.Process(at(6, 0))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != EventOutputOff || events[0].Pin != "D1" || events[0].DeviceID != "dev" {
		t.Errorf("unexpected event: %+v", events[0])
	}

	if events := c.Process(at(6, 1)); len(events) != 0 {
		t.Errorf("expected no events without a transition, got %v", events)
	}
}

func TestControllerTransitions(t *testing.T) {
	c := NewController("dev", at(0, 0))
	c.SetWindows("D1", []Window{window(7, 30, 18, 45)})
	c.Process(at(7, 0))

	events := c.Process(at(7, 30))
	if len(events) != 1 || events[0].Type != EventOutputOn || events[0].ScheduleID != "Horario_1" {
		t.Fatalf("expected OUTPUT_ON driven by Horario_1, got %+v", events)
	}
	if s, _ := c.State("D1"); s != StateOn {
		t.Errorf("state: got %s, want ON", s)
	}

	events = c.Process(at(18, 45))
	if len(events) != 1 || events[0].Type != EventOutputOff {
		t.Fatalf("expected OUTPUT_OFF, got %+v", events)
	}
}

func TestControllerExpiredWindowLeavesState(t *testing.T) {
	c := NewController("dev", at(0, 0))
	w := window(7, 0, 23, 0)
	w.ExpiresAt = at(12, 0)
	c.SetWindows("D1", []Window{w})

	if events := c.Process(at(8, 0)); len(events) != 1 || events[0].State != StateOn {
		t.Fatalf("expected ON, got %+v", events)
	}
	if events := c.Process(at(12, 0)); len(events) != 0 {
		t.Errorf("expired window should not emit, got %+v", events)
	}
	if c.Scheduled("D1") {
		t.Error("expired window still scheduled")
	}
	if s, _ := c.State("D1"); s != StateOn {
		t.Errorf("state: got %s, want last applied ON", s)
	}
}

func TestControllerOrdersByPin(t *testing.T) {
	c := NewController("dev", at(0, 0))
	c.SetWindows("D5", []Window{window(1, 0, 2, 0)})
	c.SetWindows("D0", []Window{window(1, 0, 2, 0)})

	events := c.Process(at(1, 30))
	if len(events) != 2 || events[0].Pin != "D0" || events[1].Pin != "D5" {
		t.Fatalf("expected D0 then D5, got %+v", events)
	}
}

func TestControllerClearWindows(t *testing.T) {
	c := NewController("dev", at(0, 0))
	c.SetWindows("D1", []Window{window(1, 0, 2, 0)})
	c.SetWindows("D1", nil)
	if events := c.Process(at(1, 30)); len(events) != 0 {
		t.Errorf("expected no events after clearing, got %+v", events)
	}
}

func TestCheckHeartbeat(t *testing.T) {
	start := at(0, 0)
	c := NewController("dev", start)
	c.SetWindows("D1", []Window{window(0, 0, 2, 0)})
	c.Process(at(0, 30))

	if hb := c.CheckHeartbeat(at(0, 30), time.Hour); hb != nil {
		t.Error("heartbeat before interval")
	}
	hb := c.CheckHeartbeat(at(1, 0), time.Hour)
	if hb == nil {
		t.Fatal("expected heartbeat after interval")
	}
	if hb.Uptime != time.Hour {
		t.Errorf("uptime: got %v, want 1h", hb.Uptime)
	}
	if hb.Counts.On != 1 || hb.States["D1"] != StateOn {
		t.Errorf("heartbeat: got %+v", hb)
	}
	if c.CheckHeartbeat(at(1, 0), 0) != nil {
		t.Error("zero interval should disable heartbeats")
	}
}

func TestControllerForgetReemits(t *testing.T) {
	c := NewController("dev", at(0, 0))
	c.SetWindows("D0", []Window{window(7, 0, 8, 0)})

	if got := c.Process(at(7, 10)); len(got) != 1 {
		t.Fatalf("first Process: got %d events, want 1", len(got))
	}
	if got := c.Process(at(7, 11)); len(got) != 0 {
		t.Fatalf("steady state: got %d events, want 0", len(got))
	}

	c.Forget("D0")
	got := c.Process(at(7, 12))
	if len(got) != 1 || got[0].State != StateOn {
		t.Fatalf("after Forget: got %+v, want one ON event", got)
	}
	if c.Counts().On != 2 {
		t.Errorf("Counts().On = %d, want 2", c.Counts().On)
	}
}

func TestControllerStatesIsCopy(t *testing.T) {
	c := NewController("dev", at(0, 0))
	c.SetWindows("D0", []Window{window(7, 0, 8, 0)})
	c.Process(at(12, 0))

	states := c.States()
	if states["D0"] != StateOff {
		t.Fatalf("States()[D0] = %q, want OFF", states["D0"])
	}
	states["D0"] = StateOn
	if s, _ := c.State("D0"); s != StateOff {
		t.Error("mutating States() should not reach the controller")
	}
}
