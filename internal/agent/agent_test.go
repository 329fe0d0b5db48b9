package agent

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/relay-scheduler/internal/gpio"
	"github.com/sweeney/relay-scheduler/internal/logic"
	"github.com/sweeney/relay-scheduler/internal/mqtt"
	"github.com/sweeney/relay-scheduler/internal/schedule"
	"github.com/sweeney/relay-scheduler/internal/status"
	"github.com/sweeney/relay-scheduler/internal/timeofday"
)

const device = "0123456789ABCDEF01234567"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type harness struct {
	t      *testing.T
	clock  *clock
	pub    *mqtt.FakePublisher
	writer gpio.Writer
	agent  *Agent
	tick   chan time.Time
	sig    chan os.Signal
	done   chan error
}

func newHarness(t *testing.T, writer gpio.Writer, tracker *status.Tracker) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  &clock{now: time.Date(2024, 1, 2, 7, 30, 0, 0, time.UTC)},
		pub:    mqtt.NewFakePublisher(),
		writer: writer,
		tick:   make(chan time.Time),
		sig:    make(chan os.Signal),
		done:   make(chan error, 1),
	}
	h.agent = New(Config{
		DeviceID:   device,
		Writer:     writer,
		Publisher:  h.pub,
		Subscriber: h.pub,
		Connection: h.pub,
		Tracker:    tracker,
		Heartbeat:  time.Minute,
		Now:        h.clock.Now,
		Logger:     zerolog.Nop(),
	})
	return h
}

func (h *harness) start(ctx context.Context) {
	go func() { h.done <- h.agent.Run(ctx, h.tick, h.sig) }()
}

func (h *harness) tickAt(t time.Time) {
	h.clock.Set(t)
	h.tick <- t
}

func (h *harness) stop() {
	h.t.Helper()
	h.sig <- syscall.SIGTERM
	select {
	case err := <-h.done:
		if err != nil {
			h.t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		h.t.Fatal("Run did not return")
	}
}

func mirrorPayload(t *testing.T, pin string, windows ...[4]int) []byte {
	t.Helper()
	set := schedule.Set{}
	for i, w := range windows {
		id := "Horario_" + string(rune('1'+i))
		set[id] = schedule.Schedule{
			ID:        id,
			On:        timeofday.Time{Hour: w[0], Minute: w[1]},
			Off:       timeofday.Time{Hour: w[2], Minute: w[3]},
			ExpiresAt: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
		}
	}
	payload, err := schedule.EncodeMirror(pin, set)
	if err != nil {
		t.Fatalf("EncodeMirror: %v", err)
	}
	return payload
}

func TestRunAppliesMirroredSchedule(t *testing.T) {
	w := gpio.NewFakeWriter()
	h := newHarness(t, w, nil)
	h.start(context.Background())

	// wait for the subscription by ticking once with nothing scheduled
	h.tickAt(h.clock.Now())
	h.pub.Deliver(device, "D0", mirrorPayload(t, "D0", [4]int{7, 0, 8, 0}))
	h.tickAt(time.Date(2024, 1, 2, 7, 30, 1, 0, time.UTC))
	h.tickAt(time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC))
	h.stop()

	want := []gpio.Write{{Pin: "D0", On: true}, {Pin: "D0", On: false}}
	if len(w.Writes) != len(want) {
		t.Fatalf("writes = %+v, want %+v", w.Writes, want)
	}
	for i := range want {
		if w.Writes[i] != want[i] {
			t.Errorf("write[%d] = %+v, want %+v", i, w.Writes[i], want[i])
		}
	}

	if len(h.pub.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(h.pub.Events))
	}
	if h.pub.Events[0].Type != logic.EventOutputOn || h.pub.Events[0].ScheduleID != "Horario_1" {
		t.Errorf("event[0] = %+v", h.pub.Events[0])
	}
	if h.pub.Events[1].Type != logic.EventOutputOff {
		t.Errorf("event[1] = %+v", h.pub.Events[1])
	}
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	h := newHarness(t, gpio.NewFakeWriter(), nil)
	h.start(context.Background())
	h.stop()

	if len(h.pub.SystemEvents) != 2 {
		t.Fatalf("system events = %d, want 2", len(h.pub.SystemEvents))
	}
	if ev := h.pub.SystemEvents[0]; ev.Event != "STARTUP" || !ev.Retained {
		t.Errorf("first = %+v, want retained STARTUP", ev)
	}
	if ev := h.pub.SystemEvents[1]; ev.Event != "SHUTDOWN" || ev.Reason != "SIGTERM" {
		t.Errorf("second = %+v, want SHUTDOWN/SIGTERM", ev)
	}
}

func TestRunContextCancel(t *testing.T) {
	h := newHarness(t, gpio.NewFakeWriter(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.start(ctx)
	cancel()

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	last := h.pub.SystemEvents[len(h.pub.SystemEvents)-1]
	if last.Event != "SHUTDOWN" || last.Reason != "CONTEXT" {
		t.Errorf("last = %+v, want SHUTDOWN/CONTEXT", last)
	}
}

func TestClearedScheduleKeepsState(t *testing.T) {
	w := gpio.NewFakeWriter()
	h := newHarness(t, w, nil)
	h.start(context.Background())

	h.tickAt(h.clock.Now())
	h.pub.Deliver(device, "D1", mirrorPayload(t, "D1", [4]int{7, 0, 8, 0}))
	h.tickAt(time.Date(2024, 1, 2, 7, 31, 0, 0, time.UTC))
	h.pub.Deliver(device, "D1", nil)
	h.tickAt(time.Date(2024, 1, 2, 8, 30, 0, 0, time.UTC))
	h.stop()

	if len(w.Writes) != 1 || !w.Writes[0].On {
		t.Fatalf("writes = %+v, want a single ON", w.Writes)
	}
	if on, _ := w.State("D1"); !on {
		t.Error("cleared schedule should leave the output as it was")
	}
}

func TestMalformedPayloadIgnored(t *testing.T) {
	w := gpio.NewFakeWriter()
	h := newHarness(t, w, nil)
	h.start(context.Background())

	h.tickAt(h.clock.Now())
	h.pub.Deliver(device, "D0", mirrorPayload(t, "D0", [4]int{7, 0, 8, 0}))
	h.tickAt(time.Date(2024, 1, 2, 7, 31, 0, 0, time.UTC))
	h.pub.Deliver(device, "D0", []byte("{not json"))
	h.tickAt(time.Date(2024, 1, 2, 7, 59, 0, 0, time.UTC))
	h.tickAt(time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC))
	h.stop()

	if len(w.Writes) != 2 || w.Writes[1].On {
		t.Fatalf("writes = %+v, want ON then OFF from the surviving schedule", w.Writes)
	}
}

type flakyWriter struct {
	failures int
	writes   []gpio.Write
}

func (f *flakyWriter) Set(pin string, on bool) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("line busy")
	}
	f.writes = append(f.writes, gpio.Write{Pin: pin, On: on})
	return nil
}

func (f *flakyWriter) Close() error { return nil }

func TestGPIOFailureRetriesNextTick(t *testing.T) {
	fw := &flakyWriter{failures: 1}
	h := newHarness(t, fw, nil)
	h.start(context.Background())

	h.tickAt(h.clock.Now())
	h.pub.Deliver(device, "D2", mirrorPayload(t, "D2", [4]int{7, 0, 8, 0}))
	h.tickAt(time.Date(2024, 1, 2, 7, 31, 0, 0, time.UTC))
	h.tickAt(time.Date(2024, 1, 2, 7, 32, 0, 0, time.UTC))
	h.stop()

	if len(fw.writes) != 1 || fw.writes[0] != (gpio.Write{Pin: "D2", On: true}) {
		t.Fatalf("writes = %+v, want one retried ON", fw.writes)
	}
	if len(h.pub.Events) != 1 {
		t.Errorf("events = %d, want 1 (failed write is not published)", len(h.pub.Events))
	}
}

func TestHeartbeatCarriesStatus(t *testing.T) {
	start := time.Date(2024, 1, 2, 7, 30, 0, 0, time.UTC)
	tracker := status.NewTracker(start, status.Config{Role: "agent"})
	h := newHarness(t, gpio.NewFakeWriter(), tracker)
	h.start(context.Background())

	h.tickAt(h.clock.Now())
	h.pub.Deliver(device, "D0", mirrorPayload(t, "D0", [4]int{7, 0, 8, 0}))
	h.tickAt(start.Add(time.Minute))
	h.stop()

	var hb *mqtt.SystemEvent
	for i := range h.pub.SystemEvents {
		if h.pub.SystemEvents[i].Event == "HEARTBEAT" {
			hb = &h.pub.SystemEvents[i]
		}
	}
	if hb == nil {
		t.Fatal("expected a HEARTBEAT event")
	}
	if hb.RawPayload == nil {
		t.Error("heartbeat should carry the status snapshot")
	}
	snap := tracker.Snapshot()
	if snap.Outputs["D0"] != logic.StateOn {
		t.Errorf("tracker outputs = %v, want D0 ON", snap.Outputs)
	}
	if snap.Counts.On != 1 {
		t.Errorf("tracker counts = %+v", snap.Counts)
	}
}

func TestWindows(t *testing.T) {
	exp := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	set := schedule.Set{
		"b": {ID: "b", On: timeofday.Time{Hour: 9}, Off: timeofday.Time{Hour: 10}, ExpiresAt: exp},
		"a": {ID: "a", On: timeofday.Time{Hour: 7}, Off: timeofday.Time{Hour: 8}, ExpiresAt: exp},
	}
	got := Windows(set)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("Windows = %+v, want a then b", got)
	}
	if !got[0].ExpiresAt.Equal(exp) || got[0].On.Hour != 7 {
		t.Errorf("window a = %+v", got[0])
	}
	if len(Windows(nil)) != 0 {
		t.Error("nil set should give no windows")
	}
}
