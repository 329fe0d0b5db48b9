// Package agent is the device-side loop: it follows the schedules mirrored
// to one device over MQTT and drives the relay outputs accordingly.
package agent

import (
	"context"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/relay-scheduler/internal/gpio"
	"github.com/sweeney/relay-scheduler/internal/logic"
	"github.com/sweeney/relay-scheduler/internal/mqtt"
	"github.com/sweeney/relay-scheduler/internal/schedule"
	"github.com/sweeney/relay-scheduler/internal/status"
)

// Config wires an Agent.
type Config struct {
	DeviceID   string
	Writer     gpio.Writer
	Publisher  mqtt.Publisher
	Subscriber mqtt.Subscriber
	// Connection and Tracker are optional.
	Connection mqtt.ConnectionStatus
	Tracker    *status.Tracker
	Heartbeat  time.Duration
	Now        func() time.Time
	Logger     zerolog.Logger
}

// Agent applies mirrored schedules to GPIO outputs.
type Agent struct {
	cfg  Config
	log  zerolog.Logger
	ctrl *logic.Controller

	mu      sync.Mutex
	pending map[string][]logic.Window
	wake    chan struct{}
}

// New creates an Agent.
func New(cfg Config) *Agent {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Agent{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "agent").Str("device", cfg.DeviceID).Logger(),
		ctrl:    logic.NewController(cfg.DeviceID, cfg.Now()),
		pending: make(map[string][]logic.Window),
		wake:    make(chan struct{}, 1),
	}
}

// Windows converts a mirrored set into controller windows ordered by id.
func Windows(set schedule.Set) []logic.Window {
	out := make([]logic.Window, 0, len(set))
	for _, id := range set.IDs() {
		sc := set[id]
		out = append(out, logic.Window{ID: sc.ID, On: sc.On, Off: sc.Off, ExpiresAt: sc.ExpiresAt})
	}
	return out
}

// handle runs on the MQTT client's goroutine; the newest payload per pin wins.
func (a *Agent) handle(pin string, payload []byte) {
	var windows []logic.Window
	if len(payload) > 0 {
		sets, err := schedule.DecodeMirror(payload)
		if err != nil {
			a.log.Warn().Err(err).Str("pin", pin).Msg("ignoring malformed schedule payload")
			return
		}
		windows = Windows(sets[pin])
	}

	a.mu.Lock()
	a.pending[pin] = windows
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Agent) applyPending() {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[string][]logic.Window)
	a.mu.Unlock()

	pins := make([]string, 0, len(pending))
	for pin := range pending {
		pins = append(pins, pin)
	}
	sort.Strings(pins)
	for _, pin := range pins {
		a.ctrl.SetWindows(pin, pending[pin])
		a.log.Info().Str("pin", pin).Int("schedules", len(pending[pin])).Msg("schedules updated")
	}
}

func (a *Agent) systemEvent(name, reason string, retained bool) mqtt.SystemEvent {
	ev := mqtt.SystemEvent{Timestamp: a.cfg.Now(), Event: name, Reason: reason, Retained: retained}
	if t := a.cfg.Tracker; t != nil {
		if a.cfg.Connection != nil {
			t.SetMQTTConnected(a.cfg.Connection.IsConnected())
		}
		t.Update(a.ctrl.States(), a.ctrl.Counts())
		ev.RawPayload = status.FormatStatusEvent(t.Snapshot(), name, reason)
	}
	return ev
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

// Run subscribes to the device's schedules and loops until a signal arrives
// or ctx is done. Every tick (and every schedule update) evaluates the
// windows and writes transitions to the outputs.
func (a *Agent) Run(ctx context.Context, tick <-chan time.Time, sig <-chan os.Signal) error {
	if err := a.cfg.Subscriber.SubscribeSchedules(a.cfg.DeviceID, a.handle); err != nil {
		return err
	}

	if err := a.cfg.Publisher.PublishSystem(a.systemEvent("STARTUP", "", true)); err != nil {
		a.log.Warn().Err(err).Msg("failed to publish startup event")
	} else {
		a.log.Info().Msg("published startup event")
	}

	for {
		select {
		case s := <-sig:
			a.log.Info().Str("signal", s.String()).Msg("shutting down")
			a.shutdown(signalName(s))
			return nil

		case <-ctx.Done():
			a.shutdown("CONTEXT")
			return nil

		case <-a.wake:
			a.applyPending()
			a.step(a.cfg.Now())

		case <-tick:
			a.applyPending()
			a.step(a.cfg.Now())
		}
	}
}

func (a *Agent) shutdown(reason string) {
	if err := a.cfg.Publisher.PublishSystem(a.systemEvent("SHUTDOWN", reason, true)); err != nil {
		a.log.Warn().Err(err).Msg("failed to publish shutdown event")
	} else {
		a.log.Info().Msg("published shutdown event")
	}
}

func (a *Agent) step(now time.Time) {
	for _, ev := range a.ctrl.Process(now) {
		on := ev.State == logic.StateOn
		if err := a.cfg.Writer.Set(ev.Pin, on); err != nil {
			a.log.Error().Err(err).Str("pin", ev.Pin).Bool("on", on).Msg("gpio write failed")
			// retry on the next tick
			a.ctrl.Forget(ev.Pin)
			continue
		}
		a.log.Info().Str("pin", ev.Pin).Str("event", string(ev.Type)).Str("schedule", ev.ScheduleID).Msg("output switched")
		if err := a.cfg.Publisher.Publish(ev); err != nil {
			a.log.Warn().Err(err).Msg("publish error")
		}
	}

	if hb := a.ctrl.CheckHeartbeat(now, a.cfg.Heartbeat); hb != nil {
		a.log.Info().Dur("uptime", hb.Uptime).Int("on", hb.Counts.On).Int("off", hb.Counts.Off).Msg("heartbeat")
		if err := a.cfg.Publisher.PublishSystem(a.systemEvent("HEARTBEAT", "", false)); err != nil {
			a.log.Warn().Err(err).Msg("heartbeat publish error")
		}
	}

	if t := a.cfg.Tracker; t != nil {
		t.Update(a.ctrl.States(), a.ctrl.Counts())
		if a.cfg.Connection != nil {
			t.SetMQTTConnected(a.cfg.Connection.IsConnected())
		}
	}
}
