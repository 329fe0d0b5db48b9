// Package notify arms one-shot local reminders for schedule on/off times and
// delivers them to sinks when they fire.
package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sweeney/relay-scheduler/internal/metrics"
	"github.com/sweeney/relay-scheduler/internal/schedule"
	"github.com/sweeney/relay-scheduler/internal/timeofday"
)

// Kind says which edge of a schedule a reminder is for.
type Kind string

const (
	KindOn  Kind = "on"
	KindOff Kind = "off"
)

// DeliveryTimeout bounds one sink delivery.
const DeliveryTimeout = 10 * time.Second

// Notification is one reminder.
type Notification struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account"`
	DeviceKey string    `json:"device"`
	Pin       string    `json:"pin"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	At        time.Time `json:"at"`
}

// Sink delivers fired reminders.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// compose fills the title and body of a reminder.
func compose(kind Kind, notice schedule.Notice, at timeofday.Time) (title, body string) {
	label := notice.Label
	if label == "" {
		label = notice.Location.DeviceKey
	}
	verb := "switched on"
	title = "Output on"
	if kind == KindOff {
		verb = "switched off"
		title = "Output off"
	}
	body = fmt.Sprintf("Output %s (pin %s) %s at %s", label, notice.Location.Pin, verb, at)
	return title, body
}

type pending struct {
	n    Notification
	stop func() bool
}

// Scheduler implements schedule.Notifier with in-process one-shot timers.
type Scheduler struct {
	sink      Sink
	log       zerolog.Logger
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) func() bool
	newID     func() string

	mu      sync.Mutex
	pending map[string]pending
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithAfterFunc replaces time.AfterFunc. The returned func stops the timer
// and reports whether it was still pending. f must not be called before
// WithAfterFunc's fn returns.
func WithAfterFunc(fn func(d time.Duration, f func()) func() bool) Option {
	return func(s *Scheduler) { s.afterFunc = fn }
}

// WithIDs replaces the handle generator.
func WithIDs(fn func() string) Option {
	return func(s *Scheduler) { s.newID = fn }
}

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// NewScheduler creates a Scheduler delivering to sink.
func NewScheduler(sink Sink, logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:      sink,
		log:       logger.With().Str("component", "notify").Logger(),
		now:       time.Now,
		afterFunc: realAfterFunc,
		newID:     uuid.NewString,
		pending:   make(map[string]pending),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleTwo implements schedule.Notifier.
func (s *Scheduler) ScheduleTwo(ctx context.Context, on, off timeofday.Time, notice schedule.Notice) ([2]string, error) {
	if err := ctx.Err(); err != nil {
		return [2]string{}, err
	}
	now := s.now()
	return [2]string{
		s.arm(KindOn, on, now, notice),
		s.arm(KindOff, off, now, notice),
	}, nil
}

func (s *Scheduler) arm(kind Kind, t timeofday.Time, now time.Time, notice schedule.Notice) string {
	title, body := compose(kind, notice, t)
	n := Notification{
		ID:        s.newID(),
		AccountID: notice.Location.AccountID,
		DeviceKey: notice.Location.DeviceKey,
		Pin:       notice.Location.Pin,
		Kind:      kind,
		Title:     title,
		Body:      body,
		At:        timeofday.NextOccurrence(t, now),
	}

	s.mu.Lock()
	stop := s.afterFunc(n.At.Sub(now), func() { s.fire(n.ID) })
	s.pending[n.ID] = pending{n: n, stop: stop}
	s.mu.Unlock()

	metrics.NotificationsTotal.WithLabelValues("scheduled").Inc()
	s.log.Debug().Str("notification", n.ID).Str("kind", string(kind)).Time("at", n.At).Msg("reminder armed")
	return n.ID
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	p, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), DeliveryTimeout)
	defer cancel()
	if err := s.sink.Deliver(ctx, p.n); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		s.log.Warn().Err(err).Str("notification", id).Msg("reminder delivery failed")
		return
	}
	metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
}

// Cancel implements schedule.Notifier. Unknown or already fired ids are ignored.
func (s *Scheduler) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	p, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	p.stop()
	metrics.NotificationsTotal.WithLabelValues("cancelled").Inc()
	return nil
}

// Pending returns the armed reminders ordered by fire time.
func (s *Scheduler) Pending() []Notification {
	s.mu.Lock()
	out := make([]Notification, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p.n)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].ID < out[j].ID
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

// Stop disarms every pending reminder.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	all := s.pending
	s.pending = make(map[string]pending)
	s.mu.Unlock()
	for _, p := range all {
		p.stop()
	}
}
