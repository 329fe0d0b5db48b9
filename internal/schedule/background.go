package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
)

// Mode is how reconciliation runs for this process.
type Mode string

const (
	// ModeForegroundOnly means only open outputs are swept; schedules of
	// outputs nobody is viewing expire lazily on the next action.
	ModeForegroundOnly Mode = "foreground-only"
	// ModeBackground means every output is swept periodically.
	ModeBackground Mode = "background"
)

// BackgroundStatus is the answer of a Capability.
type BackgroundStatus int

const (
	BackgroundAvailable BackgroundStatus = iota
	BackgroundRestricted
	BackgroundDenied
)

func (s BackgroundStatus) String() string {
	switch s {
	case BackgroundAvailable:
		return "available"
	case BackgroundRestricted:
		return "restricted"
	case BackgroundDenied:
		return "denied"
	}
	return "unknown"
}

// Capability reports whether periodic background work may run.
type Capability interface {
	BackgroundStatus() BackgroundStatus
}

// StaticCapability is a Capability with a fixed answer.
type StaticCapability BackgroundStatus

// BackgroundStatus implements Capability.
func (c StaticCapability) BackgroundStatus() BackgroundStatus {
	return BackgroundStatus(c)
}

// Background sweeps every output of every account on a fixed period.
type Background struct {
	rec    *Reconciler
	lister Lister

	mu        sync.Mutex
	scheduler *gocron.Scheduler
	mode      Mode
}

// NewBackground creates a background sweeper for rec over lister's outputs.
func NewBackground(rec *Reconciler, lister Lister) *Background {
	return &Background{rec: rec, lister: lister, mode: ModeForegroundOnly}
}

// Start queries capability and, when allowed, registers the periodic sweep.
// When background work is restricted or denied it returns
// ModeForegroundOnly without error; the caller should surface that mode.
func (b *Background) Start(ctx context.Context, capability Capability) (Mode, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.scheduler != nil {
		return b.mode, nil
	}

	status := BackgroundAvailable
	if capability != nil {
		status = capability.BackgroundStatus()
	}
	if status != BackgroundAvailable {
		b.rec.log.Warn().Str("status", status.String()).Msg("background reconciliation unavailable, running foreground only")
		b.mode = ModeForegroundOnly
		b.rec.cfg.Observer.ObserveMode(b.mode)
		return b.mode, nil
	}

	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	_, err := s.Every(b.rec.cfg.BackgroundInterval).Do(func() {
		b.RunOnce(ctx)
	})
	if err != nil {
		b.mode = ModeForegroundOnly
		b.rec.cfg.Observer.ObserveMode(b.mode)
		return b.mode, err
	}
	s.StartAsync()

	b.scheduler = s
	b.mode = ModeBackground
	b.rec.cfg.Observer.ObserveMode(b.mode)
	b.rec.log.Info().Dur("interval", b.rec.cfg.BackgroundInterval).Msg("background reconciliation registered")
	return b.mode, nil
}

// RunOnce performs a single background pass and logs its outcome.
func (b *Background) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := b.rec.cfg.Now()
	purged, err := b.rec.SweepAll(ctx, b.lister)
	ev := b.rec.log.Debug()
	if err != nil {
		ev = b.rec.log.Warn().Err(err)
	}
	ev.Int("purged", purged).Dur("took", b.rec.cfg.Now().Sub(start)).Msg("background sweep complete")
}

// Mode returns the current mode.
func (b *Background) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

// Stop unregisters the periodic sweep.
func (b *Background) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scheduler == nil {
		return
	}
	b.scheduler.Stop()
	b.scheduler = nil
	b.mode = ModeForegroundOnly
}
