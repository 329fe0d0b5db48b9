package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/relay-scheduler/internal/metrics"
	"github.com/sweeney/relay-scheduler/internal/timeofday"
)

// Default timer periods.
const (
	DefaultForegroundInterval = 5 * time.Second
	DefaultBackgroundInterval = 60 * time.Second
	DefaultWatchLease         = 15 * time.Minute
)

// Sweep triggers, used as metric labels.
const (
	TriggerForeground = "foreground"
	TriggerBackground = "background"
	TriggerAction     = "action"
	TriggerRestore    = "restore"
)

// Config tunes a Reconciler. Zero values take defaults.
type Config struct {
	ForegroundInterval time.Duration
	BackgroundInterval time.Duration
	// WatchLease is how long an open output stays open without being
	// used. The foreground timer closes it once the lease lapses.
	WatchLease time.Duration

	// Now returns the current instant.
	Now func() time.Time
	// NewID synthesizes a schedule id from the creation instant.
	NewID func(now time.Time) string
	// NewTicker starts a periodic tick source; the returned func stops it.
	NewTicker func(d time.Duration) (<-chan time.Time, func())

	Observer Observer
	Logger   zerolog.Logger
}

// DefaultID is the id form stored by earlier clients: "Horario_<unix ms>".
func DefaultID(now time.Time) string {
	return "Horario_" + strconv.FormatInt(now.UnixMilli(), 10)
}

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// view is the in-memory schedule list of an output that is open in the foreground.
type view struct {
	schedules Set
	lastUsed  time.Time
	stop      func()
	done      chan struct{}
}

// Reconciler creates, deletes and expires schedules. All mutations of one
// output's set are serialized by that output's lock, so Sweep, Create and
// Delete never interleave on the same output.
type Reconciler struct {
	store    Store
	notifier Notifier
	cfg      Config
	log      zerolog.Logger

	mu    sync.Mutex
	locks map[Location]*sync.Mutex
	views map[Location]*view
}

// NewReconciler wires a Reconciler to its collaborators.
func NewReconciler(store Store, notifier Notifier, cfg Config) *Reconciler {
	if cfg.ForegroundInterval <= 0 {
		cfg.ForegroundInterval = DefaultForegroundInterval
	}
	if cfg.BackgroundInterval <= 0 {
		cfg.BackgroundInterval = DefaultBackgroundInterval
	}
	if cfg.WatchLease <= 0 {
		cfg.WatchLease = DefaultWatchLease
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = DefaultID
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = realTicker
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Reconciler{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "reconciler").Logger(),
		locks:    make(map[Location]*sync.Mutex),
		views:    make(map[Location]*view),
	}
}

func (r *Reconciler) lock(loc Location) func() {
	r.mu.Lock()
	l, ok := r.locks[loc]
	if !ok {
		l = &sync.Mutex{}
		r.locks[loc] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (r *Reconciler) view(loc Location) *view {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.views[loc]
}

// touch renews the lease of loc's view, if open.
func (r *Reconciler) touch(loc Location) {
	now := r.cfg.Now()
	r.mu.Lock()
	if v := r.views[loc]; v != nil {
		v.lastUsed = now
	}
	r.mu.Unlock()
}

// lapsed reports whether v went unused for longer than the watch lease.
func (r *Reconciler) lapsed(v *view, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Sub(v.lastUsed) > r.cfg.WatchLease
}

// current returns the working set for loc: the open view's list, or the
// stored set. Caller holds loc's lock.
func (r *Reconciler) current(ctx context.Context, loc Location) (Set, error) {
	if v := r.view(loc); v != nil {
		return v.schedules.Clone(), nil
	}
	set, err := r.store.Load(ctx, loc)
	if err != nil {
		return nil, Transient("load schedules", err)
	}
	return set.Clone(), nil
}

// commit persists set and refreshes the open view. Caller holds loc's lock.
func (r *Reconciler) commit(ctx context.Context, loc Location, set Set) error {
	if err := r.store.Save(ctx, loc, set); err != nil {
		return Transient("save schedules", err)
	}
	r.mu.Lock()
	if v := r.views[loc]; v != nil {
		v.schedules = set.Clone()
	}
	r.mu.Unlock()
	return nil
}

// Open loads loc's schedules into memory and starts its foreground timer.
// Opening an already open output returns the current list and renews its
// lease.
func (r *Reconciler) Open(ctx context.Context, loc Location) (Set, error) {
	if !loc.Valid() {
		return nil, fmt.Errorf("%w: incomplete output location %q", ErrValidation, loc)
	}
	unlock := r.lock(loc)
	defer unlock()

	if v := r.view(loc); v != nil {
		r.touch(loc)
		return v.schedules.Clone(), nil
	}
	set, err := r.store.Load(ctx, loc)
	if err != nil {
		return nil, Transient("load schedules", err)
	}

	tick, stop := r.cfg.NewTicker(r.cfg.ForegroundInterval)
	v := &view{schedules: set.Clone(), lastUsed: r.cfg.Now(), stop: stop, done: make(chan struct{})}

	r.mu.Lock()
	r.views[loc] = v
	n := len(r.views)
	r.mu.Unlock()

	metrics.OpenOutputs.Set(float64(n))
	r.cfg.Observer.ObserveOpen(n)
	r.log.Debug().Str("output", loc.String()).Int("schedules", len(set)).Msg("output opened")

	go r.foreground(loc, v, tick)
	return set.Clone(), nil
}

// foreground runs the periodic sweep of one open output until its view is
// closed or its lease lapses.
func (r *Reconciler) foreground(loc Location, v *view, tick <-chan time.Time) {
	for {
		select {
		case <-v.done:
			return
		case <-tick:
			if r.lapsed(v, r.cfg.Now()) {
				r.log.Debug().Str("output", loc.String()).Msg("watch lease lapsed")
				r.closeView(loc, v)
				return
			}
			if _, err := r.sweep(context.Background(), loc, TriggerForeground); err != nil {
				r.log.Warn().Err(err).Str("output", loc.String()).Msg("foreground sweep failed")
			}
		}
	}
}

// Close stops loc's foreground timer. In-flight calls are not aborted.
func (r *Reconciler) Close(loc Location) {
	r.closeView(loc, nil)
}

// closeView removes loc's view. When v is not nil only that view is
// removed, so a lapsed timer never closes a view opened after it.
func (r *Reconciler) closeView(loc Location, v *view) {
	r.mu.Lock()
	cur, ok := r.views[loc]
	if ok && (v == nil || cur == v) {
		delete(r.views, loc)
	} else {
		ok = false
	}
	n := len(r.views)
	r.mu.Unlock()
	if !ok {
		return
	}
	cur.stop()
	close(cur.done)
	metrics.OpenOutputs.Set(float64(n))
	r.cfg.Observer.ObserveOpen(n)
	r.log.Debug().Str("output", loc.String()).Msg("output closed")
}

// CloseAll stops every foreground timer.
func (r *Reconciler) CloseAll() {
	r.mu.Lock()
	locs := make([]Location, 0, len(r.views))
	for loc := range r.views {
		locs = append(locs, loc)
	}
	r.mu.Unlock()
	for _, loc := range locs {
		r.Close(loc)
	}
}

// Viewed returns the in-memory list of an open output.
func (r *Reconciler) Viewed(loc Location) (Set, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.views[loc]
	if !ok {
		return nil, false
	}
	return v.schedules.Clone(), true
}

// List returns loc's schedules, from memory when open.
func (r *Reconciler) List(ctx context.Context, loc Location) (Set, error) {
	r.touch(loc)
	if set, ok := r.Viewed(loc); ok {
		return set, nil
	}
	set, err := r.store.Load(ctx, loc)
	if err != nil {
		return nil, Transient("load schedules", err)
	}
	return set.Clone(), nil
}

// Sweep purges loc's expired schedules and cancels their notifications.
// It returns the purged ids; when nothing expired nothing is written.
func (r *Reconciler) Sweep(ctx context.Context, loc Location) ([]string, error) {
	r.touch(loc)
	return r.sweep(ctx, loc, TriggerAction)
}

func (r *Reconciler) sweep(ctx context.Context, loc Location, trigger string) ([]string, error) {
	unlock := r.lock(loc)
	defer unlock()
	return r.sweepLocked(ctx, loc, trigger)
}

func (r *Reconciler) sweepLocked(ctx context.Context, loc Location, trigger string) ([]string, error) {
	now := r.cfg.Now()
	metrics.SweepsTotal.WithLabelValues(trigger).Inc()

	set, err := r.current(ctx, loc)
	if err != nil {
		r.cfg.Observer.ObserveSweep(loc, now, 0, err)
		return nil, err
	}
	valid, expired := set.Partition(now)
	if len(expired) == 0 {
		r.cfg.Observer.ObserveSweep(loc, now, 0, nil)
		return nil, nil
	}

	purged := make([]string, 0, len(expired))
	for _, sc := range expired {
		r.cancelNotifications(ctx, sc)
		purged = append(purged, sc.ID)
	}
	if err := r.commit(ctx, loc, valid); err != nil {
		r.cfg.Observer.ObserveSweep(loc, now, 0, err)
		return nil, err
	}

	metrics.SchedulesPurgedTotal.Add(float64(len(purged)))
	r.cfg.Observer.ObserveSweep(loc, now, len(purged), nil)
	r.log.Info().Str("output", loc.String()).Strs("purged", purged).Str("trigger", trigger).Msg("expired schedules purged")
	return purged, nil
}

func (r *Reconciler) cancelNotifications(ctx context.Context, sc Schedule) {
	for _, id := range sc.NotificationIDs {
		if id == "" {
			continue
		}
		if err := r.notifier.Cancel(ctx, id); err != nil {
			r.log.Warn().Err(err).Str("schedule", sc.ID).Str("notification", id).Msg("cancel notification failed")
		}
	}
}

// Create adds a schedule to loc. It fails with ErrValidation when a time
// field is unset and with ErrConflict while another schedule is active.
func (r *Reconciler) Create(ctx context.Context, loc Location, in Input) (Schedule, error) {
	if !loc.Valid() {
		return Schedule{}, fmt.Errorf("%w: incomplete output location %q", ErrValidation, loc)
	}
	on, off, err := in.Normalize()
	if err != nil {
		return Schedule{}, err
	}

	unlock := r.lock(loc)
	defer unlock()
	r.touch(loc)

	if _, err := r.sweepLocked(ctx, loc, TriggerAction); err != nil {
		return Schedule{}, err
	}
	set, err := r.current(ctx, loc)
	if err != nil {
		return Schedule{}, err
	}
	if len(set) > 0 {
		return Schedule{}, ErrConflict
	}

	now := r.cfg.Now()
	sc := Schedule{
		ID:        r.cfg.NewID(now),
		On:        on,
		Off:       off,
		ExpiresAt: timeofday.Expiration(off, now),
	}
	ids, err := r.notifier.ScheduleTwo(ctx, on, off, Notice{Location: loc, Label: in.Label})
	if err != nil {
		r.cancelNotifications(ctx, Schedule{ID: sc.ID, NotificationIDs: ids})
		return Schedule{}, Transient("schedule notifications", err)
	}
	sc.NotificationIDs = ids

	if err := r.commit(ctx, loc, Set{sc.ID: sc}); err != nil {
		r.cancelNotifications(ctx, sc)
		return Schedule{}, err
	}

	metrics.SchedulesCreatedTotal.Inc()
	r.log.Info().
		Str("output", loc.String()).
		Str("schedule", sc.ID).
		Str("on", on.String()).
		Str("off", off.String()).
		Time("expires_at", sc.ExpiresAt).
		Msg("schedule created")
	return sc, nil
}

// Delete removes schedule id from loc and cancels its notifications. A
// schedule that expired just before the call is purged by the call's own
// sweep, which counts as deleting it.
func (r *Reconciler) Delete(ctx context.Context, loc Location, id string) error {
	unlock := r.lock(loc)
	defer unlock()
	r.touch(loc)

	purged, err := r.sweepLocked(ctx, loc, TriggerAction)
	if err != nil {
		return err
	}
	for _, p := range purged {
		if p == id {
			r.log.Info().Str("output", loc.String()).Str("schedule", id).Msg("schedule deleted after expiry")
			return nil
		}
	}
	set, err := r.current(ctx, loc)
	if err != nil {
		return err
	}
	sc, ok := set[id]
	if !ok {
		return fmt.Errorf("schedule %q: %w", id, ErrNotFound)
	}

	r.cancelNotifications(ctx, sc)
	delete(set, id)
	if err := r.commit(ctx, loc, set); err != nil {
		return err
	}
	r.log.Info().Str("output", loc.String()).Str("schedule", id).Msg("schedule deleted")
	return nil
}

// SweepAccount sweeps every output of one account. Failures are logged and
// the remaining outputs are still visited.
func (r *Reconciler) SweepAccount(ctx context.Context, lister Lister, accountID string) (int, error) {
	locs, err := lister.Outputs(ctx, accountID)
	if err != nil {
		return 0, Transient("list outputs", err)
	}
	var (
		purged int
		errs   []error
	)
	for _, loc := range locs {
		ids, err := r.sweep(ctx, loc, TriggerBackground)
		if err != nil {
			r.log.Warn().Err(err).Str("output", loc.String()).Msg("background sweep failed")
			errs = append(errs, err)
			continue
		}
		purged += len(ids)
	}
	return purged, errors.Join(errs...)
}

// SweepAll sweeps every output of every account.
func (r *Reconciler) SweepAll(ctx context.Context, lister Lister) (int, error) {
	accounts, err := lister.Accounts(ctx)
	if err != nil {
		return 0, Transient("list accounts", err)
	}
	var (
		purged int
		errs   []error
	)
	for _, id := range accounts {
		n, err := r.SweepAccount(ctx, lister, id)
		purged += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return purged, errors.Join(errs...)
}

// Rearm arms fresh reminders for every stored schedule that is still valid
// and records the new handles. Reminder handles do not outlive the process
// that armed them, so this runs once when the service starts. Expired
// schedules are purged first. It returns the number of schedules re-armed.
func (r *Reconciler) Rearm(ctx context.Context, lister Lister) (int, error) {
	accounts, err := lister.Accounts(ctx)
	if err != nil {
		return 0, Transient("list accounts", err)
	}
	labeler, _ := lister.(Labeler)
	var (
		armed int
		errs  []error
	)
	for _, id := range accounts {
		locs, err := lister.Outputs(ctx, id)
		if err != nil {
			errs = append(errs, Transient("list outputs", err))
			continue
		}
		for _, loc := range locs {
			n, err := r.rearm(ctx, loc, labeler)
			armed += n
			if err != nil {
				r.log.Warn().Err(err).Str("output", loc.String()).Msg("rearm reminders failed")
				errs = append(errs, err)
			}
		}
	}
	return armed, errors.Join(errs...)
}

func (r *Reconciler) rearm(ctx context.Context, loc Location, labeler Labeler) (int, error) {
	unlock := r.lock(loc)
	defer unlock()

	if _, err := r.sweepLocked(ctx, loc, TriggerRestore); err != nil {
		return 0, err
	}
	set, err := r.current(ctx, loc)
	if err != nil {
		return 0, err
	}
	if len(set) == 0 {
		return 0, nil
	}

	notice := Notice{Location: loc}
	if labeler != nil {
		label, err := labeler.OutputLabel(ctx, loc)
		if err != nil {
			return 0, Transient("output label", err)
		}
		notice.Label = label
	}

	var (
		fresh []Schedule
		stale []Schedule
		errs  []error
	)
	for _, id := range set.IDs() {
		sc := set[id]
		ids, err := r.notifier.ScheduleTwo(ctx, sc.On, sc.Off, notice)
		if err != nil {
			r.cancelNotifications(ctx, Schedule{ID: sc.ID, NotificationIDs: ids})
			errs = append(errs, Transient("schedule notifications", err))
			continue
		}
		stale = append(stale, sc)
		sc.NotificationIDs = ids
		set[id] = sc
		fresh = append(fresh, sc)
	}
	if len(fresh) == 0 {
		return 0, errors.Join(errs...)
	}

	if err := r.commit(ctx, loc, set); err != nil {
		for _, sc := range fresh {
			r.cancelNotifications(ctx, sc)
		}
		return 0, err
	}
	// handles armed earlier by this process are disarmed only once the new
	// ones are stored
	for _, sc := range stale {
		r.cancelNotifications(ctx, sc)
	}
	r.log.Info().Str("output", loc.String()).Int("schedules", len(fresh)).Msg("reminders re-armed")
	return len(fresh), errors.Join(errs...)
}
