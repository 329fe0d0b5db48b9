// Package schedule owns the on/off schedules of controllable outputs and the
// reconciliation that keeps them consistent across the store, the
// notification scheduler and the device-side mirrors.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/sweeney/relay-scheduler/internal/timeofday"
)

// Error kinds. Callers match with errors.Is.
var (
	ErrValidation  = errors.New("invalid schedule input")
	ErrConflict    = errors.New("an active schedule already exists for this output")
	ErrNotFound    = errors.New("not found")
	ErrTransientIO = errors.New("transient i/o failure")
)

// Transient wraps err as ErrTransientIO unless it already carries a kind.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) || errors.Is(err, ErrConflict) || errors.Is(err, ErrTransientIO) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientIO, err)
}

// Location addresses the schedule set of one output.
type Location struct {
	AccountID string
	DeviceKey string
	Pin       string
}

func (l Location) String() string {
	return l.AccountID + "/" + l.DeviceKey + "/" + l.Pin
}

// Valid reports whether every path component is set.
func (l Location) Valid() bool {
	return l.AccountID != "" && l.DeviceKey != "" && l.Pin != ""
}

// Schedule is one on/off time pair for one output.
type Schedule struct {
	ID              string
	On              timeofday.Time
	Off             timeofday.Time
	ExpiresAt       time.Time
	NotificationIDs [2]string // on, off
}

// Expired reports whether the schedule is no longer valid at now.
func (s Schedule) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Set is the schedules of one output keyed by id.
type Set map[string]Schedule

// Clone returns an independent copy; a nil set clones to an empty one.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for id, sc := range s {
		out[id] = sc
	}
	return out
}

// IDs returns the schedule ids in sorted order.
func (s Set) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Partition splits s into schedules still valid at now and expired ones.
func (s Set) Partition(now time.Time) (valid Set, expired []Schedule) {
	valid = make(Set, len(s))
	for _, id := range s.IDs() {
		sc := s[id]
		if sc.Expired(now) {
			expired = append(expired, sc)
			continue
		}
		valid[id] = sc
	}
	return valid, expired
}

// Credentials authenticate against the device cloud for one device.
type Credentials struct {
	DeviceID    string
	AccessToken string
}

// Valid reports whether both fields are set.
func (c Credentials) Valid() bool {
	return c.DeviceID != "" && c.AccessToken != ""
}

// Input is the raw form of a new schedule as typed by a user. Empty fields
// are unset.
type Input struct {
	OnHour    string
	OnMinute  string
	OffHour   string
	OffMinute string
	Label     string // output name used in notifications
}

// Normalize clamps every field and parses the on/off times.
func (in Input) Normalize() (on, off timeofday.Time, err error) {
	fields := []struct {
		name  string
		value string
		max   int
	}{
		{"on hour", in.OnHour, timeofday.MaxHour},
		{"on minute", in.OnMinute, timeofday.MaxMinute},
		{"off hour", in.OffHour, timeofday.MaxHour},
		{"off minute", in.OffMinute, timeofday.MaxMinute},
	}
	var vals [4]int
	for i, f := range fields {
		v := timeofday.ClampNumeric(f.value, f.max)
		if v == "" {
			return on, off, fmt.Errorf("%w: %s is required", ErrValidation, f.name)
		}
		vals[i], _ = strconv.Atoi(v)
	}
	on = timeofday.Time{Hour: vals[0], Minute: vals[1]}
	off = timeofday.Time{Hour: vals[2], Minute: vals[3]}
	return on, off, nil
}

// Notice describes the output a pair of notifications is about.
type Notice struct {
	Location Location
	Label    string
}

// Store persists schedule sets.
type Store interface {
	// Load returns the output's set. ErrNotFound if the account or device is missing.
	Load(ctx context.Context, loc Location) (Set, error)
	// Save replaces the output's set wholesale.
	Save(ctx context.Context, loc Location, set Set) error
}

// Lister enumerates the outputs the background sweep visits.
type Lister interface {
	Accounts(ctx context.Context) ([]string, error)
	Outputs(ctx context.Context, accountID string) ([]Location, error)
}

// Labeler names outputs for notifications. A Lister passed to Rearm may
// implement it.
type Labeler interface {
	OutputLabel(ctx context.Context, loc Location) (string, error)
}

// Notifier arms and cancels local notifications.
type Notifier interface {
	// ScheduleTwo arms reminders at the next occurrences of on and off and
	// returns their handles in that order.
	ScheduleTwo(ctx context.Context, on, off timeofday.Time, notice Notice) ([2]string, error)
	// Cancel disarms a reminder. Unknown ids are not an error.
	Cancel(ctx context.Context, id string) error
}

// Mirror pushes an output's set to a device-side copy.
type Mirror interface {
	Push(ctx context.Context, creds Credentials, pin string, set Set) error
}

// Observer receives reconciliation outcomes.
type Observer interface {
	ObserveSweep(loc Location, at time.Time, purged int, err error)
	ObserveMode(mode Mode)
	ObserveOpen(n int)
}

type nopObserver struct{}

func (nopObserver) ObserveSweep(Location, time.Time, int, error) {}
func (nopObserver) ObserveMode(Mode)                             {}
func (nopObserver) ObserveOpen(int)                              {}
