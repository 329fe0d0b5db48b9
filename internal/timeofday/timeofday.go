// Package timeofday provides the wall-clock arithmetic behind on/off schedules.
// All functions are pure; callers pass the reference instant explicitly.
package timeofday

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Grace is added to the next "off" occurrence so that a sweep never purges a
// schedule at the instant its off action fires.
const Grace = time.Minute

// InstantLayout is the ISO-8601 form used in stored records and device payloads.
const InstantLayout = "2006-01-02T15:04:05.000Z"

// Upper bounds accepted for the hour and minute fields.
const (
	MaxHour   = 23
	MaxMinute = 59
)

// ErrInvalid is returned when a wall-clock string cannot be parsed.
var ErrInvalid = errors.New("invalid time of day")

// Time is a wall-clock time of day with minute resolution.
type Time struct {
	Hour   int
	Minute int
}

// New returns the Time for hour:minute, rejecting out-of-range values.
func New(hour, minute int) (Time, error) {
	if hour < 0 || hour > MaxHour || minute < 0 || minute > MaxMinute {
		return Time{}, fmt.Errorf("%w: %d:%02d", ErrInvalid, hour, minute)
	}
	return Time{Hour: hour, Minute: minute}, nil
}

// Parse reads "H:MM" (the hour may also be zero-padded).
func Parse(s string) (Time, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Time{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil {
		return Time{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil {
		return Time{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return New(hour, minute)
}

// String formats as "H:MM": unpadded hour, two-digit minute.
func (t Time) String() string {
	return fmt.Sprintf("%d:%02d", t.Hour, t.Minute)
}

// Minutes returns the number of minutes since midnight.
func (t Time) Minutes() int {
	return t.Hour*60 + t.Minute
}

// ClampNumeric strips every non-digit from input and clamps the result to
// [0, max]. Empty input (or input without digits) yields "".
func ClampNumeric(input string, max int) string {
	var b strings.Builder
	for _, r := range input {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := strings.TrimLeft(b.String(), "0")
	if b.Len() == 0 {
		return ""
	}
	if digits == "" {
		return "0"
	}
	// Anything longer than the bound's digit count is over the bound.
	if len(digits) > len(strconv.Itoa(max)) {
		return strconv.Itoa(max)
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n > max {
		return strconv.Itoa(max)
	}
	return strconv.Itoa(n)
}

// NextOccurrence returns the first instant strictly after now whose wall-clock
// time in now's location equals t. An exact match with now advances a day.
func NextOccurrence(t Time, now time.Time) time.Time {
	y, mo, d := now.Date()
	next := time.Date(y, mo, d, t.Hour, t.Minute, 0, 0, now.Location())
	if !next.After(now) {
		next = time.Date(y, mo, d+1, t.Hour, t.Minute, 0, 0, now.Location())
	}
	return next
}

// Expiration is the instant after which a schedule whose off time is off
// stops being valid: NextOccurrence(off) plus Grace.
func Expiration(off Time, now time.Time) time.Time {
	return NextOccurrence(off, now).Add(Grace)
}

// FormatInstant renders t in UTC with millisecond precision.
func FormatInstant(t time.Time) string {
	return t.UTC().Format(InstantLayout)
}

// ParseInstant accepts FormatInstant output as well as any RFC 3339 instant.
func ParseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(InstantLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse instant %q: %w", s, err)
	}
	return t, nil
}
