package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/relay-scheduler/internal/timeofday"
)

// WireSchedule is one schedule as mirrored to the device side. Notification
// handles are local to this service and never leave it.
type WireSchedule struct {
	On        string `json:"on"`
	Off       string `json:"off"`
	ExpiresAt string `json:"expiresAt"`
}

// WirePin wraps the schedules of one pin.
type WirePin struct {
	Horarios map[string]WireSchedule `json:"horarios"`
}

// EncodeMirror renders set as {"<pin>":{"horarios":{...}}}.
func EncodeMirror(pin string, set Set) ([]byte, error) {
	horarios := make(map[string]WireSchedule, len(set))
	for id, sc := range set {
		horarios[id] = WireSchedule{
			On:        sc.On.String(),
			Off:       sc.Off.String(),
			ExpiresAt: timeofday.FormatInstant(sc.ExpiresAt),
		}
	}
	return json.Marshal(map[string]WirePin{pin: {Horarios: horarios}})
}

// DecodeMirror parses an EncodeMirror payload. Entries whose times do not
// parse are skipped.
func DecodeMirror(data []byte) (map[string]Set, error) {
	var raw map[string]WirePin
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode mirror payload: %w", err)
	}
	out := make(map[string]Set, len(raw))
	for pin, wp := range raw {
		set := make(Set, len(wp.Horarios))
		for id, ws := range wp.Horarios {
			sc, err := fromWire(id, ws)
			if err != nil {
				continue
			}
			set[id] = sc
		}
		out[pin] = set
	}
	return out, nil
}

func fromWire(id string, ws WireSchedule) (Schedule, error) {
	on, err := timeofday.Parse(ws.On)
	if err != nil {
		return Schedule{}, err
	}
	off, err := timeofday.Parse(ws.Off)
	if err != nil {
		return Schedule{}, err
	}
	var exp time.Time
	if ws.ExpiresAt != "" {
		exp, err = timeofday.ParseInstant(ws.ExpiresAt)
		if err != nil {
			return Schedule{}, err
		}
	}
	return Schedule{ID: id, On: on, Off: off, ExpiresAt: exp}, nil
}

// Mirrors pushes to every mirror in order. All are attempted; the errors are joined.
type Mirrors []Mirror

// Push implements Mirror.
func (m Mirrors) Push(ctx context.Context, creds Credentials, pin string, set Set) error {
	var errs []error
	for _, mirror := range m {
		if err := mirror.Push(ctx, creds, pin, set); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
