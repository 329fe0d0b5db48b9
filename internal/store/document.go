// Package store persists account documents and adapts them to the schedule
// store and lister interfaces.
package store

import (
	"regexp"
	"sort"

	"github.com/sweeney/relay-scheduler/internal/schedule"
	"github.com/sweeney/relay-scheduler/internal/timeofday"
)

// DeviceNeverExpires is the expiresAt value written for new devices.
const DeviceNeverExpires = "Never"

// MaxOutputs is the number of outputs one device may carry.
const MaxOutputs = 10

// ValidPins are the output pins a device exposes.
var ValidPins = []string{"D0", "D1", "D2", "D3", "D4", "D5", "D6", "D7"}

var deviceIDPattern = regexp.MustCompile(`^[0-9A-F]{24}$`)

// Account is the per-user document.
type Account struct {
	ID           string             `json:"-"`
	Email        string             `json:"email"`
	Name         string             `json:"name"`
	PasswordHash string             `json:"passwordHash,omitempty"`
	Devices      map[string]*Device `json:"Devices,omitempty"`
}

// Device is one cloud-connected controller, keyed by its distinct name.
type Device struct {
	Name       string                `json:"name"`
	PhotonID   string                `json:"photonId"`
	APIKey     string                `json:"apikey"`
	ExpiresAt  string                `json:"expiresAt"`
	Subdevices map[string]*Subdevice `json:"subdevices"`
}

// Subdevice is one relay output of a device, keyed by pin.
type Subdevice struct {
	Name     string                    `json:"name"`
	Pin      string                    `json:"pin"`
	State    bool                      `json:"state"`
	Horarios map[string]ScheduleRecord `json:"horarios,omitempty"`
}

// ScheduleRecord is the persisted form of a schedule.
type ScheduleRecord struct {
	On              string   `json:"on"`
	Off             string   `json:"off"`
	ExpiresAt       string   `json:"expiresAt"`
	NotificationIDs []string `json:"notificationIds"`
}

// Credentials returns the device cloud credentials stored for d.
func (d *Device) Credentials() schedule.Credentials {
	return schedule.Credentials{DeviceID: d.PhotonID, AccessToken: d.APIKey}
}

// Pins returns d's output pins in sorted order.
func (d *Device) Pins() []string {
	pins := make([]string, 0, len(d.Subdevices))
	for pin := range d.Subdevices {
		pins = append(pins, pin)
	}
	sort.Strings(pins)
	return pins
}

// DeviceKeys returns a's device keys in sorted order.
func (a *Account) DeviceKeys() []string {
	keys := make([]string, 0, len(a.Devices))
	for k := range a.Devices {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValidDeviceID reports whether id looks like a device cloud id.
func ValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

// ValidPin reports whether pin is one of ValidPins.
func ValidPin(pin string) bool {
	for _, p := range ValidPins {
		if p == pin {
			return true
		}
	}
	return false
}

// toRecord keeps the notification handles by position: on first, off
// second. A schedule without handles stores an empty list.
func toRecord(sc schedule.Schedule) ScheduleRecord {
	rec := ScheduleRecord{
		On:              sc.On.String(),
		Off:             sc.Off.String(),
		ExpiresAt:       timeofday.FormatInstant(sc.ExpiresAt),
		NotificationIDs: []string{},
	}
	if sc.NotificationIDs != [2]string{} {
		rec.NotificationIDs = sc.NotificationIDs[:]
	}
	return rec
}

func fromRecord(id string, rec ScheduleRecord) (schedule.Schedule, error) {
	on, err := timeofday.Parse(rec.On)
	if err != nil {
		return schedule.Schedule{}, err
	}
	off, err := timeofday.Parse(rec.Off)
	if err != nil {
		return schedule.Schedule{}, err
	}
	exp, err := timeofday.ParseInstant(rec.ExpiresAt)
	if err != nil {
		return schedule.Schedule{}, err
	}
	sc := schedule.Schedule{ID: id, On: on, Off: off, ExpiresAt: exp}
	copy(sc.NotificationIDs[:], rec.NotificationIDs)
	return sc, nil
}
