package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sweeney/relay-scheduler/internal/schedule"
)

// Documents adapts a Backend to schedule.Store and schedule.Lister and
// manages the devices and outputs inside account documents.
type Documents struct {
	backend Backend
	mirror  schedule.Mirror
	log     zerolog.Logger
	newID   func() string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDocuments wraps backend. mirror may be nil; when set, every schedule
// Save is pushed to it with the device's stored credentials.
func NewDocuments(backend Backend, mirror schedule.Mirror, logger zerolog.Logger) *Documents {
	return &Documents{
		backend: backend,
		mirror:  mirror,
		log:     logger.With().Str("component", "store").Logger(),
		newID:   uuid.NewString,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (d *Documents) lock(key string) func() {
	d.mu.Lock()
	l, ok := d.locks[key]
	if !ok {
		l = &sync.Mutex{}
		d.locks[key] = l
	}
	d.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// update runs a read-modify-write of one account document.
func (d *Documents) update(ctx context.Context, accountID string, fn func(*Account) error) (Account, error) {
	unlock := d.lock(accountID)
	defer unlock()

	acct, err := d.backend.Get(ctx, accountID)
	if err != nil {
		return Account{}, schedule.Transient("load account", err)
	}
	if err := fn(&acct); err != nil {
		return Account{}, err
	}
	if err := d.backend.Put(ctx, acct); err != nil {
		return Account{}, schedule.Transient("save account", err)
	}
	return acct, nil
}

func lookupDevice(acct *Account, key string) (*Device, error) {
	dev, ok := acct.Devices[key]
	if !ok || dev == nil {
		return nil, fmt.Errorf("device %q: %w", key, schedule.ErrNotFound)
	}
	return dev, nil
}

func lookupOutput(acct *Account, loc schedule.Location) (*Device, *Subdevice, error) {
	dev, err := lookupDevice(acct, loc.DeviceKey)
	if err != nil {
		return nil, nil, err
	}
	sub, ok := dev.Subdevices[loc.Pin]
	if !ok || sub == nil {
		return nil, nil, fmt.Errorf("output %s: %w", loc, schedule.ErrNotFound)
	}
	return dev, sub, nil
}

// Load implements schedule.Store.
func (d *Documents) Load(ctx context.Context, loc schedule.Location) (schedule.Set, error) {
	acct, err := d.backend.Get(ctx, loc.AccountID)
	if err != nil {
		return nil, err
	}
	_, sub, err := lookupOutput(&acct, loc)
	if err != nil {
		return nil, err
	}
	set := make(schedule.Set, len(sub.Horarios))
	for id, rec := range sub.Horarios {
		sc, err := fromRecord(id, rec)
		if err != nil {
			d.log.Warn().Err(err).Str("output", loc.String()).Str("schedule", id).Msg("skipping unreadable schedule record")
			continue
		}
		set[id] = sc
	}
	return set, nil
}

// Save implements schedule.Store. The output's schedules are replaced
// wholesale and then mirrored; mirror failures are logged only.
func (d *Documents) Save(ctx context.Context, loc schedule.Location, set schedule.Set) error {
	var creds schedule.Credentials
	_, err := d.update(ctx, loc.AccountID, func(acct *Account) error {
		dev, sub, err := lookupOutput(acct, loc)
		if err != nil {
			return err
		}
		horarios := make(map[string]ScheduleRecord, len(set))
		for id, sc := range set {
			horarios[id] = toRecord(sc)
		}
		sub.Horarios = horarios
		creds = dev.Credentials()
		return nil
	})
	if err != nil {
		return err
	}

	if d.mirror == nil {
		return nil
	}
	if !creds.Valid() {
		d.log.Debug().Str("output", loc.String()).Msg("device has no cloud credentials, mirror skipped")
		return nil
	}
	if err := d.mirror.Push(ctx, creds, loc.Pin, set); err != nil {
		d.log.Warn().Err(err).Str("output", loc.String()).Msg("schedule mirror push failed")
	}
	return nil
}

// Accounts implements schedule.Lister.
func (d *Documents) Accounts(ctx context.Context) ([]string, error) {
	return d.backend.AccountIDs(ctx)
}

// Outputs implements schedule.Lister.
func (d *Documents) Outputs(ctx context.Context, accountID string) ([]schedule.Location, error) {
	acct, err := d.backend.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var locs []schedule.Location
	for _, key := range acct.DeviceKeys() {
		for _, pin := range acct.Devices[key].Pins() {
			locs = append(locs, schedule.Location{AccountID: accountID, DeviceKey: key, Pin: pin})
		}
	}
	return locs, nil
}

// OutputLabel implements schedule.Labeler with the output's name.
func (d *Documents) OutputLabel(ctx context.Context, loc schedule.Location) (string, error) {
	sub, _, err := d.Output(ctx, loc)
	if err != nil {
		return "", err
	}
	return sub.Name, nil
}

// CreateAccount registers a new account. ErrConflict if the email is taken.
func (d *Documents) CreateAccount(ctx context.Context, email, name, passwordHash string) (Account, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return Account{}, fmt.Errorf("%w: a valid email is required", schedule.ErrValidation)
	}
	unlock := d.lock("email:" + email)
	defer unlock()

	_, err := d.backend.FindByEmail(ctx, email)
	switch {
	case err == nil:
		return Account{}, fmt.Errorf("email %q: %w", email, schedule.ErrConflict)
	case !errors.Is(err, schedule.ErrNotFound):
		return Account{}, schedule.Transient("find account", err)
	}

	acct := Account{
		ID:           d.newID(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: passwordHash,
		Devices:      map[string]*Device{},
	}
	if err := d.backend.Put(ctx, acct); err != nil {
		return Account{}, schedule.Transient("create account", err)
	}
	d.log.Info().Str("account", acct.ID).Msg("account created")
	return acct, nil
}

// Account returns the account with id.
func (d *Documents) Account(ctx context.Context, id string) (Account, error) {
	acct, err := d.backend.Get(ctx, id)
	if err != nil {
		return Account{}, schedule.Transient("load account", err)
	}
	return acct, nil
}

// AccountByEmail returns the account registered with email.
func (d *Documents) AccountByEmail(ctx context.Context, email string) (Account, error) {
	acct, err := d.backend.FindByEmail(ctx, email)
	if err != nil {
		return Account{}, schedule.Transient("find account", err)
	}
	return acct, nil
}

// UpdatePassword replaces the stored password hash of an account.
func (d *Documents) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	if passwordHash == "" {
		return fmt.Errorf("%w: a password is required", schedule.ErrValidation)
	}
	_, err := d.update(ctx, id, func(acct *Account) error {
		acct.PasswordHash = passwordHash
		return nil
	})
	if err == nil {
		d.log.Info().Str("account", id).Msg("password changed")
	}
	return err
}

// DeleteAccount removes the whole account document. Callers clear the
// schedules of its outputs first.
func (d *Documents) DeleteAccount(ctx context.Context, id string) error {
	unlock := d.lock(id)
	defer unlock()
	if err := d.backend.Delete(ctx, id); err != nil {
		return schedule.Transient("delete account", err)
	}
	d.log.Info().Str("account", id).Msg("account deleted")
	return nil
}

// Device returns one device of an account.
func (d *Documents) Device(ctx context.Context, accountID, key string) (Device, error) {
	acct, err := d.Account(ctx, accountID)
	if err != nil {
		return Device{}, err
	}
	dev, err := lookupDevice(&acct, key)
	if err != nil {
		return Device{}, err
	}
	return *dev, nil
}

// Output returns one output and the credentials of its device.
func (d *Documents) Output(ctx context.Context, loc schedule.Location) (Subdevice, schedule.Credentials, error) {
	acct, err := d.Account(ctx, loc.AccountID)
	if err != nil {
		return Subdevice{}, schedule.Credentials{}, err
	}
	dev, sub, err := lookupOutput(&acct, loc)
	if err != nil {
		return Subdevice{}, schedule.Credentials{}, err
	}
	return *sub, dev.Credentials(), nil
}

// AddDevice registers a device under its distinct name, which becomes its key.
func (d *Documents) AddDevice(ctx context.Context, accountID, name, deviceID, apiKey string) (Device, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return Device{}, fmt.Errorf("%w: a distinct device name is required", schedule.ErrValidation)
	case !ValidDeviceID(deviceID):
		return Device{}, fmt.Errorf("%w: device id must be 24 hexadecimal characters (0-9, A-F)", schedule.ErrValidation)
	case apiKey == "":
		return Device{}, fmt.Errorf("%w: an access token is required", schedule.ErrValidation)
	}

	dev := Device{
		Name:       name,
		PhotonID:   deviceID,
		APIKey:     apiKey,
		ExpiresAt:  DeviceNeverExpires,
		Subdevices: map[string]*Subdevice{},
	}
	_, err := d.update(ctx, accountID, func(acct *Account) error {
		if acct.Devices == nil {
			acct.Devices = map[string]*Device{}
		}
		if _, exists := acct.Devices[name]; exists {
			return fmt.Errorf("device %q: %w", name, schedule.ErrConflict)
		}
		acct.Devices[name] = &dev
		return nil
	})
	if err != nil {
		return Device{}, err
	}
	d.log.Info().Str("account", accountID).Str("device", name).Msg("device added")
	return dev, nil
}

// RenameDevice changes a device's display name. The key is unchanged.
func (d *Documents) RenameDevice(ctx context.Context, accountID, key, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: device name is required", schedule.ErrValidation)
	}
	_, err := d.update(ctx, accountID, func(acct *Account) error {
		dev, err := lookupDevice(acct, key)
		if err != nil {
			return err
		}
		dev.Name = name
		return nil
	})
	return err
}

// UpdateDeviceID replaces a device's cloud id. Lower-case hex is accepted.
func (d *Documents) UpdateDeviceID(ctx context.Context, accountID, key, deviceID string) error {
	deviceID = strings.ToUpper(strings.TrimSpace(deviceID))
	if !ValidDeviceID(deviceID) {
		return fmt.Errorf("%w: device id must be 24 hexadecimal characters", schedule.ErrValidation)
	}
	_, err := d.update(ctx, accountID, func(acct *Account) error {
		dev, err := lookupDevice(acct, key)
		if err != nil {
			return err
		}
		dev.PhotonID = deviceID
		return nil
	})
	return err
}

// RemoveDevice deletes a device and all of its outputs.
func (d *Documents) RemoveDevice(ctx context.Context, accountID, key string) error {
	_, err := d.update(ctx, accountID, func(acct *Account) error {
		if _, err := lookupDevice(acct, key); err != nil {
			return err
		}
		delete(acct.Devices, key)
		return nil
	})
	if err == nil {
		d.log.Info().Str("account", accountID).Str("device", key).Msg("device removed")
	}
	return err
}

// AddOutput attaches an output on a free pin of a device.
func (d *Documents) AddOutput(ctx context.Context, loc schedule.Location, name string) (Subdevice, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Subdevice{}, fmt.Errorf("%w: output name is required", schedule.ErrValidation)
	}
	if !ValidPin(loc.Pin) {
		return Subdevice{}, fmt.Errorf("%w: pin must be one of %s", schedule.ErrValidation, strings.Join(ValidPins, ", "))
	}
	sub := Subdevice{Name: name, Pin: loc.Pin}
	_, err := d.update(ctx, loc.AccountID, func(acct *Account) error {
		dev, err := lookupDevice(acct, loc.DeviceKey)
		if err != nil {
			return err
		}
		if len(dev.Subdevices) >= MaxOutputs {
			return fmt.Errorf("%w: a device holds at most %d outputs", schedule.ErrValidation, MaxOutputs)
		}
		if _, used := dev.Subdevices[loc.Pin]; used {
			return fmt.Errorf("pin %s: %w", loc.Pin, schedule.ErrConflict)
		}
		if dev.Subdevices == nil {
			dev.Subdevices = map[string]*Subdevice{}
		}
		dev.Subdevices[loc.Pin] = &sub
		return nil
	})
	if err != nil {
		return Subdevice{}, err
	}
	return sub, nil
}

// RenameOutput changes an output's name.
func (d *Documents) RenameOutput(ctx context.Context, loc schedule.Location, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: output name is required", schedule.ErrValidation)
	}
	_, err := d.update(ctx, loc.AccountID, func(acct *Account) error {
		_, sub, err := lookupOutput(acct, loc)
		if err != nil {
			return err
		}
		sub.Name = name
		return nil
	})
	return err
}

// RemoveOutput detaches an output and its schedules.
func (d *Documents) RemoveOutput(ctx context.Context, loc schedule.Location) error {
	_, err := d.update(ctx, loc.AccountID, func(acct *Account) error {
		dev, _, err := lookupOutput(acct, loc)
		if err != nil {
			return err
		}
		delete(dev.Subdevices, loc.Pin)
		return nil
	})
	return err
}

// SetOutputState records the last known power state of an output.
func (d *Documents) SetOutputState(ctx context.Context, loc schedule.Location, on bool) error {
	_, err := d.update(ctx, loc.AccountID, func(acct *Account) error {
		_, sub, err := lookupOutput(acct, loc)
		if err != nil {
			return err
		}
		sub.State = on
		return nil
	})
	return err
}

// Close closes the backend.
func (d *Documents) Close() error {
	return d.backend.Close()
}
