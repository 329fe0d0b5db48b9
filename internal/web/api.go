package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sweeney/relay-scheduler/internal/auth"
	"github.com/sweeney/relay-scheduler/internal/schedule"
	"github.com/sweeney/relay-scheduler/internal/store"
	"github.com/sweeney/relay-scheduler/internal/timeofday"
)

const maxBody = 1 << 20

func (s *Server) routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)

		r.Group(func(pr chi.Router) {
			pr.Use(auth.Middleware(s.cfg.JWTSecret))

			pr.Get("/account", s.handleAccount)
			pr.Delete("/account", s.handleAccountDelete)
			pr.Put("/account/password", s.handlePasswordUpdate)
			pr.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleDevicesList)
				r.Post("/", s.handleDevicesCreate)
				r.Route("/{device}", func(r chi.Router) {
					r.Get("/", s.handleDeviceGet)
					r.Patch("/", s.handleDeviceUpdate)
					r.Delete("/", s.handleDeviceDelete)
					r.Get("/info", s.handleDeviceInfo)
					r.Get("/consumption", s.handleDeviceConsumption)
					r.Post("/flash", s.handleDeviceFlash)

					r.Route("/outputs", func(r chi.Router) {
						r.Get("/", s.handleOutputsList)
						r.Post("/", s.handleOutputsCreate)
						r.Route("/{pin}", func(r chi.Router) {
							r.Patch("/", s.handleOutputUpdate)
							r.Delete("/", s.handleOutputDelete)
							r.Get("/state", s.handleStateGet)
							r.Put("/state", s.handleStateSet)
							r.Post("/watch", s.handleWatch)
							r.Delete("/watch", s.handleUnwatch)
							r.Get("/schedules", s.handleSchedulesList)
							r.Post("/schedules", s.handleSchedulesCreate)
							r.Delete("/schedules/{id}", s.handleSchedulesDelete)
						})
					})
				})
			})
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, schedule.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, schedule.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, schedule.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, schedule.ErrTransientIO):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.log.Warn().Err(err).Str("path", r.URL.Path).Int("status", code).Msg("request failed")
	}
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, code, msg)
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", schedule.ErrValidation, err)
	}
	return nil
}

func (s *Server) location(r *http.Request) schedule.Location {
	return schedule.Location{
		AccountID: auth.AccountID(r.Context()),
		DeviceKey: chi.URLParam(r, "device"),
		Pin:       chi.URLParam(r, "pin"),
	}
}

// Accounts.

type credentialsRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Password string `json:"password"`
}

type accountJSON struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type tokenResponse struct {
	Token   string      `json:"token"`
	Account accountJSON `json:"account"`
}

func (s *Server) issue(acct store.Account) (tokenResponse, error) {
	token, err := auth.Issue(s.cfg.JWTSecret, auth.Claims{UserID: acct.ID, Email: acct.Email}, s.cfg.TokenTTL, s.cfg.Now())
	if err != nil {
		return tokenResponse{}, err
	}
	return tokenResponse{Token: token, Account: accountJSON{ID: acct.ID, Email: acct.Email, Name: acct.Name}}, nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", schedule.ErrValidation, err))
		return
	}
	acct, err := s.cfg.Documents.CreateAccount(r.Context(), req.Email, req.Name, hash)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.issue(acct)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	acct, err := s.cfg.Documents.AccountByEmail(r.Context(), req.Email)
	if errors.Is(err, schedule.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := auth.CheckPassword(acct.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	resp, err := s.issue(acct)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.cfg.Documents.Account(r.Context(), auth.AccountID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountJSON{ID: acct.ID, Email: acct.Email, Name: acct.Name})
}

// New passwords chosen from the account settings must fit these bounds.
const (
	minNewPassword = 8
	maxNewPassword = 16
)

type passwordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (s *Server) handlePasswordUpdate(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if n := len(req.NewPassword); n < minNewPassword || n > maxNewPassword {
		s.fail(w, r, fmt.Errorf("%w: new password must be %d to %d characters", schedule.ErrValidation, minNewPassword, maxNewPassword))
		return
	}
	id := auth.AccountID(r.Context())
	acct, err := s.cfg.Documents.Account(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := auth.CheckPassword(acct.PasswordHash, req.CurrentPassword); err != nil {
		writeError(w, http.StatusUnauthorized, "current password is incorrect")
		return
	}
	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", schedule.ErrValidation, err))
		return
	}
	if err := s.cfg.Documents.UpdatePassword(r.Context(), id, hash); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAccountDelete clears every output of the account, so reminders are
// cancelled and device mirrors emptied, then removes the account document.
func (s *Server) handleAccountDelete(w http.ResponseWriter, r *http.Request) {
	id := auth.AccountID(r.Context())
	acct, err := s.cfg.Documents.Account(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	for _, key := range acct.DeviceKeys() {
		for _, pin := range acct.Devices[key].Pins() {
			loc := schedule.Location{AccountID: id, DeviceKey: key, Pin: pin}
			if err := s.clearOutput(r, loc); err != nil {
				s.fail(w, r, err)
				return
			}
		}
	}
	if err := s.cfg.Documents.DeleteAccount(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Devices.

type deviceJSON struct {
	Key       string       `json:"key"`
	Name      string       `json:"name"`
	DeviceID  string       `json:"deviceId"`
	ExpiresAt string       `json:"expiresAt"`
	Outputs   []outputJSON `json:"outputs"`
}

type outputJSON struct {
	Pin  string `json:"pin"`
	Name string `json:"name"`
	On   bool   `json:"on"`
}

func toDeviceJSON(key string, dev store.Device) deviceJSON {
	out := deviceJSON{
		Key:       key,
		Name:      dev.Name,
		DeviceID:  dev.PhotonID,
		ExpiresAt: dev.ExpiresAt,
		Outputs:   []outputJSON{},
	}
	for _, pin := range dev.Pins() {
		sub := dev.Subdevices[pin]
		out.Outputs = append(out.Outputs, outputJSON{Pin: pin, Name: sub.Name, On: sub.State})
	}
	return out
}

func (s *Server) handleDevicesList(w http.ResponseWriter, r *http.Request) {
	acct, err := s.cfg.Documents.Account(r.Context(), auth.AccountID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := []deviceJSON{}
	for _, key := range acct.DeviceKeys() {
		out = append(out, toDeviceJSON(key, *acct.Devices[key]))
	}
	writeJSON(w, http.StatusOK, out)
}

type deviceRequest struct {
	Name        string `json:"name"`
	DeviceID    string `json:"deviceId"`
	AccessToken string `json:"accessToken"`
}

func (s *Server) handleDevicesCreate(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	dev, err := s.cfg.Documents.AddDevice(r.Context(), auth.AccountID(r.Context()), req.Name, req.DeviceID, req.AccessToken)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDeviceJSON(dev.Name, dev))
}

func (s *Server) handleDeviceGet(w http.ResponseWriter, r *http.Request) {
	loc := s.location(r)
	dev, err := s.cfg.Documents.Device(r.Context(), loc.AccountID, loc.DeviceKey)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceJSON(loc.DeviceKey, dev))
}

type deviceUpdateRequest struct {
	Name     *string `json:"name,omitempty"`
	DeviceID *string `json:"deviceId,omitempty"`
}

func (s *Server) handleDeviceUpdate(w http.ResponseWriter, r *http.Request) {
	loc := s.location(r)
	var req deviceUpdateRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := r.Context()
	if req.Name != nil {
		if err := s.cfg.Documents.RenameDevice(ctx, loc.AccountID, loc.DeviceKey, *req.Name); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if req.DeviceID != nil {
		if err := s.cfg.Documents.UpdateDeviceID(ctx, loc.AccountID, loc.DeviceKey, *req.DeviceID); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	s.handleDeviceGet(w, r)
}

// clearOutput stops watching loc and deletes its schedules through the
// reconciler so their notifications are cancelled and mirrors emptied.
func (s *Server) clearOutput(r *http.Request, loc schedule.Location) error {
	s.cfg.Reconciler.Close(loc)
	set, err := s.cfg.Reconciler.List(r.Context(), loc)
	if err != nil {
		return err
	}
	for _, id := range set.IDs() {
		if err := s.cfg.Reconciler.Delete(r.Context(), loc, id); err != nil && !errors.Is(err, schedule.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (s *Server) handleDeviceDelete(w http.ResponseWriter, r *http.Request) {
	loc := s.location(r)
	dev, err := s.cfg.Documents.Device(r.Context(), loc.AccountID, loc.DeviceKey)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	for _, pin := range dev.Pins() {
		out := loc
		out.Pin = pin
		if err := s.clearOutput(r, out); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if err := s.cfg.Documents.RemoveDevice(r.Context(), loc.AccountID, loc.DeviceKey); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deviceCredentials(r *http.Request) (schedule.Credentials, error) {
	loc := s.location(r)
	dev, err := s.cfg.Documents.Device(r.Context(), loc.AccountID, loc.DeviceKey)
	if err != nil {
		return schedule.Credentials{}, err
	}
	creds := dev.Credentials()
	if !creds.Valid() {
		return creds, fmt.Errorf("%w: device has no id or access token", schedule.ErrValidation)
	}
	return creds, nil
}

type deviceInfoJSON struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Platform  string `json:"platform"`
	Connected bool   `json:"connected"`
	LastHeard string `json:"lastHeard,omitempty"`
}

func (s *Server) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Cloud == nil {
		writeError(w, http.StatusNotImplemented, "device cloud not configured")
		return
	}
	creds, err := s.deviceCredentials(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	info, err := s.cfg.Cloud.Device(r.Context(), creds)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceInfoJSON{
		ID:        info.ID,
		Name:      info.Name,
		Platform:  info.Platform(),
		Connected: info.Connected,
		LastHeard: info.LastHeard,
	})
}

func (s *Server) handleDeviceConsumption(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Cloud == nil {
		writeError(w, http.StatusNotImplemented, "device cloud not configured")
		return
	}
	creds, err := s.deviceCredentials(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.cfg.Cloud.Consumption(r.Context(), creds)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type flashRequest struct {
	Source string `json:"source,omitempty"`
}

func (s *Server) handleDeviceFlash(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Flasher == nil {
		writeError(w, http.StatusNotImplemented, "firmware flashing not configured")
		return
	}
	var req flashRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	creds, err := s.deviceCredentials(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var out json.RawMessage
	if strings.TrimSpace(req.Source) != "" {
		out, err = s.cfg.Flasher.FlashSource(r.Context(), creds, req.Source)
	} else {
		out, err = s.cfg.Flasher.Flash(r.Context(), creds)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"result": out})
}

// Outputs.

func (s *Server) handleOutputsList(w http.ResponseWriter, r *http.Request) {
	loc := s.location(r)
	dev, err := s.cfg.Documents.Device(r.Context(), loc.AccountID, loc.DeviceKey)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceJSON(loc.DeviceKey, dev).Outputs)
}

type outputRequest struct {
	Name string `json:"name"`
	Pin  string `json:"pin,omitempty"`
}

func (s *Server) handleOutputsCreate(w http.ResponseWriter, r *http.Request) {
	var req outputRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	loc := s.location(r)
	loc.Pin = strings.ToUpper(strings.TrimSpace(req.Pin))
	sub, err := s.cfg.Documents.AddOutput(r.Context(), loc, req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, outputJSON{Pin: sub.Pin, Name: sub.Name, On: sub.State})
}

func (s *Server) handleOutputUpdate(w http.ResponseWriter, r *http.Request) {
	var req outputRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	loc := s.location(r)
	if err := s.cfg.Documents.RenameOutput(r.Context(), loc, req.Name); err != nil {
		s.fail(w, r, err)
		return
	}
	sub, _, err := s.cfg.Documents.Output(r.Context(), loc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outputJSON{Pin: sub.Pin, Name: sub.Name, On: sub.State})
}

func (s *Server) handleOutputDelete(w http.ResponseWriter, r *http.Request) {
	loc := s.location(r)
	if _, _, err := s.cfg.Documents.Output(r.Context(), loc); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.clearOutput(r, loc); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.cfg.Documents.RemoveOutput(r.Context(), loc); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type stateJSON struct {
	On bool `json:"on"`
}

func (s *Server) handleStateGet(w http.ResponseWriter, r *http.Request) {
	loc := s.location(r)
	sub, creds, err := s.cfg.Documents.Output(r.Context(), loc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.cfg.Cloud == nil || !creds.Valid() {
		writeJSON(w, http.StatusOK, stateJSON{On: sub.State})
		return
	}
	on, err := s.cfg.Cloud.State(r.Context(), creds, loc.Pin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if on != sub.State {
		if err := s.cfg.Documents.SetOutputState(r.Context(), loc, on); err != nil {
			s.log.Warn().Err(err).Str("output", loc.String()).Msg("record output state")
		}
	}
	writeJSON(w, http.StatusOK, stateJSON{On: on})
}

func (s *Server) handleStateSet(w http.ResponseWriter, r *http.Request) {
	var req stateJSON
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	loc := s.location(r)
	_, creds, err := s.cfg.Documents.Output(r.Context(), loc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.cfg.Cloud != nil {
		if !creds.Valid() {
			s.fail(w, r, fmt.Errorf("%w: device has no id or access token", schedule.ErrValidation))
			return
		}
		if err := s.cfg.Cloud.SetState(r.Context(), creds, loc.Pin, req.On); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	if err := s.cfg.Documents.SetOutputState(r.Context(), loc, req.On); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Schedules.

type scheduleJSON struct {
	ID        string `json:"id"`
	On        string `json:"on"`
	Off       string `json:"off"`
	ExpiresAt string `json:"expiresAt"`
}

func toScheduleJSON(sc schedule.Schedule) scheduleJSON {
	return scheduleJSON{
		ID:        sc.ID,
		On:        sc.On.String(),
		Off:       sc.Off.String(),
		ExpiresAt: timeofday.FormatInstant(sc.ExpiresAt),
	}
}

func toSchedulesJSON(set schedule.Set) []scheduleJSON {
	out := make([]scheduleJSON, 0, len(set))
	for _, id := range set.IDs() {
		out = append(out, toScheduleJSON(set[id]))
	}
	return out
}

func (s *Server) handleSchedulesList(w http.ResponseWriter, r *http.Request) {
	set, err := s.cfg.Reconciler.List(r.Context(), s.location(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSchedulesJSON(set))
}

type scheduleRequest struct {
	OnHour    string `json:"onHour"`
	OnMinute  string `json:"onMinute"`
	OffHour   string `json:"offHour"`
	OffMinute string `json:"offMinute"`
}

func (s *Server) handleSchedulesCreate(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	loc := s.location(r)
	sub, _, err := s.cfg.Documents.Output(r.Context(), loc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sc, err := s.cfg.Reconciler.Create(r.Context(), loc, schedule.Input{
		OnHour:    req.OnHour,
		OnMinute:  req.OnMinute,
		OffHour:   req.OffHour,
		OffMinute: req.OffMinute,
		Label:     sub.Name,
	})
	if errors.Is(err, schedule.ErrConflict) {
		writeError(w, http.StatusConflict, "a schedule already exists for this output; delete it first")
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toScheduleJSON(sc))
}

func (s *Server) handleSchedulesDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Reconciler.Delete(r.Context(), s.location(r), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	set, err := s.cfg.Reconciler.Open(r.Context(), s.location(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSchedulesJSON(set))
}

func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	s.cfg.Reconciler.Close(s.location(r))
	w.WriteHeader(http.StatusNoContent)
}
