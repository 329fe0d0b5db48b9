// Package particle talks to the device cloud that relays commands to the
// relay controllers: schedule mirroring, output state, device info, cloud
// variables, access tokens and firmware flashing.
package particle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sweeney/relay-scheduler/internal/schedule"
)

// DefaultBaseURL is the public device cloud.
const DefaultBaseURL = "https://api.particle.io"

// DefaultTimeout bounds one device cloud request.
const DefaultTimeout = 15 * time.Second

// Cloud function and variable names exposed by the firmware.
const (
	FuncUpdateSchedules = "actualizarHorarios"
	FuncSetStatePrefix  = "cambiarEstado" // + pin
	VarStatePrefix      = "estado"        // + pin
	VarVoltage          = "voltaje"
	VarPower            = "potencia"
	VarCurrent          = "corriente"
)

// APIError is a non-2xx device cloud response.
type APIError struct {
	Status      int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description"`
	Info        string `json:"info"`
}

func (e *APIError) Error() string {
	msg := e.Description
	if msg == "" {
		msg = e.Info
	}
	if msg == "" {
		msg = e.Code
	}
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("device cloud: %d %s", e.Status, msg)
}

// Client is a device cloud REST client.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL. A nil httpClient gets DefaultTimeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) do(ctx context.Context, method, path, token string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return schedule.Transient(method+" "+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return schedule.Transient("read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return schedule.Transient(method+" "+path, apiErr)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func devicePath(deviceID, name string) string {
	p := "/v1/devices/" + url.PathEscape(deviceID)
	if name != "" {
		p += "/" + url.PathEscape(name)
	}
	return p
}

type functionResult struct {
	ID          string `json:"id"`
	Connected   bool   `json:"connected"`
	ReturnValue int    `json:"return_value"`
}

type variableResult struct {
	Name   string          `json:"name"`
	Result json.RawMessage `json:"result"`
}

// Call invokes a cloud function with the "arg" form parameter and returns
// its return value.
func (c *Client) Call(ctx context.Context, creds schedule.Credentials, function, arg string) (int, error) {
	var res functionResult
	err := c.do(ctx, http.MethodPost, devicePath(creds.DeviceID, function), creds.AccessToken, url.Values{"arg": {arg}}, &res)
	return res.ReturnValue, err
}

// UpdateSchedules sends a mirror payload to the schedule function. The
// firmware expects the JSON in the "args" form parameter.
func (c *Client) UpdateSchedules(ctx context.Context, creds schedule.Credentials, payload []byte) error {
	var res functionResult
	return c.do(ctx, http.MethodPost, devicePath(creds.DeviceID, FuncUpdateSchedules), creds.AccessToken, url.Values{"args": {string(payload)}}, &res)
}

// State reads whether pin is on.
func (c *Client) State(ctx context.Context, creds schedule.Credentials, pin string) (bool, error) {
	var res variableResult
	if err := c.do(ctx, http.MethodGet, devicePath(creds.DeviceID, VarStatePrefix+pin), creds.AccessToken, nil, &res); err != nil {
		return false, err
	}
	var on bool
	if err := json.Unmarshal(res.Result, &on); err != nil {
		// some firmware reports 0/1
		var n float64
		if err := json.Unmarshal(res.Result, &n); err != nil {
			return false, fmt.Errorf("state of %s: unexpected result %s", pin, res.Result)
		}
		on = n != 0
	}
	return on, nil
}

// SetState switches pin. The device must acknowledge with return value 1.
func (c *Client) SetState(ctx context.Context, creds schedule.Credentials, pin string, on bool) error {
	arg := "off"
	if on {
		arg = "on"
	}
	rv, err := c.Call(ctx, creds, FuncSetStatePrefix+pin, arg)
	if err != nil {
		return err
	}
	if rv != 1 {
		return fmt.Errorf("%w: device rejected %s for %s (return value %d)", schedule.ErrTransientIO, arg, pin, rv)
	}
	return nil
}

// Reading returns a numeric cloud variable.
func (c *Client) Reading(ctx context.Context, creds schedule.Credentials, name string) (float64, error) {
	var res variableResult
	if err := c.do(ctx, http.MethodGet, devicePath(creds.DeviceID, name), creds.AccessToken, nil, &res); err != nil {
		return 0, err
	}
	var v float64
	if err := json.Unmarshal(res.Result, &v); err != nil {
		return 0, fmt.Errorf("variable %s: unexpected result %s", name, res.Result)
	}
	return v, nil
}

// Consumption is a snapshot of the power variables.
type Consumption struct {
	Voltage float64 `json:"voltage"`
	Power   float64 `json:"power"`
	Current float64 `json:"current"`
}

// Consumption reads the voltage, power and current variables.
func (c *Client) Consumption(ctx context.Context, creds schedule.Credentials) (Consumption, error) {
	var out Consumption
	for _, v := range []struct {
		name string
		dst  *float64
	}{
		{VarVoltage, &out.Voltage},
		{VarPower, &out.Power},
		{VarCurrent, &out.Current},
	} {
		val, err := c.Reading(ctx, creds, v.name)
		if err != nil {
			return Consumption{}, err
		}
		*v.dst = val
	}
	return out, nil
}

// DeviceInfo is the subset of device attributes this service shows.
type DeviceInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Connected  bool   `json:"connected"`
	Online     bool   `json:"online"`
	PlatformID int    `json:"platform_id"`
	LastHeard  string `json:"last_heard"`
}

// Platform names the hardware family.
func (d DeviceInfo) Platform() string {
	return PlatformName(d.PlatformID)
}

// PlatformName maps a platform id to a hardware family.
func PlatformName(id int) string {
	switch id {
	case 6:
		return "Photon"
	case 10:
		return "Electron"
	case 12:
		return "Argon"
	case 13:
		return "Boron"
	case 26:
		return "Photon 2"
	}
	return "Unknown"
}

// Device fetches device attributes.
func (c *Client) Device(ctx context.Context, creds schedule.Credentials) (DeviceInfo, error) {
	var info DeviceInfo
	err := c.do(ctx, http.MethodGet, devicePath(creds.DeviceID, ""), creds.AccessToken, nil, &info)
	return info, err
}

// Token is an issued access token.
type Token struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// Token obtains an access token with the password grant. A zero expiresIn
// requests a token that never expires.
func (c *Client) Token(ctx context.Context, username, password string, expiresIn time.Duration) (Token, error) {
	form := url.Values{
		"username":      {username},
		"password":      {password},
		"grant_type":    {"password"},
		"client_id":     {"particle"},
		"client_secret": {"particle"},
		"expires_in":    {strconv.Itoa(int(expiresIn / time.Second))},
	}
	var tok Token
	err := c.do(ctx, http.MethodPost, "/oauth/token", "", form, &tok)
	return tok, err
}
