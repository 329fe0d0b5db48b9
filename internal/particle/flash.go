package particle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sweeney/relay-scheduler/internal/schedule"
)

// Default firmware build servers.
const (
	DefaultFlashURL  = "https://server-lightbulb-five.vercel.app/api/flash"
	DefaultSourceURL = "https://serverparticlecontrol.onrender.com/api/flashFromCode"
)

// Flasher asks a build server to compile and flash firmware onto a device.
type Flasher struct {
	flashURL  string
	sourceURL string
	http      *http.Client
}

// NewFlasher creates a Flasher. Empty URLs take the defaults.
func NewFlasher(flashURL, sourceURL string, httpClient *http.Client) *Flasher {
	if flashURL == "" {
		flashURL = DefaultFlashURL
	}
	if sourceURL == "" {
		sourceURL = DefaultSourceURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * DefaultTimeout}
	}
	return &Flasher{flashURL: flashURL, sourceURL: sourceURL, http: httpClient}
}

type flashRequest struct {
	SourceCode  string `json:"sourceCode,omitempty"`
	DeviceID    string `json:"deviceID"`
	AccessToken string `json:"accessToken"`
}

// Flash installs the standard relay firmware.
func (f *Flasher) Flash(ctx context.Context, creds schedule.Credentials) (json.RawMessage, error) {
	return f.post(ctx, f.flashURL, flashRequest{DeviceID: creds.DeviceID, AccessToken: creds.AccessToken})
}

// FlashSource compiles and installs source.
func (f *Flasher) FlashSource(ctx context.Context, creds schedule.Credentials, source string) (json.RawMessage, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("%w: source code is required", schedule.ErrValidation)
	}
	return f.post(ctx, f.sourceURL, flashRequest{SourceCode: source, DeviceID: creds.DeviceID, AccessToken: creds.AccessToken})
}

func (f *Flasher) post(ctx context.Context, endpoint string, body flashRequest) (json.RawMessage, error) {
	if !(schedule.Credentials{DeviceID: body.DeviceID, AccessToken: body.AccessToken}).Valid() {
		return nil, fmt.Errorf("%w: device has no id or access token", schedule.ErrValidation)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, schedule.Transient("flash", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, schedule.Transient("read flash response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(out, &e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: flash failed: %d %s", schedule.ErrTransientIO, resp.StatusCode, e.Error)
	}
	if !json.Valid(out) {
		out, _ = json.Marshal(string(out))
	}
	return out, nil
}
