package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string            `json:"event,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Role          string            `json:"role"`
	Mode          string            `json:"mode"`
	OpenOutputs   int               `json:"open_outputs"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	StartTime     string            `json:"start_time"`
	Timestamp     string            `json:"timestamp"`
	MQTT          MQTTStatus        `json:"mqtt"`
	Sweeps        SweepsJSON        `json:"sweeps"`
	Outputs       map[string]string `json:"outputs,omitempty"`
	Counts        CountsJSON        `json:"event_counts"`
	Config        ConfigJSON        `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// SweepsJSON is the JSON representation of sweep statistics.
type SweepsJSON struct {
	Total     int    `json:"total"`
	Purged    int    `json:"purged"`
	Failures  int    `json:"failures"`
	Last      string `json:"last,omitempty"`
	LastAt    string `json:"last_output,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	On  int `json:"on"`
	Off int `json:"off"`
}

// ConfigJSON is the JSON representation of process config.
type ConfigJSON struct {
	Environment          string `json:"environment,omitempty"`
	StoreBackend         string `json:"store,omitempty"`
	Broker               string `json:"broker,omitempty"`
	HTTPAddr             string `json:"http_addr,omitempty"`
	ForegroundIntervalMs int64  `json:"foreground_interval_ms"`
	BackgroundIntervalMs int64  `json:"background_interval_ms"`
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		Role:          snap.Config.Role,
		Mode:          string(snap.Mode),
		OpenOutputs:   snap.OpenOutputs,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Sweeps: SweepsJSON{
			Total:     snap.Sweeps.Total,
			Purged:    snap.Sweeps.Purged,
			Failures:  snap.Sweeps.Failures,
			LastAt:    snap.Sweeps.LastAt,
			LastError: snap.Sweeps.LastError,
		},
		Counts: CountsJSON{On: snap.Counts.On, Off: snap.Counts.Off},
		Config: ConfigJSON{
			Environment:          snap.Config.Environment,
			StoreBackend:         snap.Config.StoreBackend,
			Broker:               snap.Config.Broker,
			HTTPAddr:             snap.Config.HTTPAddr,
			ForegroundIntervalMs: snap.Config.ForegroundInterval.Milliseconds(),
			BackgroundIntervalMs: snap.Config.BackgroundInterval.Milliseconds(),
		},
	}
	if !snap.Sweeps.Last.IsZero() {
		inner.Sweeps.Last = snap.Sweeps.Last.UTC().Format(time.RFC3339)
	}
	if len(snap.Outputs) > 0 {
		inner.Outputs = make(map[string]string, len(snap.Outputs))
		for pin, st := range snap.Outputs {
			inner.Outputs[pin] = string(st)
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
