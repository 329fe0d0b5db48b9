package mqtt

import (
	"context"
	"fmt"

	"github.com/sweeney/relay-scheduler/internal/metrics"
	"github.com/sweeney/relay-scheduler/internal/schedule"
)

// Mirror publishes an output's schedules to the device's retained topic.
type Mirror struct {
	pub Publisher
}

// NewMirror creates a Mirror over pub.
func NewMirror(pub Publisher) *Mirror {
	return &Mirror{pub: pub}
}

// Push implements schedule.Mirror.
func (m *Mirror) Push(_ context.Context, creds schedule.Credentials, pin string, set schedule.Set) error {
	payload, err := schedule.EncodeMirror(pin, set)
	if err != nil {
		return err
	}
	err = m.pub.PublishSchedules(creds.DeviceID, pin, payload)
	metrics.MirrorPushesTotal.WithLabelValues("mqtt", metrics.Result(err)).Inc()
	if err != nil {
		return fmt.Errorf("mqtt mirror %s/%s: %w", creds.DeviceID, pin, err)
	}
	return nil
}
