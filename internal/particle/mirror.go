package particle

import (
	"context"

	"github.com/sweeney/relay-scheduler/internal/metrics"
	"github.com/sweeney/relay-scheduler/internal/schedule"
)

// Mirror pushes schedule sets to the device cloud.
type Mirror struct {
	client *Client
}

// NewMirror creates a Mirror over client.
func NewMirror(client *Client) *Mirror {
	return &Mirror{client: client}
}

// Push implements schedule.Mirror.
func (m *Mirror) Push(ctx context.Context, creds schedule.Credentials, pin string, set schedule.Set) error {
	payload, err := schedule.EncodeMirror(pin, set)
	if err != nil {
		return err
	}
	err = m.client.UpdateSchedules(ctx, creds, payload)
	metrics.MirrorPushesTotal.WithLabelValues("cloud", metrics.Result(err)).Inc()
	return err
}
