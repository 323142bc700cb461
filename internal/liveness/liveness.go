// Package liveness holds the three state-transition entry points the
// liveness channel drives: connect, message and disconnect. Transport
// mechanics live in the gateway; this package only moves registry state and
// fans telemetry out to an optional publisher.
package liveness

import (
	"context"
	"log/slog"
	"time"
)

// Event types published on the events subject.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventRevoked      = "revoked"
)

// Registry is the subset of the device registry the tracker drives.
type Registry interface {
	MarkConnected(ctx context.Context, deviceID string) error
	MarkDisconnected(ctx context.Context, deviceID string) error
	Touch(deviceID string) error
}

// Event is a device lifecycle notification.
type Event struct {
	Type     string    `json:"type"`
	DeviceID string    `json:"device_id"`
	At       time.Time `json:"at"`
}

// Publisher fans liveness data out to a side channel. Delivery is best
// effort; publish failures never affect registry state.
type Publisher interface {
	PublishTelemetry(deviceID string, payload []byte) error
	PublishEvent(ev Event) error
}

// Tracker applies liveness transitions to the registry.
type Tracker struct {
	reg Registry
	pub Publisher
	log *slog.Logger
	now func() time.Time
}

// NewTracker returns a tracker. pub may be nil.
func NewTracker(reg Registry, pub Publisher, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{reg: reg, pub: pub, log: log, now: time.Now}
}

// OnConnect marks the device connected and touches last_seen.
func (t *Tracker) OnConnect(ctx context.Context, deviceID string) error {
	if err := t.reg.MarkConnected(ctx, deviceID); err != nil {
		return err
	}
	t.publishEvent(EventConnected, deviceID)
	return nil
}

// OnMessage touches last_seen. The payload is not interpreted; a non-empty
// payload is forwarded to the publisher as telemetry.
func (t *Tracker) OnMessage(deviceID string, payload []byte) error {
	if err := t.reg.Touch(deviceID); err != nil {
		return err
	}
	if t.pub != nil && len(payload) > 0 {
		if err := t.pub.PublishTelemetry(deviceID, payload); err != nil {
			t.log.Debug("telemetry publish failed", "device_id", deviceID, "err", err)
		}
	}
	return nil
}

// OnDisconnect marks the device disconnected.
func (t *Tracker) OnDisconnect(ctx context.Context, deviceID string) error {
	if err := t.reg.MarkDisconnected(ctx, deviceID); err != nil {
		return err
	}
	t.publishEvent(EventDisconnected, deviceID)
	return nil
}

// NotifyRevoked publishes a revocation event. Registry state is changed by
// the token authority, not here.
func (t *Tracker) NotifyRevoked(deviceID string) {
	t.publishEvent(EventRevoked, deviceID)
}

func (t *Tracker) publishEvent(typ, deviceID string) {
	if t.pub == nil {
		return
	}
	ev := Event{Type: typ, DeviceID: deviceID, At: t.now().UTC()}
	if err := t.pub.PublishEvent(ev); err != nil {
		t.log.Debug("event publish failed", "device_id", deviceID, "event", typ, "err", err)
	}
}
