package liveness

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix roots every subject the publisher writes to.
const DefaultSubjectPrefix = "edgegate.devices"

// NATSPublisher publishes telemetry to <prefix>.<device>.telemetry and
// lifecycle events to <prefix>.<device>.events. Publishes are core NATS
// (fire and forget); there is no JetStream persistence.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// DialNATS connects to url and returns a publisher. Reconnects are retried
// indefinitely so a broker restart does not require a gateway restart.
func DialNATS(url, prefix string, log *slog.Logger) (*NATSPublisher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("nats url is required")
	}
	if log == nil {
		log = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("edgegate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	return NewNATSPublisher(nc, prefix), nil
}

// Subject returns the subject for a device and channel.
func (p *NATSPublisher) Subject(deviceID, channel string) string {
	return p.prefix + "." + subjectToken(deviceID) + "." + channel
}

func (p *NATSPublisher) PublishTelemetry(deviceID string, payload []byte) error {
	return p.nc.Publish(p.Subject(deviceID, "telemetry"), payload)
}

func (p *NATSPublisher) PublishEvent(ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.Subject(ev.DeviceID, "events"), b)
}

// Close flushes pending publishes and closes the connection.
func (p *NATSPublisher) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	return nil
}

// subjectToken maps a device id onto a single NATS subject token: separators
// and wildcards become underscores.
func subjectToken(deviceID string) string {
	if deviceID == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		default:
			return r
		}
	}, deviceID)
}
