// Package domain defines the core data types shared across the edgegate
// registry, token authority, store, and gateway layers.
package domain

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// Device status constants. A revoked record stays in the registry until the
// device is deregistered, but none of its credentials validate.
const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// MetadataURLKey is the metadata entry holding the device's forwarding base URL.
const MetadataURLKey = "url"

// Metadata is the opaque key-value map a device supplies at registration.
// Values are whatever JSON decoding produced (strings, numbers, bools,
// nested maps and slices).
type Metadata map[string]any

// Clone returns a deep copy so snapshots never alias a live record.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// BaseURL parses and validates the forwarding base URL.
func (m Metadata) BaseURL() (*url.URL, error) {
	raw, _ := m[MetadataURLKey].(string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("metadata.url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("metadata.url must use http or https")
	}
	if u.Host == "" {
		return nil, errors.New("metadata.url must include a host")
	}
	return u, nil
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Metadata(t).Clone())
	case Metadata:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// DeviceRecord is the registry's authoritative view of one device.
type DeviceRecord struct {
	DeviceID       string
	Metadata       Metadata
	Status         string
	Connected      bool
	LastSeen       time.Time
	RegisteredAt   time.Time
	CurrentTokenID string
}

// Clone returns a copy that shares no mutable state with r.
func (r DeviceRecord) Clone() DeviceRecord {
	r.Metadata = r.Metadata.Clone()
	return r
}

// Active reports whether credentials for this record may validate.
func (r DeviceRecord) Active() bool {
	return r.Status == StatusActive
}

// Credential is a signed bearer token plus the claims it carries.
type Credential struct {
	Token     string
	TokenID   string
	DeviceID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Metadata  Metadata

	// RenewAfter is the start of the renewal grace window.
	RenewAfter time.Time
}

// APIKey is an administrative credential. Only its peppered hash is stored.
type APIKey struct {
	ID        string
	Name      string
	KeyHash   string
	CreatedAt time.Time
	RevokedAt *time.Time
}
