package domain

import "time"

// RegisterRequest is the JSON body a device sends to obtain a credential.
type RegisterRequest struct {
	DeviceID string   `json:"device_id"`
	Metadata Metadata `json:"metadata"`
}

// CloudEndpoints tells a device where to reach the gateway's own surfaces.
type CloudEndpoints struct {
	Invoke     string `json:"invoke"`
	Connect    string `json:"connect"`
	Renew      string `json:"renew"`
	Deregister string `json:"deregister"`
}

// RegisterResponse is returned on successful registration and renewal.
type RegisterResponse struct {
	Status         string         `json:"status"`
	Token          string         `json:"token"`
	ExpiresAt      time.Time      `json:"expires_at"`
	RenewAfter     time.Time      `json:"renew_after"`
	DeviceID       string         `json:"device_id"`
	CloudEndpoints CloudEndpoints `json:"cloud_endpoints"`
}

// MetadataUpdateRequest replaces a device's metadata.
type MetadataUpdateRequest struct {
	Metadata Metadata `json:"metadata"`
}

// PushRequest carries an opaque payload to deliver over a device's liveness
// channel.
type PushRequest struct {
	Payload any `json:"payload"`
}

// DeviceInfo is the public JSON view of a [DeviceRecord].
type DeviceInfo struct {
	DeviceID     string    `json:"device_id"`
	Status       string    `json:"status"`
	Connected    bool      `json:"connected"`
	LastSeen     time.Time `json:"last_seen"`
	RegisteredAt time.Time `json:"registered_at"`
	Metadata     Metadata  `json:"metadata,omitempty"`
}

// NewDeviceInfo projects a record to its public view.
func NewDeviceInfo(rec DeviceRecord) DeviceInfo {
	return DeviceInfo{
		DeviceID:     rec.DeviceID,
		Status:       rec.Status,
		Connected:    rec.Connected,
		LastSeen:     rec.LastSeen,
		RegisteredAt: rec.RegisteredAt,
		Metadata:     rec.Metadata.Clone(),
	}
}

// StatusResponse is a minimal acknowledgement body.
type StatusResponse struct {
	Status   string `json:"status"`
	DeviceID string `json:"device_id,omitempty"`
}

// ErrorResponse is the JSON body returned by the gateway for structured errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}
