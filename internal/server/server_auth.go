package server

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/koltyakov/edgegate/internal/auth"
	"github.com/koltyakov/edgegate/internal/domain"
)

// caller is an authenticated principal: either an admin API key or a device
// holding its current credential.
type caller struct {
	apiKeyID string
	device   domain.DeviceRecord
}

func (c caller) admin() bool {
	return c.apiKeyID != ""
}

// mayAct reports whether the caller may act on deviceID.
func (c caller) mayAct(deviceID string) bool {
	return c.admin() || c.device.DeviceID == deviceID
}

func (s *Server) authenticateAdmin(r *http.Request) (string, error) {
	key, ok := auth.BearerToken(r.Header)
	if !ok || !auth.IsAPIKey(key) {
		return "", errAdminRequired
	}
	keyID, err := s.store.ResolveAPIKeyID(r.Context(), auth.HashAPIKey(key, s.cfg.APIKeyPepper))
	if errors.Is(err, sql.ErrNoRows) {
		return "", errAdminRequired
	}
	if err != nil {
		return "", fmt.Errorf("resolve api key: %w", err)
	}
	return keyID, nil
}

// authenticateDevice validates the bearer credential and, when the
// connection carries a client certificate, binds it to the same device.
func (s *Server) authenticateDevice(r *http.Request) (domain.DeviceRecord, error) {
	raw, ok := auth.BearerToken(r.Header)
	if !ok {
		return domain.DeviceRecord{}, errMissingCredential
	}
	rec, err := s.authority.Validate(raw)
	if err != nil {
		return domain.DeviceRecord{}, err
	}
	if err := s.checkPeerIdentity(r, rec.DeviceID); err != nil {
		return domain.DeviceRecord{}, err
	}
	return rec, nil
}

// authenticateCaller accepts either credential type; admin keys are told
// apart by their prefix.
func (s *Server) authenticateCaller(r *http.Request) (caller, error) {
	raw, ok := auth.BearerToken(r.Header)
	if !ok {
		return caller{}, errMissingCredential
	}
	if auth.IsAPIKey(raw) {
		keyID, err := s.authenticateAdmin(r)
		if err != nil {
			return caller{}, err
		}
		return caller{apiKeyID: keyID}, nil
	}
	rec, err := s.authenticateDevice(r)
	if err != nil {
		return caller{}, err
	}
	return caller{device: rec}, nil
}
