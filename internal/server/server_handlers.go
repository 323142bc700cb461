package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/koltyakov/edgegate/internal/auth"
	"github.com/koltyakov/edgegate/internal/domain"
	"github.com/koltyakov/edgegate/internal/netutil"
)

const maxDeviceIDLen = 128

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.regLimiter.allow(netutil.RemoteIP(r.RemoteAddr)) {
		s.writeError(w, r, domain.ErrRateLimitExceeded)
		return
	}

	var req domain.RegisterRequest
	if err := decodeJSONBody(w, r, maxRegisterBodyBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if err := validateDeviceID(req.DeviceID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateMetadata(req.Metadata); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.checkPeerIdentity(r, req.DeviceID); err != nil {
		s.writeError(w, r, err)
		return
	}

	cred, err := s.authority.Issue(r.Context(), req.DeviceID, req.Metadata)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("device registered", "device_id", cred.DeviceID, "token_id", cred.TokenID, "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusOK, s.credentialResponse(r, "registered", cred))
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	raw, ok := auth.BearerToken(r.Header)
	if !ok {
		s.writeError(w, r, errMissingCredential)
		return
	}
	claims, err := s.authority.Parse(raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.checkPeerIdentity(r, claims.DeviceID); err != nil {
		s.writeError(w, r, err)
		return
	}
	cred, err := s.authority.Renew(r.Context(), raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.credentialResponse(r, "renewed", cred))
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	c, err := s.authenticateCaller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !c.mayAct(deviceID) {
		s.writeError(w, r, domain.ErrForbidden)
		return
	}
	if err := s.authority.Deregister(r.Context(), deviceID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.disconnectDevice(deviceID, "deregistered")
	s.log.Info("device deregistered", "device_id", deviceID, "by_admin", c.admin())
	writeJSON(w, http.StatusOK, domain.StatusResponse{Status: "deregistered", DeviceID: deviceID})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticateAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	deviceID := r.PathValue("device_id")
	if err := s.authority.Revoke(r.Context(), deviceID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.tracker.NotifyRevoked(deviceID)
	s.disconnectDevice(deviceID, "revoked")
	s.log.Info("device revoked", "device_id", deviceID)
	writeJSON(w, http.StatusOK, domain.StatusResponse{Status: "revoked", DeviceID: deviceID})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticateAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	recs := s.registry.List()
	out := make([]domain.DeviceInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, domain.NewDeviceInfo(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	c, err := s.authenticateCaller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !c.mayAct(deviceID) {
		s.writeError(w, r, domain.ErrForbidden)
		return
	}
	rec, err := s.registry.Get(deviceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.NewDeviceInfo(rec))
}

func (s *Server) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	c, err := s.authenticateCaller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !c.mayAct(deviceID) {
		s.writeError(w, r, domain.ErrForbidden)
		return
	}
	var req domain.MetadataUpdateRequest
	if err := decodeJSONBody(w, r, maxAdminBodyBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validateMetadata(req.Metadata); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.registry.UpdateMetadata(r.Context(), deviceID, req.Metadata)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("device metadata updated", "device_id", deviceID)
	writeJSON(w, http.StatusOK, domain.NewDeviceInfo(rec))
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticateAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	deviceID := r.PathValue("device_id")
	if _, err := s.registry.Get(deviceID); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req domain.PushRequest
	if err := decodeJSONBody(w, r, maxAdminBodyBytes, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.pushToDevice(deviceID, req.Payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "delivered", "device_id": deviceID, "message_id": id})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"devices": s.registry.Len(),
	})
}

// credentialResponse renders cred with the gateway endpoints the device
// needs next.
func (s *Server) credentialResponse(r *http.Request, status string, cred domain.Credential) domain.RegisterResponse {
	base := s.publicBaseURL(r)
	id := url.PathEscape(cred.DeviceID)
	connect := base + "/v1/devices/connect"
	if u, err := url.Parse(connect); err == nil {
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		case "http":
			u.Scheme = "ws"
		}
		connect = u.String()
	}
	return domain.RegisterResponse{
		Status:     status,
		Token:      cred.Token,
		ExpiresAt:  cred.ExpiresAt.UTC(),
		RenewAfter: cred.RenewAfter.UTC(),
		DeviceID:   cred.DeviceID,
		CloudEndpoints: domain.CloudEndpoints{
			Invoke:     base + "/invoke/" + id + "/",
			Connect:    connect,
			Renew:      base + "/api/renew",
			Deregister: base + "/api/deregister/" + id,
		},
	}
}

func validateDeviceID(id string) error {
	if id == "" {
		return badRequest("device_id is required")
	}
	if len(id) > maxDeviceIDLen {
		return badRequest("device_id is too long")
	}
	if id == "." || id == ".." {
		return badRequest("device_id is reserved")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return badRequest("device_id may only contain letters, digits, '-', '_' and '.'")
		}
	}
	return nil
}

func validateMetadata(md domain.Metadata) error {
	if md == nil {
		return badRequest("metadata is required")
	}
	if _, err := md.BaseURL(); err != nil {
		return badRequest("metadata." + domain.MetadataURLKey + ": " + err.Error())
	}
	return nil
}
