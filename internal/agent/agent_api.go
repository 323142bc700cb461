package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/koltyakov/edgegate/internal/domain"
)

// apiError is a structured error from a gateway API endpoint.
type apiError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

func isNonRetriable(err error) bool {
	var ae *apiError
	if !errors.As(err, &ae) {
		return false
	}
	// Retry for backpressure and transient timeout statuses.
	if ae.StatusCode == http.StatusTooManyRequests || ae.StatusCode == http.StatusRequestTimeout {
		return false
	}
	return ae.StatusCode >= 400 && ae.StatusCode < 500
}

// shortenError extracts the innermost meaningful message from nested network
// errors so logs read "connection refused" rather than the full dial trace.
func shortenError(err error) string {
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Err != nil {
		return oe.Err.Error()
	}
	return err.Error()
}

func (a *Agent) register(ctx context.Context) (domain.RegisterResponse, error) {
	md := domain.Metadata{}
	for k, v := range a.cfg.Metadata {
		md[k] = v
	}
	md[domain.MetadataURLKey] = a.cfg.LocalURL
	body, err := json.Marshal(domain.RegisterRequest{DeviceID: a.cfg.DeviceID, Metadata: md})
	if err != nil {
		return domain.RegisterResponse{}, err
	}
	return a.credentialCall(ctx, strings.TrimSuffix(a.cfg.ServerURL, "/")+"/api/register", "", body)
}

// renew trades the current credential for a fresh one.
func (a *Agent) renew(ctx context.Context) (domain.RegisterResponse, error) {
	cur := a.Credential()
	endpoint := cur.CloudEndpoints.Renew
	if endpoint == "" {
		endpoint = strings.TrimSuffix(a.cfg.ServerURL, "/") + "/api/renew"
	}
	return a.credentialCall(ctx, endpoint, cur.Token, nil)
}

func (a *Agent) credentialCall(ctx context.Context, endpoint, token string, body []byte) (domain.RegisterResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.RegisterResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.apiClient.Do(req)
	if err != nil {
		return domain.RegisterResponse{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return domain.RegisterResponse{}, readAPIError(resp)
	}
	var out domain.RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.RegisterResponse{}, err
	}
	if out.Token == "" {
		return domain.RegisterResponse{}, errors.New("gateway returned an empty credential")
	}
	return out, nil
}

func readAPIError(resp *http.Response) *apiError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	ae := &apiError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	var errResp domain.ErrorResponse
	if json.Unmarshal(b, &errResp) == nil && errResp.Error != "" {
		ae.Message = errResp.Error
		ae.Code = errResp.ErrorCode
	}
	if ae.Message == "" {
		ae.Message = resp.Status
	}
	return ae
}
