package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koltyakov/edgegate/internal/auth"
	"github.com/koltyakov/edgegate/internal/config"
	"github.com/koltyakov/edgegate/internal/domain"
	"github.com/koltyakov/edgegate/internal/liveproto"
	"github.com/koltyakov/edgegate/internal/server"
	"github.com/koltyakov/edgegate/internal/store/sqlite"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type gateway struct {
	url      string
	adminKey string
}

func startGateway(t *testing.T, ttl time.Duration, grace float64) gateway {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))

	pepper, err := store.ResolveServerPepper(ctx, "agent-test-pepper")
	require.NoError(t, err)
	key, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	_, err = store.CreateAPIKey(ctx, "agent-test", auth.HashAPIKey(key, pepper))
	require.NoError(t, err)

	srv, err := server.New(config.ServerConfig{
		SigningSecret:   strings.Repeat("k", 40),
		APIKeyPepper:    pepper,
		TokenTTL:        ttl,
		RenewGrace:      grace,
		RequestTimeout:  5 * time.Second,
		ChunkSize:       4096,
		LivenessTimeout: time.Minute,
	}, store, discardLogger())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return gateway{url: ts.URL, adminKey: key}
}

func (g gateway) admin(t *testing.T, method, path, body string) int {
	t.Helper()
	req, err := http.NewRequest(method, g.url+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+g.adminKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func agentConfig(serverURL, deviceID string) config.AgentConfig {
	return config.AgentConfig{
		ServerURL:    serverURL,
		DeviceID:     deviceID,
		LocalURL:     "http://127.0.0.1:9",
		Metadata:     map[string]any{"site": "north"},
		PingInterval: 50 * time.Millisecond,
		Timeout:      5 * time.Second,
	}
}

func runAgent(t *testing.T, a *Agent) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})
	return cancel, done
}

func TestAgentRegistersReceivesPushAndStopsOnRevoke(t *testing.T) {
	g := startGateway(t, time.Hour, 0.1)
	a, err := New(agentConfig(g.url, "dev1"), discardLogger())
	require.NoError(t, err)

	pushes := make(chan liveproto.Message, 1)
	a.SetPushHandler(func(msg liveproto.Message) { pushes <- msg })
	_, done := runAgent(t, a)

	require.Eventually(t, func() bool {
		return g.admin(t, http.MethodPost, "/api/push/dev1", `{"payload":{"cmd":"sync"}}`) == http.StatusAccepted
	}, 5*time.Second, 20*time.Millisecond)

	select {
	case msg := <-pushes:
		require.JSONEq(t, `{"cmd":"sync"}`, string(msg.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("push was not delivered")
	}
	require.Equal(t, "dev1", a.Credential().DeviceID)

	require.Equal(t, http.StatusOK, g.admin(t, http.MethodPost, "/api/revoke/dev1", ""))
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrRevoked)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop after revocation")
	}
	require.Empty(t, a.Credential().Token)
}

func TestAgentSendsTelemetry(t *testing.T) {
	g := startGateway(t, time.Hour, 0.1)
	a, err := New(agentConfig(g.url, "dev1"), discardLogger())
	require.NoError(t, err)
	var calls atomic.Int32
	a.SetTelemetry(func() any {
		calls.Add(1)
		return map[string]int{"temp_c": 21}
	})
	runAgent(t, a)

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 5*time.Second, 20*time.Millisecond)
}

func TestAgentRenewsInsideGraceWindow(t *testing.T) {
	g := startGateway(t, 3*time.Second, 0.8)
	a, err := New(agentConfig(g.url, "dev1"), discardLogger())
	require.NoError(t, err)
	runAgent(t, a)

	require.Eventually(t, func() bool { return a.Credential().Token != "" }, 5*time.Second, 20*time.Millisecond)
	first := a.Credential().Token
	require.Eventually(t, func() bool {
		tok := a.Credential().Token
		return tok != "" && tok != first
	}, 5*time.Second, 50*time.Millisecond)
}

func TestAgentStopsOnNonRetriableRegisterError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(domain.ErrorResponse{Error: "device already registered", ErrorCode: "conflict"})
	}))
	t.Cleanup(ts.Close)

	a, err := New(agentConfig(ts.URL, "dev1"), discardLogger())
	require.NoError(t, err)
	err = a.Run(context.Background())

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusConflict, apiErr.StatusCode)
	require.Equal(t, "conflict", apiErr.Code)
}

func TestRunSessionMapsConnectRejection(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := string(domain.AuthUnknownDevice)
		if r.Header.Get("Authorization") == "Bearer expired" {
			code = string(domain.AuthExpired)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(domain.ErrorResponse{Error: "device is revoked", ErrorCode: code})
	}))
	t.Cleanup(ts.Close)

	a, err := New(agentConfig(ts.URL, "dev1"), discardLogger())
	require.NoError(t, err)

	a.setCredential(domain.RegisterResponse{DeviceID: "dev1", Token: "stale"})
	err = a.runSession(context.Background())
	require.ErrorIs(t, err, ErrRevoked)
	require.Empty(t, a.Credential().Token, "a rejected credential is dropped")

	a.setCredential(domain.RegisterResponse{DeviceID: "dev1", Token: "expired"})
	err = a.runSession(context.Background())
	require.NotErrorIs(t, err, ErrRevoked)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	require.Equal(t, string(domain.AuthExpired), apiErr.Code)
}

func TestAgentRetriesTransientRegisterErrors(t *testing.T) {
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(ts.Close)

	a, err := New(agentConfig(ts.URL, "dev1"), discardLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	require.NoError(t, a.Run(ctx), "cancellation is a clean stop")
	require.GreaterOrEqual(t, attempts.Load(), int32(1))
}

func TestIsNonRetriable(t *testing.T) {
	t.Parallel()

	require.False(t, isNonRetriable(errors.New("dial tcp: connection refused")))
	require.False(t, isNonRetriable(&apiError{StatusCode: http.StatusTooManyRequests}))
	require.False(t, isNonRetriable(&apiError{StatusCode: http.StatusBadGateway}))
	require.True(t, isNonRetriable(&apiError{StatusCode: http.StatusUnauthorized}))
	require.True(t, isNonRetriable(&apiError{StatusCode: http.StatusBadRequest}))
}

func TestNextBackoffStaysWithinJitterBounds(t *testing.T) {
	t.Parallel()

	for range 100 {
		next := nextBackoff(reconnectInitialDelay)
		require.GreaterOrEqual(t, next, time.Duration(float64(2*reconnectInitialDelay)*0.75))
		require.LessOrEqual(t, next, time.Duration(float64(2*reconnectInitialDelay)*1.25))
	}
	capped := nextBackoff(reconnectMaxDelay)
	require.LessOrEqual(t, capped, time.Duration(float64(reconnectMaxDelay)*1.25))
}

func TestConnectURLDerivesWebsocketScheme(t *testing.T) {
	t.Parallel()

	require.Equal(t, "wss://gw.example.com/v1/devices/connect", connectURL(domain.RegisterResponse{}, "https://gw.example.com/"))
	require.Equal(t, "ws://127.0.0.1:8080/v1/devices/connect", connectURL(domain.RegisterResponse{}, "http://127.0.0.1:8080"))
	advertised := domain.RegisterResponse{CloudEndpoints: domain.CloudEndpoints{Connect: "wss://edge.example.com/v1/devices/connect"}}
	require.Equal(t, "wss://edge.example.com/v1/devices/connect", connectURL(advertised, "https://gw.example.com"))
}

func TestRevocationReason(t *testing.T) {
	t.Parallel()

	require.Equal(t, "deregistered", revocationReason(liveproto.Message{Payload: json.RawMessage(`{"reason":"deregistered"}`)}))
	require.Equal(t, "revoked", revocationReason(liveproto.Message{}))
}
