// Package agent implements the on-premise device agent: it registers the
// device with the gateway, holds the liveness channel open and renews the
// credential before it expires.
package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/koltyakov/edgegate/internal/config"
	"github.com/koltyakov/edgegate/internal/domain"
	"github.com/koltyakov/edgegate/internal/liveproto"
)

// ErrRevoked is returned from [Agent.Run] when the gateway revoked or
// deregistered the device. An operator has to register it again.
var ErrRevoked = errors.New("device credential revoked by gateway")

const (
	reconnectInitialDelay = 2 * time.Second
	reconnectMaxDelay     = time.Minute
	renewRetryDelay       = 30 * time.Second
	wsHandshakeTimeout    = 10 * time.Second
	agentWSWriteTimeout   = 15 * time.Second
	agentWSReadLimit      = 1 << 20
	wsControlQueueSize    = 8
	wsDataQueueSize       = 32
	maxErrorBodyBytes     = 4096
)

// Agent keeps one device registered and reachable.
type Agent struct {
	cfg       config.AgentConfig
	log       *slog.Logger
	apiClient *http.Client
	tlsConfig *tls.Config

	onPush    func(liveproto.Message)
	telemetry func() any

	mu   sync.RWMutex
	cred domain.RegisterResponse
}

// New builds an agent. TLS material named in cfg is loaded eagerly so
// misconfiguration fails before the first connection attempt.
func New(cfg config.AgentConfig, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tlsConfig, err := loadTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Agent{
		cfg:       cfg,
		log:       logger,
		tlsConfig: tlsConfig,
		apiClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: tlsConfig,
			},
		},
	}, nil
}

// SetPushHandler receives payloads the gateway pushes to this device.
func (a *Agent) SetPushHandler(fn func(liveproto.Message)) {
	a.onPush = fn
}

// SetTelemetry makes every keepalive tick also send fn's result as a
// telemetry message.
func (a *Agent) SetTelemetry(fn func() any) {
	a.telemetry = fn
}

// Credential returns the current credential, zero before registration.
func (a *Agent) Credential() domain.RegisterResponse {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cred
}

func (a *Agent) setCredential(cred domain.RegisterResponse) {
	a.mu.Lock()
	a.cred = cred
	a.mu.Unlock()
}

// Run registers the device and keeps its liveness channel up until ctx is
// done. It returns nil on cancellation, [ErrRevoked] when the gateway ends
// the device's registration, and any non-retriable API error.
func (a *Agent) Run(ctx context.Context) error {
	backoff := reconnectInitialDelay
	for {
		if a.Credential().Token == "" {
			cred, err := a.register(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if isNonRetriable(err) {
					return err
				}
				a.log.Warn("device register failed", "err", shortenError(err), "retry_in", backoff.Round(time.Millisecond).String())
				if !sleepCtx(ctx, backoff) {
					return nil
				}
				backoff = nextBackoff(backoff)
				continue
			}
			a.setCredential(cred)
			a.log.Info("device registered", "device_id", cred.DeviceID, "expires_at", cred.ExpiresAt.Format(time.RFC3339), "invoke_url", cred.CloudEndpoints.Invoke)
		}

		err := a.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRevoked) || isNonRetriable(err) {
			return err
		}
		a.log.Warn("liveness channel lost; reconnecting", "err", err, "retry_in", backoff.Round(time.Millisecond).String())
		if !sleepCtx(ctx, backoff) {
			return nil
		}
		backoff = nextBackoff(backoff)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		current = reconnectInitialDelay
	}
	next := min(current*2, reconnectMaxDelay)
	// ±25% jitter so a fleet restarting together does not reconnect in lockstep.
	jitter := 1.0 + (rand.Float64()-0.5)*0.5
	return time.Duration(float64(next) * jitter)
}

func loadTLSConfig(cfg config.AgentConfig) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile := strings.TrimSpace(cfg.TLSCAFile); caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read gateway CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("gateway CA %s contains no certificates", caFile)
		}
		tc.RootCAs = pool
	}
	if cfg.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}
