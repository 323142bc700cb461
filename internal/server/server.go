// Package server implements the device gateway: the registration and admin
// API, the authenticated reverse proxy to device endpoints and the websocket
// liveness channel.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go/http3"
	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/koltyakov/edgegate/internal/config"
	"github.com/koltyakov/edgegate/internal/liveness"
	"github.com/koltyakov/edgegate/internal/registry"
	"github.com/koltyakov/edgegate/internal/store/sqlite"
	"github.com/koltyakov/edgegate/internal/token"
)

const (
	maxRegisterBodyBytes = 64 * 1024
	maxAdminBodyBytes    = 256 * 1024
	minWSReadLimit       = 1 << 20
	deviceTouchTimeout   = 5 * time.Second
	deviceTouchQueueSize = 1024
	staleRecordBatchSize = 100

	httpsReadHeaderTimeout = 10 * time.Second
	httpsIdleTimeout       = 120 * time.Second
	httpsMaxHeaderBytes    = 64 * 1024
	shutdownTimeout        = 5 * time.Second
)

// Server wires the token authority, the device registry, the liveness hub and
// the proxy data path behind one HTTP handler.
type Server struct {
	cfg       config.ServerConfig
	store     *sqlite.Store
	log       *slog.Logger
	version   string
	registry  *registry.Registry
	authority *token.Authority
	tracker   *liveness.Tracker
	hub       *hub
	transport http.RoundTripper

	regLimiter  *rateLimiter
	requestSeq  atomic.Uint64
	trustDomain spiffeid.TrustDomain
	h3          *http3.Server

	deviceTouches chan deviceTouch
	touchMu       sync.Mutex
	touchPending  map[string]struct{}
}

// Option customizes a Server.
type Option func(*Server)

// WithPublisher forwards liveness events and telemetry to pub.
func WithPublisher(pub liveness.Publisher) Option {
	return func(s *Server) { s.tracker = liveness.NewTracker(s.registry, pub, s.log) }
}

// WithTransport overrides the transport used to reach device endpoints.
func WithTransport(rt http.RoundTripper) Option {
	return func(s *Server) { s.transport = rt }
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// New builds a gateway around store. The registry starts empty and holds no
// persisted devices; callers invoke LoadDevices before Run.
func New(cfg config.ServerConfig, store *sqlite.Store, logger *slog.Logger, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, errors.New("server requires a store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:           cfg,
		store:         store,
		log:           logger,
		hub:           newHub(),
		regLimiter:    newRateLimiter(),
		deviceTouches: make(chan deviceTouch, deviceTouchQueueSize),
		touchPending:  make(map[string]struct{}),
	}
	s.registry = registry.New(
		registry.WithStore(store),
		registry.WithLogger(logger),
		registry.WithTouchObserver(s.queueDeviceTouch),
	)
	authority, err := token.New(token.Options{
		Secret:   []byte(cfg.SigningSecret),
		TTL:      cfg.TokenTTL,
		Grace:    cfg.RenewGrace,
		Registry: s.registry,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	s.authority = authority
	s.tracker = liveness.NewTracker(s.registry, nil, logger)
	s.transport = newDeviceTransport()

	if td := strings.TrimSpace(cfg.TrustDomain); td != "" {
		s.trustDomain, err = spiffeid.TrustDomainFromString(td)
		if err != nil {
			return nil, fmt.Errorf("parse trust domain: %w", err)
		}
	}

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LoadDevices seeds the registry from the store and clears stale connected
// flags left behind by a previous process.
func (s *Server) LoadDevices(ctx context.Context) error {
	resetCount, err := s.store.ResetConnectedDevices(ctx)
	if err != nil {
		return fmt.Errorf("reset connected devices: %w", err)
	}
	if resetCount > 0 {
		s.log.Info("reconciled stale connected devices", "count", resetCount)
	}
	recs, err := s.store.LoadDevices(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	s.registry.Load(recs)
	s.log.Info("device registry loaded", "devices", len(recs))
	return nil
}

// Handler returns the gateway's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("POST /api/deregister/{device_id}", s.handleDeregister)
	mux.HandleFunc("POST /api/renew", s.handleRenew)
	mux.HandleFunc("POST /api/revoke/{device_id}", s.handleRevoke)
	mux.HandleFunc("GET /api/devices", s.handleListDevices)
	mux.HandleFunc("GET /api/devices/{device_id}", s.handleGetDevice)
	mux.HandleFunc("PUT /api/devices/{device_id}/metadata", s.handleUpdateMetadata)
	mux.HandleFunc("POST /api/push/{device_id}", s.handlePush)
	mux.HandleFunc("/invoke/{device_id}", s.handleInvoke)
	mux.HandleFunc("/invoke/{device_id}/{path...}", s.handleInvoke)
	mux.HandleFunc("GET /v1/devices/connect", s.handleConnect)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	handler := s.withRequestID(mux)
	if s.h3 == nil {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor < 3 {
			if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
				s.log.Debug("failed to advertise http/3", "err", err)
			}
		}
		handler.ServeHTTP(w, r)
	})
}

func newDeviceTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		// Bodies must reach the device byte for byte or digests break.
		DisableCompression: true,
	}
}
