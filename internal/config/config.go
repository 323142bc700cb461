package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/koltyakov/edgegate/internal/netutil"
)

// AgentConfig configures the on-premise device agent.
type AgentConfig struct {
	ServerURL    string
	DeviceID     string
	LocalURL     string
	Metadata     map[string]any
	PingInterval time.Duration
	Timeout      time.Duration
	TLSCAFile    string
	TLSCertFile  string
	TLSKeyFile   string
}

// ServerConfig configures the gateway.
type ServerConfig struct {
	Listen                 string
	ListenHTTP             string
	ListenHTTP3            string
	PublicURL              string
	Domain                 string
	DBPath                 string
	DBMaxOpenConns         int
	DBMaxIdleConns         int
	SigningSecret          string
	APIKeyPepper           string
	TLSMode                string
	CertCacheDir           string
	TLSCertFile            string
	TLSKeyFile             string
	ClientCAFile           string
	TrustDomain            string
	LogLevel               string
	LogFormat              string
	TokenTTL               time.Duration
	RenewGrace             float64
	RequestTimeout         time.Duration
	ChunkSize              int
	LivenessTimeout        time.Duration
	HeartbeatCheckInterval time.Duration
	CleanupInterval        time.Duration
	StaleDeviceRetention   time.Duration
	NATSURL                string
	NATSSubjectPrefix      string
	PprofListen            string
}

// TLS modes.
const (
	TLSModeOff    = "off"
	TLSModeStatic = "static"
	TLSModeACME   = "acme"
)

const minSigningSecretLen = 32

const defaultAgentPingInterval = 30 * time.Second
const defaultServerListen = ":8443"
const defaultServerHTTPListen = ":8080"
const defaultServerDBPath = "./edgegate.db"
const defaultServerCertCacheDir = "./cert"
const defaultServerTokenTTL = 24 * time.Hour
const defaultServerRenewGrace = 0.1
const defaultServerRequestTimeout = 10 * time.Minute
const defaultServerChunkSize = 64 * 1024
const defaultServerLivenessTimeout = 90 * time.Second
const defaultServerHeartbeatCheckInterval = 15 * time.Second
const defaultServerCleanupInterval = 10 * time.Minute
const defaultServerStaleDeviceRetention = 30 * 24 * time.Hour

func ParseAgentFlags(args []string) (AgentConfig, error) {
	cfg := AgentConfig{
		ServerURL:    envOrDefault("GATEWAY_SERVER_URL", ""),
		DeviceID:     envOrDefault("GATEWAY_DEVICE_ID", ""),
		LocalURL:     envOrDefault("GATEWAY_LOCAL_URL", ""),
		PingInterval: envDurationOrDefault("GATEWAY_PING_INTERVAL", defaultAgentPingInterval),
		Timeout:      envDurationOrDefault("GATEWAY_AGENT_TIMEOUT", 30*time.Second),
		TLSCAFile:    envOrDefault("GATEWAY_TLS_CA_FILE", ""),
		TLSCertFile:  envOrDefault("GATEWAY_TLS_CERT_FILE", ""),
		TLSKeyFile:   envOrDefault("GATEWAY_TLS_KEY_FILE", ""),
	}
	metadataJSON := envOrDefault("GATEWAY_METADATA", "")

	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Gateway base URL (e.g. https://gw.example.com)")
	fs.StringVar(&cfg.DeviceID, "device-id", cfg.DeviceID, "Device identifier")
	fs.StringVar(&cfg.LocalURL, "local-url", cfg.LocalURL, "Device endpoint the gateway forwards to")
	fs.StringVar(&metadataJSON, "metadata", metadataJSON, "Extra metadata as a JSON object")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "Liveness ping interval")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "HTTP timeout for gateway API calls")
	fs.StringVar(&cfg.TLSCAFile, "tls-ca-file", cfg.TLSCAFile, "CA bundle used to verify the gateway")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "Client certificate for mTLS")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "Client key for mTLS")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	cfg.DeviceID = strings.TrimSpace(cfg.DeviceID)
	cfg.LocalURL = strings.TrimSpace(cfg.LocalURL)
	if cfg.ServerURL == "" {
		return cfg, errors.New("missing --server or GATEWAY_SERVER_URL")
	}
	if err := validateHTTPURL(cfg.ServerURL); err != nil {
		return cfg, fmt.Errorf("server url: %w", err)
	}
	if cfg.DeviceID == "" {
		return cfg, errors.New("missing --device-id or GATEWAY_DEVICE_ID")
	}
	if cfg.LocalURL == "" {
		return cfg, errors.New("missing --local-url or GATEWAY_LOCAL_URL")
	}
	if err := validateHTTPURL(cfg.LocalURL); err != nil {
		return cfg, fmt.Errorf("local url: %w", err)
	}
	if strings.TrimSpace(metadataJSON) != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &cfg.Metadata); err != nil {
			return cfg, fmt.Errorf("metadata must be a JSON object: %w", err)
		}
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return cfg, errors.New("tls cert and key files must be set together")
	}
	if cfg.PingInterval <= 0 {
		return cfg, errors.New("ping interval must be > 0")
	}
	if cfg.Timeout <= 0 {
		return cfg, errors.New("timeout must be > 0")
	}
	return cfg, nil
}

func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Listen:                 envOrDefault("GATEWAY_LISTEN", defaultServerListen),
		ListenHTTP:             envOrDefault("GATEWAY_LISTEN_HTTP", defaultServerHTTPListen),
		ListenHTTP3:            envOrDefault("GATEWAY_LISTEN_HTTP3", ""),
		PublicURL:              envOrDefault("GATEWAY_PUBLIC_URL", ""),
		Domain:                 envOrDefault("GATEWAY_DOMAIN", ""),
		DBPath:                 envOrDefault("GATEWAY_DB_PATH", defaultServerDBPath),
		DBMaxOpenConns:         envIntOrDefault("GATEWAY_DB_MAX_OPEN_CONNS", 1),
		DBMaxIdleConns:         envIntOrDefault("GATEWAY_DB_MAX_IDLE_CONNS", 1),
		SigningSecret:          envOrDefault("GATEWAY_SIGNING_SECRET", ""),
		APIKeyPepper:           envOrDefault("GATEWAY_API_KEY_PEPPER", ""),
		TLSMode:                envOrDefault("GATEWAY_TLS_MODE", TLSModeOff),
		CertCacheDir:           envOrDefault("GATEWAY_CERT_CACHE_DIR", defaultServerCertCacheDir),
		TLSCertFile:            envOrDefault("GATEWAY_TLS_CERT_FILE", ""),
		TLSKeyFile:             envOrDefault("GATEWAY_TLS_KEY_FILE", ""),
		ClientCAFile:           envOrDefault("GATEWAY_CLIENT_CA_FILE", ""),
		TrustDomain:            envOrDefault("GATEWAY_TRUST_DOMAIN", ""),
		LogLevel:               envOrDefault("GATEWAY_LOG_LEVEL", "info"),
		LogFormat:              envOrDefault("GATEWAY_LOG_FORMAT", "text"),
		TokenTTL:               envDurationOrDefault("GATEWAY_TOKEN_TTL", defaultServerTokenTTL),
		RenewGrace:             envFloatOrDefault("GATEWAY_RENEW_GRACE", defaultServerRenewGrace),
		RequestTimeout:         envDurationOrDefault("GATEWAY_REQUEST_TIMEOUT", defaultServerRequestTimeout),
		ChunkSize:              envIntOrDefault("GATEWAY_CHUNK_SIZE", defaultServerChunkSize),
		LivenessTimeout:        envDurationOrDefault("GATEWAY_LIVENESS_TIMEOUT", defaultServerLivenessTimeout),
		HeartbeatCheckInterval: envDurationOrDefault("GATEWAY_HEARTBEAT_CHECK_INTERVAL", defaultServerHeartbeatCheckInterval),
		CleanupInterval:        envDurationOrDefault("GATEWAY_CLEANUP_INTERVAL", defaultServerCleanupInterval),
		StaleDeviceRetention:   envDurationOrDefault("GATEWAY_STALE_DEVICE_RETENTION", defaultServerStaleDeviceRetention),
		NATSURL:                envOrDefault("GATEWAY_NATS_URL", ""),
		NATSSubjectPrefix:      envOrDefault("GATEWAY_NATS_SUBJECT_PREFIX", "edgegate.devices"),
		PprofListen:            envOrDefault("GATEWAY_PPROF_LISTEN", ""),
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "Main listen address (HTTPS unless tls-mode=off)")
	fs.StringVar(&cfg.ListenHTTP, "http-listen", cfg.ListenHTTP, "HTTP-01 challenge listen address (acme mode)")
	fs.StringVar(&cfg.ListenHTTP3, "http3-listen", cfg.ListenHTTP3, "Optional HTTP/3 (QUIC) listen address")
	fs.StringVar(&cfg.PublicURL, "public-url", cfg.PublicURL, "Public base URL advertised to devices")
	fs.StringVar(&cfg.Domain, "domain", cfg.Domain, "Public host name (required for acme)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.IntVar(&cfg.DBMaxOpenConns, "db-max-open-conns", cfg.DBMaxOpenConns, "SQLite max open connections")
	fs.IntVar(&cfg.DBMaxIdleConns, "db-max-idle-conns", cfg.DBMaxIdleConns, "SQLite max idle connections")
	fs.StringVar(&cfg.SigningSecret, "signing-secret", cfg.SigningSecret, "HMAC secret for device credentials")
	fs.StringVar(&cfg.APIKeyPepper, "api-key-pepper", cfg.APIKeyPepper, "API key hash pepper override")
	fs.StringVar(&cfg.TLSMode, "tls-mode", cfg.TLSMode, "TLS mode: off|static|acme")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "ACME cert cache dir")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "Static TLS cert PEM file")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "Static TLS key PEM file")
	fs.StringVar(&cfg.ClientCAFile, "client-ca-file", cfg.ClientCAFile, "CA bundle for verifying device client certificates")
	fs.StringVar(&cfg.TrustDomain, "trust-domain", cfg.TrustDomain, "SPIFFE trust domain device certificates must belong to")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "Credential lifetime")
	fs.Float64Var(&cfg.RenewGrace, "renew-grace", cfg.RenewGrace, "Fraction of the credential lifetime during which renewal is allowed")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Per-request forwarding deadline")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "Streaming chunk size in bytes")
	fs.DurationVar(&cfg.LivenessTimeout, "liveness-timeout", cfg.LivenessTimeout, "Close liveness channels silent for this long")
	fs.DurationVar(&cfg.StaleDeviceRetention, "stale-device-retention", cfg.StaleDeviceRetention, "Purge disconnected devices unseen for this long (0 disables)")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "Optional NATS URL for telemetry fan-out")
	fs.StringVar(&cfg.NATSSubjectPrefix, "nats-subject-prefix", cfg.NATSSubjectPrefix, "NATS subject prefix")
	fs.StringVar(&cfg.PprofListen, "pprof-listen", cfg.PprofListen, "Optional pprof listen address (keep it private)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if len(cfg.SigningSecret) < minSigningSecretLen {
		return cfg, fmt.Errorf("signing secret must be at least %d bytes (--signing-secret or GATEWAY_SIGNING_SECRET)", minSigningSecretLen)
	}
	cfg.TLSMode = strings.ToLower(strings.TrimSpace(cfg.TLSMode))
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSModeOff
	}
	cfg.Domain = normalizeDomainHost(cfg.Domain)
	switch cfg.TLSMode {
	case TLSModeOff:
		if cfg.ListenHTTP3 != "" {
			return cfg, errors.New("http3 requires tls-mode static or acme")
		}
		if cfg.ClientCAFile != "" {
			return cfg, errors.New("client certificate verification requires tls-mode static or acme")
		}
	case TLSModeStatic:
		if cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" {
			return cfg, errors.New("tls-mode static requires --tls-cert-file and --tls-key-file")
		}
	case TLSModeACME:
		if cfg.Domain == "" {
			return cfg, errors.New("tls-mode acme requires --domain or GATEWAY_DOMAIN")
		}
	default:
		return cfg, errors.New("tls mode must be one of: off, static, acme")
	}
	if cfg.TrustDomain != "" && cfg.ClientCAFile == "" {
		return cfg, errors.New("trust domain requires --client-ca-file")
	}
	if cfg.PublicURL != "" {
		cfg.PublicURL = strings.TrimRight(strings.TrimSpace(cfg.PublicURL), "/")
		if err := validateHTTPURL(cfg.PublicURL); err != nil {
			return cfg, fmt.Errorf("public url: %w", err)
		}
	}
	if cfg.DBMaxOpenConns <= 0 {
		return cfg, errors.New("db max open conns must be > 0")
	}
	if cfg.DBMaxIdleConns <= 0 {
		return cfg, errors.New("db max idle conns must be > 0")
	}
	if cfg.DBMaxIdleConns > cfg.DBMaxOpenConns {
		return cfg, errors.New("db max idle conns cannot exceed max open conns")
	}
	if cfg.TokenTTL < time.Minute {
		return cfg, errors.New("token ttl must be at least 1m")
	}
	if cfg.RenewGrace <= 0 || cfg.RenewGrace >= 1 {
		return cfg, errors.New("renew grace must be between 0 and 1 (exclusive)")
	}
	if cfg.RequestTimeout <= 0 {
		return cfg, errors.New("request timeout must be > 0")
	}
	if cfg.ChunkSize < 1024 || cfg.ChunkSize > 16*1024*1024 {
		return cfg, errors.New("chunk size must be between 1KiB and 16MiB")
	}
	if cfg.LivenessTimeout <= 0 {
		return cfg, errors.New("liveness timeout must be > 0")
	}
	if cfg.HeartbeatCheckInterval <= 0 {
		return cfg, errors.New("heartbeat check interval must be > 0")
	}
	if cfg.CleanupInterval <= 0 {
		return cfg, errors.New("cleanup interval must be > 0")
	}
	if cfg.StaleDeviceRetention < 0 {
		return cfg, errors.New("stale device retention must be >= 0")
	}

	return cfg, nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloatOrDefault(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// normalizeDomainHost reduces a domain, host:port or URL to its bare host.
func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	v, _, _ = strings.Cut(v, "/")
	return netutil.NormalizeHost(v)
}
