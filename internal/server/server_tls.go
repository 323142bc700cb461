package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
	"golang.org/x/crypto/acme/autocert"

	"github.com/koltyakov/edgegate/internal/config"
	"github.com/koltyakov/edgegate/internal/domain"
	"github.com/koltyakov/edgegate/internal/netutil"
)

// deviceIDPathSegment is the SPIFFE path prefix that binds a workload
// certificate to a device: spiffe://<trust-domain>/device/<device_id>.
const deviceIDPathSegment = "device"

// tlsSetup is the resolved TLS configuration for the gateway listeners.
type tlsSetup struct {
	config  *tls.Config
	manager *autocert.Manager
}

// buildTLS returns nil when TLS is off.
func (s *Server) buildTLS() (*tlsSetup, error) {
	var setup tlsSetup
	switch s.cfg.TLSMode {
	case config.TLSModeOff, "":
		return nil, nil
	case config.TLSModeStatic:
		cert, err := loadStaticCertificate(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return nil, err
		}
		subject := ""
		if cert.Leaf != nil {
			subject = cert.Leaf.Subject.String()
		}
		s.log.Info("static TLS certificate loaded", "cert_file", s.cfg.TLSCertFile, "subject", subject)
		setup.config = &tls.Config{Certificates: []tls.Certificate{cert}}
	case config.TLSModeACME:
		host := netutil.NormalizeHost(s.cfg.Domain)
		setup.manager = &autocert.Manager{
			Cache:  autocert.DirCache(s.cfg.CertCacheDir),
			Prompt: autocert.AcceptTOS,
			HostPolicy: func(_ context.Context, requested string) error {
				if netutil.NormalizeHost(requested) == host {
					return nil
				}
				return errors.New("host not allowed")
			},
		}
		setup.config = setup.manager.TLSConfig()
	default:
		return nil, fmt.Errorf("unsupported tls mode %q", s.cfg.TLSMode)
	}
	setup.config.MinVersion = tls.VersionTLS12

	if caFile := strings.TrimSpace(s.cfg.ClientCAFile); caFile != "" {
		pool, err := loadCertPool(caFile)
		if err != nil {
			return nil, err
		}
		setup.config.ClientCAs = pool
		// Devices may authenticate with the bearer credential alone; a
		// presented certificate must still chain to the CA.
		setup.config.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return &setup, nil
}

func loadStaticCertificate(certFile, keyFile string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load TLS key pair: %w", err)
	}
	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		cert.Leaf, _ = x509.ParseCertificate(cert.Certificate[0])
	}
	return cert, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("client CA %s contains no certificates", path)
	}
	return pool, nil
}

// checkPeerIdentity enforces that a verified client certificate, when
// present, names deviceID within the configured trust domain.
func (s *Server) checkPeerIdentity(r *http.Request, deviceID string) error {
	if s.trustDomain.IsZero() || r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil
	}
	id, err := x509svid.IDFromCert(r.TLS.PeerCertificates[0])
	if err != nil {
		return fmt.Errorf("%w: client certificate has no SPIFFE ID: %v", domain.ErrForbidden, err)
	}
	want, err := deviceSPIFFEID(s.trustDomain, deviceID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrForbidden, err)
	}
	if id != want {
		return fmt.Errorf("%w: client identity %s does not match device %s", domain.ErrForbidden, id, deviceID)
	}
	return nil
}

func deviceSPIFFEID(td spiffeid.TrustDomain, deviceID string) (spiffeid.ID, error) {
	return spiffeid.FromSegments(td, deviceIDPathSegment, deviceID)
}

type httpsServerErrorLogWriter struct {
	log         *slog.Logger
	acme        bool
	acmeHintOne sync.Once
}

func newHTTPSErrorLogWriter(logger *slog.Logger, acme bool) *httpsServerErrorLogWriter {
	return &httpsServerErrorLogWriter{log: logger, acme: acme}
}

func (w *httpsServerErrorLogWriter) Write(p []byte) (n int, err error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	if w.logTLSHandshakeLine(line) {
		return len(p), nil
	}
	w.log.Warn("https server error", "err", line)
	return len(p), nil
}

func (w *httpsServerErrorLogWriter) logTLSHandshakeLine(line string) bool {
	const marker = "TLS handshake error from "
	idx := strings.Index(line, marker)
	if idx < 0 {
		return false
	}
	payload := line[idx+len(marker):]
	addr, reason, ok := strings.Cut(payload, ": ")
	if !ok {
		w.log.Debug("tls handshake dropped", "detail", payload)
		return true
	}
	reason = strings.TrimSpace(reason)
	switch {
	case isLikelyScannerTLSReason(reason):
		w.log.Debug("tls handshake rejected", "remote_addr", strings.TrimSpace(addr), "reason", reason)
	case isClientCertificateReason(reason):
		w.log.Info("client certificate rejected", "remote_addr", strings.TrimSpace(addr), "reason", reason)
	case w.acme && strings.Contains(strings.ToLower(reason), "acme"):
		w.acmeHintOne.Do(func() {
			w.log.Info("ACME certificate provisioning in progress; initial handshake failures are expected")
		})
		w.log.Debug("tls handshake failed during provisioning", "remote_addr", strings.TrimSpace(addr), "reason", reason)
	default:
		w.log.Warn("tls handshake failed", "remote_addr", strings.TrimSpace(addr), "reason", reason)
	}
	return true
}

func isClientCertificateReason(reason string) bool {
	reason = strings.ToLower(reason)
	return strings.Contains(reason, "client certificate") ||
		strings.Contains(reason, "certificate signed by unknown authority")
}

func isLikelyScannerTLSReason(reason string) bool {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		return false
	}
	return reason == "eof" ||
		strings.Contains(reason, "missing server name") ||
		strings.Contains(reason, "unsupported application protocols") ||
		strings.Contains(reason, "offered only unsupported versions") ||
		strings.Contains(reason, "no cipher suite supported by both client and server") ||
		strings.Contains(reason, "host not allowed") ||
		strings.Contains(reason, "connection reset by peer") ||
		strings.Contains(reason, "i/o timeout") ||
		strings.Contains(reason, "first record does not look like a tls handshake") ||
		strings.Contains(reason, "http request to an https server")
}
