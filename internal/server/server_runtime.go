package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/quic-go/quic-go/http3"
)

// Run serves the gateway until ctx is cancelled or a listener fails. With TLS
// off a single plain HTTP listener is used; otherwise HTTPS, plus the ACME
// challenge listener in acme mode and HTTP/3 when configured.
func (s *Server) Run(ctx context.Context) error {
	setup, err := s.buildTLS()
	if err != nil {
		return err
	}
	if setup != nil && s.cfg.ListenHTTP3 != "" {
		s.h3 = &http3.Server{
			Addr:      s.cfg.ListenHTTP3,
			TLSConfig: http3.ConfigureTLSConfig(setup.config.Clone()),
		}
	}

	if err := s.startDebugListener(ctx); err != nil {
		return fmt.Errorf("debug listener: %w", err)
	}
	go s.runJanitor(ctx)
	go s.runDeviceTouchWorker(ctx)

	handler := s.Handler()
	if s.h3 != nil {
		s.h3.Handler = handler
	}

	mainServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: httpsReadHeaderTimeout,
		IdleTimeout:       httpsIdleTimeout,
		MaxHeaderBytes:    httpsMaxHeaderBytes,
	}
	servers := []*http.Server{mainServer}
	errCh := make(chan error, 3)

	if setup != nil {
		mainServer.TLSConfig = setup.config
		mainServer.ErrorLog = log.New(newHTTPSErrorLogWriter(s.log, setup.manager != nil), "", 0)
		if setup.manager != nil {
			challengeServer := &http.Server{
				Addr:              s.cfg.ListenHTTP,
				Handler:           setup.manager.HTTPHandler(http.NotFoundHandler()),
				ReadHeaderTimeout: httpsReadHeaderTimeout,
				IdleTimeout:       httpsIdleTimeout,
				MaxHeaderBytes:    httpsMaxHeaderBytes,
			}
			servers = append(servers, challengeServer)
			go func() {
				s.log.Info("starting ACME challenge server", "addr", s.cfg.ListenHTTP)
				if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("challenge server: %w", err)
				}
			}()
		}
		go func() {
			s.log.Info("starting HTTPS server", "addr", s.cfg.Listen, "tls_mode", s.cfg.TLSMode, "mtls", setup.config.ClientCAs != nil)
			if err := mainServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()
	} else {
		go func() {
			s.log.Warn("starting plain HTTP server; credentials travel unencrypted", "addr", s.cfg.Listen)
			if err := mainServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if s.h3 != nil {
		go func() {
			s.log.Info("starting HTTP/3 server", "addr", s.cfg.ListenHTTP3)
			if err := s.h3.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http3 server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	s.hub.closeAll()
	for _, srv := range servers {
		if err := shutdownServer(srv, shutdownTimeout); err != nil && runErr == nil {
			runErr = err
		}
	}
	if s.h3 != nil {
		if err := s.h3.Close(); err != nil && runErr == nil {
			runErr = err
		}
	}
	waitGroupWait(&s.hub.wg, 3*shutdownTimeout)
	return runErr
}
