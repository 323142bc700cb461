// Package debughttp serves the gateway's private diagnostics listener:
// pprof profiles plus any state handlers the caller mounts.
package debughttp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"strings"
	"time"
)

const shutdownTimeout = 5 * time.Second

// Mounts maps extra debug paths to handlers, e.g. "/debug/gateway".
type Mounts map[string]http.Handler

// Start binds addr and serves diagnostics until ctx is done. It returns once
// the listener is bound so an address conflict fails startup. An empty addr
// disables the listener.
func Start(ctx context.Context, addr string, log *slog.Logger, extra Mounts) (net.Addr, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, nil
	}
	if log == nil {
		log = slog.Default()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           NewMux(extra),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.Info("debug listener up", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("debug listener failed", "err", err)
		}
	}()
	return ln.Addr(), nil
}

// NewMux returns the pprof routes with extra mounted alongside.
func NewMux(extra Mounts) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", httppprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", httppprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", httppprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", httppprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", httppprof.Trace)
	for path, h := range extra {
		mux.Handle(path, h)
	}
	return mux
}
