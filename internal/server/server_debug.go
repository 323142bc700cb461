package server

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/koltyakov/edgegate/internal/debughttp"
)

type debugSession struct {
	DeviceID string `json:"device_id"`
	IdleFor  string `json:"idle_for"`
}

type debugState struct {
	Version       string         `json:"version"`
	Devices       int            `json:"devices"`
	Sessions      []debugSession `json:"sessions"`
	Requests      uint64         `json:"requests"`
	TouchBacklog  int            `json:"touch_backlog"`
	Goroutines    int            `json:"goroutines"`
	LivenessLimit string         `json:"liveness_timeout"`
}

// startDebugListener serves pprof and /debug/gateway on the private address.
func (s *Server) startDebugListener(ctx context.Context) error {
	_, err := debughttp.Start(ctx, s.cfg.PprofListen, s.log, debughttp.Mounts{
		"/debug/gateway": http.HandlerFunc(s.handleDebugState),
	})
	return err
}

func (s *Server) handleDebugState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.debugSnapshot(time.Now()))
}

func (s *Server) debugSnapshot(now time.Time) debugState {
	sessions := s.hub.snapshot()
	out := debugState{
		Version:       s.version,
		Devices:       s.registry.Len(),
		Sessions:      make([]debugSession, 0, len(sessions)),
		Requests:      s.requestSeq.Load(),
		TouchBacklog:  len(s.deviceTouches),
		Goroutines:    runtime.NumGoroutine(),
		LivenessLimit: s.cfg.LivenessTimeout.String(),
	}
	for _, sess := range sessions {
		out.Sessions = append(out.Sessions, debugSession{
			DeviceID: sess.deviceID,
			IdleFor:  now.Sub(sess.lastSeen()).Round(time.Millisecond).String(),
		})
	}
	sort.Slice(out.Sessions, func(i, j int) bool { return out.Sessions[i].DeviceID < out.Sessions[j].DeviceID })
	return out
}
