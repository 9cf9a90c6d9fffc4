package server

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ServeWebSocket upgrades the request and runs the relay protocol over it.
// Each WebSocket data message counts as one read.
func (s *Server) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()
	s.handle(newWSTransport(conn, s.opts.BufferSize, s.opts.WriteTimeout))
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.opts.AllowedOrigins {
		if strings.EqualFold(strings.TrimSpace(o), origin) {
			return true
		}
	}
	s.logger.Warn("blocked websocket connection from disallowed origin", zap.String("origin", origin))
	return false
}

// HTTPHandler routes /ws, /healthz and, when given, /metrics.
func (s *Server) HTTPHandler(metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.ServeWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if s.ctx.Err() != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = fmt.Fprintf(w, "connections=%d\n", s.registry.Len())
	})
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	return mux
}
