// Package gateway runs the HTTP listener: health, metrics, webhook events
// and the inspection API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/beaver/internal/channels"
	"github.com/nextlevelbuilder/beaver/internal/config"
	"github.com/nextlevelbuilder/beaver/internal/metrics"
	"github.com/nextlevelbuilder/beaver/pkg/protocol"
)

const shutdownTimeout = 5 * time.Second

// RouteRegistrar is implemented by handlers that own a set of routes.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Server is the gateway HTTP server.
type Server struct {
	cfg         config.GatewayConfig
	handlers    []RouteRegistrar
	rateLimiter *channels.KeyedLimiter

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a gateway server.
// rate_limit_rpm > 0 limits /v1 API calls per client address; <= 0 disables it.
func NewServer(cfg config.GatewayConfig) *Server {
	return &Server{
		cfg:         cfg,
		rateLimiter: channels.NewKeyedLimiter(cfg.RateLimitRPM, 5),
	}
}

// Register adds handlers. Call before BuildMux or Start.
func (s *Server) Register(h ...RouteRegistrar) {
	s.handlers = append(s.handlers, h...)
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	api := http.NewServeMux()
	for _, h := range s.handlers {
		h.RegisterRoutes(api)
	}
	mux.Handle("/v1/", s.limit(api))

	s.mux = mux
	return mux
}

// limit applies the per-address API rate limit.
func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimiter.Allow(clientAddr(r)) {
			slog.Warn("security.rate_limited", "remote", clientAddr(r), "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":"rate limit exceeded"}`)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Start listens until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := s.cfg.Addr()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("gateway shutdown", "error", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	slog.Info("gateway stopped")
	return nil
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// isLoopback reports whether the gateway only listens locally.
func isLoopback(host string) bool {
	if host == "localhost" || strings.HasPrefix(host, "127.") || host == "::1" {
		return true
	}
	return false
}

// Warnings lists configuration problems worth logging at startup.
func (s *Server) Warnings() []string {
	var warns []string
	if s.cfg.Token == "" && !isLoopback(s.cfg.Host) {
		warns = append(warns, "gateway token is empty while listening on "+s.cfg.Host+"; the API is unauthenticated")
	}
	return warns
}
