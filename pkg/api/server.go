package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetmon/fleetd/pkg/auth"
	"github.com/fleetmon/fleetd/pkg/cluster"
	"github.com/fleetmon/fleetd/pkg/log"
	"github.com/fleetmon/fleetd/pkg/session"
	"github.com/fleetmon/fleetd/pkg/store"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Config holds API server configuration.
type Config struct {
	ListenAddr string

	// TLSCertFile / TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	// SecureCookies marks session cookies Secure even without local TLS;
	// set behind a TLS-terminating load balancer.
	SecureCookies bool

	// APIKey authenticates agent requests.
	APIKey string

	// PayloadKey decrypts enveloped agent bodies; nil accepts plaintext only.
	PayloadKey []byte

	// RateRPS / RateBurst bound login and agent request rates per client IP.
	RateRPS   float64
	RateBurst int

	Store    *store.Store
	Cluster  *cluster.Manager
	Sessions *session.Manager
	Users    *auth.Users
}

// Server is the fleetd HTTP API: agent ingestion, dashboard queries and
// cluster introspection on one listener.
type Server struct {
	addr          string
	certFile      string
	keyFile       string
	apiKey        string
	payloadKey    []byte
	secureCookies bool

	store    *store.Store
	cluster  *cluster.Manager
	sessions *session.Manager
	users    *auth.Users
	limiter  *auth.RateLimiter

	httpServer *http.Server
}

// NewServer wires the route table. The caller owns the lifecycles of the
// store, cluster and session managers.
func NewServer(cfg Config) (*Server, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("agent API key is required")
	}
	if cfg.Store == nil || cfg.Cluster == nil || cfg.Sessions == nil || cfg.Users == nil {
		return nil, fmt.Errorf("store, cluster, sessions and users are all required")
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS cert and key must be configured together")
	}
	if cfg.RateRPS <= 0 {
		cfg.RateRPS = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}

	s := &Server{
		addr:          cfg.ListenAddr,
		certFile:      cfg.TLSCertFile,
		keyFile:       cfg.TLSKeyFile,
		apiKey:        cfg.APIKey,
		payloadKey:    cfg.PayloadKey,
		secureCookies: cfg.SecureCookies || cfg.TLSCertFile != "",
		store:         cfg.Store,
		cluster:       cfg.Cluster,
		sessions:      cfg.Sessions,
		users:         cfg.Users,
		limiter:       auth.NewRateLimiter(cfg.RateRPS, cfg.RateBurst),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           http.TimeoutHandler(s.Handler(), requestTimeout, ""),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       requestTimeout,
		WriteTimeout:      requestTimeout + 5*time.Second,
		IdleTimeout:       2 * time.Minute,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
	return s, nil
}

// Handler returns the fully wired route table behind the instrumentation
// middleware. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	rt := NewRouter()

	// Agent routes: rate limit, then constant-time API key.
	agent := func(h HandlerFunc) HandlerFunc { return s.rateLimited(s.requireAgent(h)) }
	rt.Handle(http.MethodPost, "/api/fleet/report", agent(s.handleReport))
	rt.Handle(http.MethodGet, "/api/fleet/commands/{machine_id}", agent(s.handlePollCommands))
	rt.Handle(http.MethodPost, "/api/fleet/command/{machine_id}/ack", agent(s.handleAck))
	rt.Handle(http.MethodPost, "/api/fleet/widget-logs", agent(s.handleWidgetLogs))

	// Dashboard routes: session cookie; CSRF on anything state-changing.
	rt.Handle(http.MethodGet, "/api/fleet/machines", s.requireSession(s.handleMachines))
	rt.Handle(http.MethodGet, "/api/fleet/summary", s.requireSession(s.handleSummary))
	rt.Handle(http.MethodGet, "/api/fleet/machine/{id}", s.requireSession(s.handleMachine))
	rt.Handle(http.MethodGet, "/api/fleet/history/{id}", s.requireSession(s.handleHistory))
	rt.Handle(http.MethodPost, "/api/fleet/command", s.requireSession(s.requireCSRF(s.handleEnqueueCommand)))
	rt.Handle(http.MethodGet, "/api/fleet/cluster/status", s.requireSession(s.handleClusterStatus))
	rt.Handle(http.MethodPost, "/api/fleet/users", s.requireSession(s.requireCSRF(s.handleCreateUser)))
	rt.Handle(http.MethodPost, "/logout", s.requireSession(s.requireCSRF(s.handleLogout)))

	// Public routes. Health stays open for load-balancer probes.
	rt.Handle(http.MethodGet, "/api/fleet/cluster/health", s.handleClusterHealth)
	rt.Handle(http.MethodPost, "/login", s.rateLimited(s.handleLogin))

	promHandler := promhttp.Handler()
	rt.Handle(http.MethodGet, "/metrics", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		promHandler.ServeHTTP(w, r)
	})

	return s.instrument(rt)
}

// Run serves until ctx is cancelled, then drains connections for up to the
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.certFile != "" {
			err = s.httpServer.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger := log.WithComponent("api")
	logger.Info().
		Str("addr", s.addr).
		Bool("tls", s.certFile != "").
		Msg("api server listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	s.limiter.Stop()
	logger.Info().Msg("api server stopped")
	return nil
}
