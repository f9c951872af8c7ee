// Package management provides a lightweight HTTP API for runtime inspection
// of the running proxy, on its own port and independent of the intercepting
// listener.
//
// Endpoints:
//
//	GET /status   - uptime, bind address, leaf-cache occupancy
//	GET /metrics  - metrics.Snapshot as JSON
//	GET /cert     - the root CA certificate PEM (parity with /mitm/cert)
package management

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"auth-mitm/internal/ca"
	"auth-mitm/internal/logger"
	"auth-mitm/internal/metrics"
	"auth-mitm/internal/server"
)

// Server is the management API server.
type Server struct {
	bindAddr  string
	startTime time.Time
	ca        *ca.CA
	metrics   *metrics.Metrics
	token     string // bearer token for auth; empty = no auth
	log       *logger.Logger
}

// New creates a management server. bindAddr is reported back at /status as
// the address the intercepting proxy (not this server) is listening on.
func New(bindAddr string, c *ca.CA, m *metrics.Metrics, token string, log *logger.Logger) *Server {
	s := &Server{
		bindAddr:  bindAddr,
		startTime: time.Now(),
		ca:        c,
		metrics:   m,
		token:     token,
		log:       log,
	}
	if s.token != "" {
		log.Infof("mgmt_auth", "bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/cert", s.handleCert)
	return s.authMiddleware(mux)
}

// ListenAndServe binds managementAddr and serves the management API until
// shutdown is closed, draining in-flight requests per server.Server.Serve.
func (s *Server) ListenAndServe(managementAddr string, shutdown <-chan struct{}) error {
	srv, err := server.New(managementAddr, s.Handler())
	if err != nil {
		return err
	}
	s.log.Infof("mgmt_listen", "management API listening on %s", srv.Addr())
	return srv.Serve(shutdown)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("mgmt_auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status      string `json:"status"`
		Uptime      string `json:"uptime"`
		BindAddress string `json:"bindAddress"`
		CacheLen    int    `json:"cacheLen"`
	}
	writeJSON(w, http.StatusOK, response{
		Status:      "running",
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		BindAddress: s.bindAddr,
		CacheLen:    s.ca.CacheLen(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleCert(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Disposition", "attachment; filename=auth-mitm.crt")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(s.ca.RootPEM()) //nolint:errcheck
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
