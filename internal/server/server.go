// Package server binds a TCP listener and drives an *http.Server over it
// on behalf of the root orchestrator: build the *http.Server, run it in a
// goroutine, shut it down on a signal. Kept reusable and independently
// testable rather than inlined in main() so the proxy port and the
// management port share one bind/serve/shutdown code path.
package server

import (
	"context"
	"net"
	"net/http"
	"time"
)

// ShutdownGrace bounds how long Serve waits for in-flight connections to
// finish once shutdown is signaled, before it gives up and returns whatever
// error http.Server.Shutdown reports.
const ShutdownGrace = 15 * time.Second

// Server binds one TCP socket and serves handler over it until told to stop.
type Server struct {
	httpSrv *http.Server
	ln      net.Listener
}

// New binds addr and wraps handler in an *http.Server. ReadHeaderTimeout
// guards against slow-header-dribble connections tying up a goroutine
// indefinitely; no other timeout is imposed; per the concurrency model,
// the proxy leg otherwise inherits timeouts only from the underlying
// socket/TLS layer.
func New(addr string, handler http.Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		ln: ln,
		httpSrv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Addr returns the bound local address, useful when addr was "host:0".
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve runs the accept loop until either the listener errors or shutdown
// is closed. On shutdown, it stops accepting new connections and waits up
// to ShutdownGrace for in-flight requests to complete. Connections a
// handler has hijacked (CONNECT tunnels and WebSocket relays) are not
// tracked by http.Server, so Serve does not wait for them.
func (s *Server) Serve(shutdown <-chan struct{}) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(s.ln) }()

	select {
	case err := <-errCh:
		return err
	case <-shutdown:
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			return err
		}
		return nil
	}
}

// Close closes the listener immediately without draining connections. Used
// on init-failure paths where Serve was never called.
func (s *Server) Close() error {
	return s.ln.Close()
}
