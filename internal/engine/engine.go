// Package engine implements the core MITM proxy: CONNECT tunneling with
// protocol sniffing, TLS termination via a certificate authority, plain
// HTTP and WebSocket forwarding, and response sanitization.
//
// Engine is generic over the interception hook type so the hook's two
// methods resolve statically per instantiation rather than routing every
// call through an interface vtable.
package engine

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"auth-mitm/internal/ca"
	"auth-mitm/internal/hook"
	"auth-mitm/internal/logger"
	"auth-mitm/internal/metrics"
	"auth-mitm/internal/rewind"
	"auth-mitm/internal/upstream"

	"github.com/gorilla/websocket"
)

// sniffLen is the number of bytes read from a freshly CONNECTed stream to
// decide whether it carries a TLS ClientHello, a cleartext HTTP request
// line, or something else entirely. Four bytes disambiguate "GET " from
// the {0x16, 0x03} TLS record prefix.
const sniffLen = 4

// Engine drives every inbound client connection: CONNECT handling, protocol
// sniffing, TLS termination, HTTP/WebSocket forwarding, and response
// sanitization. It holds no per-connection state; one Engine instance is
// shared across all sessions for the lifetime of the process.
type Engine[H hook.Hook] struct {
	ca       *ca.CA
	upstream *upstream.Client
	hook     H
	log      *logger.Logger
	m        *metrics.Metrics
}

// New builds an Engine wired to the given certificate authority, upstream
// client, interception hook, logger, and metrics collector.
func New[H hook.Hook](c *ca.CA, u *upstream.Client, h H, log *logger.Logger, m *metrics.Metrics) *Engine[H] {
	return &Engine[H]{ca: c, upstream: u, hook: h, log: log, m: m}
}

// ServeHTTP is the engine's single entry point. It dispatches on the
// inbound request shape: CONNECT tunnels, WebSocket upgrades, and plain
// HTTP all funnel through here, including requests
// re-entering from serveStream on a TLS-terminated or plaintext-sniffed
// connection.
func (e *Engine[H]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodConnect:
		e.handleConnect(w, r)
	case isWebSocketUpgrade(r):
		e.handleWebSocket(w, r)
	default:
		e.handleHTTP(w, r)
	}
}

// handleConnect answers a CONNECT request with 200 and hijacks the raw
// connection, then hands it to the sniffing pipeline in the background so
// the HTTP handler itself returns promptly.
func (e *Engine[H]) handleConnect(w http.ResponseWriter, r *http.Request) {
	authority := r.URL.Host
	if authority == "" {
		authority = r.Host
	}
	if authority == "" {
		http.Error(w, "missing CONNECT authority", http.StatusBadRequest)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	conn, _, err := hijacker.Hijack()
	if err != nil {
		e.log.Errorf("connect_hijack", "authority=%s err=%v", authority, err)
		return
	}

	// The 200 must be written directly on the raw connection: anything
	// buffered through w before Hijack is never flushed once the handler
	// takes over the socket itself.
	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		conn.Close() //nolint:errcheck
		return
	}

	e.m.TunnelsTotal.Add(1)
	go e.sniffAndServe(conn, authority)
}

// sniffAndServe peeks the first sniffLen bytes off the raw tunnel,
// classifies them, and dispatches to the matching handler.
func (e *Engine[H]) sniffAndServe(conn net.Conn, authority string) {
	defer conn.Close() //nolint:errcheck // best-effort close once the tunnel ends

	rewound, peek, err := rewind.Peek(conn, sniffLen)
	if err != nil {
		e.log.Warnf("tunnel_peek", "authority=%s err=%v", authority, err)
		e.m.ErrorsTunnel.Add(1)
		return
	}

	switch classify(peek) {
	case protoPlaintext:
		e.m.TunnelsPlaintext.Add(1)
		e.serveStream("http", authority, rewound)
	case protoTLS:
		e.m.TunnelsTLS.Add(1)
		e.serveTLSTunnel(rewound, authority)
	default:
		e.m.TunnelsOpaque.Add(1)
		e.tunnelOpaque(rewound, authority)
	}
}

type protoKind int

const (
	protoOpaque protoKind = iota
	protoPlaintext
	protoTLS
)

// classify decides what protocol the first few bytes of a CONNECTed
// stream belong to.
func classify(peek []byte) protoKind {
	if len(peek) >= sniffLen && string(peek[:sniffLen]) == "GET " {
		return protoPlaintext
	}
	if len(peek) >= 2 && peek[0] == 0x16 && peek[1] == 0x03 {
		return protoTLS
	}
	return protoOpaque
}

// serveTLSTunnel terminates TLS on conn using a leaf certificate minted for
// authority, then re-enters serveStream on the decrypted stream.
func (e *Engine[H]) serveTLSTunnel(conn net.Conn, authority string) {
	tlsCfg, release, err := e.ca.GenServerConfig(authority)
	if err != nil {
		e.log.Errorf("cert_mint", "authority=%s err=%v", authority, err)
		// The peer is waiting on a ServerHello; a plaintext 400 is the only
		// answer left to give before the tunnel drops.
		conn.Write([]byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\n\r\n")) //nolint:errcheck
		return
	}

	tlsConn := tls.Server(conn, tlsCfg)
	err = tlsConn.Handshake()
	release()
	if err != nil {
		e.log.Warnf("tls_handshake", "authority=%s err=%v", authority, err)
		e.m.ErrorsTunnel.Add(1)
		return
	}

	e.serveStream("https", authority, tlsConn)
}

// tunnelOpaque copies bytes unmodified in both directions for a CONNECTed
// stream that is neither HTTP nor TLS.
func (e *Engine[H]) tunnelOpaque(conn net.Conn, authority string) {
	dest, err := net.DialTimeout("tcp", authority, 20*time.Second)
	if err != nil {
		e.log.Warnf("tunnel_dial", "authority=%s err=%v", authority, err)
		e.m.ErrorsTunnel.Add(1)
		return
	}
	defer dest.Close() //nolint:errcheck // best-effort close

	done := make(chan struct{}, 2)
	go func() { io.Copy(dest, conn); done <- struct{}{} }() //nolint:errcheck
	go func() { io.Copy(conn, dest); done <- struct{}{} }() //nolint:errcheck
	<-done
}

// serveStream runs an HTTP/1.1 connection server atop conn, augmenting
// every inbound request's URI with scheme and authority so the re-entrant
// call to ServeHTTP can build absolute URIs downstream.
func (e *Engine[H]) serveStream(scheme, authority string, conn net.Conn) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Scheme = scheme
		r.URL.Host = authority
		e.ServeHTTP(w, r)
	})
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.Serve(newSingleConnListener(conn)) //nolint:errcheck // always net.ErrClosed for single-conn listener
}

// handleHTTP is the plain HTTP forwarding path: the synthetic /mitm/cert
// endpoint, request normalization, the hook's short-circuit contract, the
// upstream round trip, the response hook, and Strict-Transport-Security
// stripping.
func (e *Engine[H]) handleHTTP(w http.ResponseWriter, r *http.Request) {
	e.m.RequestsTotal.Add(1)

	if strings.HasPrefix(r.URL.Path, "/mitm/cert") {
		e.serveCert(w)
		return
	}

	e.normalizeRequest(r)

	fwdReq, shortCircuit := e.hook.HandleRequest(r)
	if shortCircuit != nil {
		e.m.RequestsShortCircuited.Add(1)
		writeResponse(w, shortCircuit)
		return
	}

	start := time.Now()
	res, err := e.upstream.Do(fwdReq)
	if err != nil {
		e.log.Warnf("upstream_forward", "authority=%s err=%v", fwdReq.URL.Host, err)
		e.m.ErrorsUpstream.Add(1)
		http.Error(w, "", http.StatusBadRequest)
		return
	}
	e.m.RecordUpstreamLatency(time.Since(start))
	defer res.Body.Close() //nolint:errcheck // best-effort close

	res = e.hook.HandleResponse(res)
	res.Header.Del("Strict-Transport-Security")
	writeResponse(w, res)
}

// normalizeRequest moves Host into an absolute URI if missing, forces the
// outbound version to HTTP/1.1, and strips hop-by-hop headers the upstream
// client must not see duplicated.
func (e *Engine[H]) normalizeRequest(r *http.Request) {
	if r.URL.Scheme == "" {
		r.URL.Scheme = "http"
	}
	if r.URL.Host == "" {
		r.URL.Host = r.Host
	}
	r.Proto = "HTTP/1.1"
	r.ProtoMajor = 1
	r.ProtoMinor = 1
	r.RequestURI = ""
	r.Header.Del("Host")
	r.Header.Del("Connection")
}

// serveCert serves the root CA PEM for client install.
func (e *Engine[H]) serveCert(w http.ResponseWriter) {
	w.Header().Set("Content-Disposition", "attachment; filename=auth-mitm.crt")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(e.ca.RootPEM()) //nolint:errcheck // best-effort write to client
}

// writeResponse copies an *http.Response onto an http.ResponseWriter,
// streaming the body rather than buffering it.
func writeResponse(w http.ResponseWriter, res *http.Response) {
	for k, vv := range res.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	if res.StatusCode == 0 {
		res.StatusCode = http.StatusOK
	}
	w.WriteHeader(res.StatusCode)
	if res.Body != nil {
		io.Copy(w, res.Body) //nolint:errcheck // best-effort write to client
	}
}

// isWebSocketUpgrade reports whether r carries the headers of a WebSocket
// upgrade request, per RFC 6455.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

var upgrader = websocket.Upgrader{
	// The proxy client has already been accepted on this connection; origin
	// checking belongs to whatever application sits behind the proxy, not
	// to the proxy itself.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket dials the origin first, then completes the client-side
// upgrade, then relays messages between the two connections in a detached
// goroutine.
func (e *Engine[H]) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Scheme == "" {
		r.URL.Scheme = "http"
	}
	if r.URL.Host == "" {
		r.URL.Host = r.Host
	}

	wsScheme := "ws"
	if r.URL.Scheme == "https" {
		wsScheme = "wss"
	}
	wsURL := wsScheme + "://" + r.URL.Host + r.URL.RequestURI()

	originConn, res, err := e.upstream.DialWebSocket(wsURL, forwardableHeader(r.Header))
	if err != nil {
		if res != nil {
			res.Body.Close() //nolint:errcheck
		}
		e.log.Warnf("ws_dial", "url=%s err=%v", wsURL, err)
		e.m.ErrorsUpstream.Add(1)
		http.Error(w, "", http.StatusBadRequest)
		return
	}
	defer res.Body.Close() //nolint:errcheck

	clientConn, err := upgrader.Upgrade(w, r, responseHeaderFrom(res))
	if err != nil {
		e.log.Warnf("ws_upgrade", "url=%s err=%v", wsURL, err)
		originConn.Close() //nolint:errcheck
		return
	}

	e.m.WebSocketUpgrades.Add(1)
	go relayWebSocket(clientConn, originConn)
}

// wsDialerManagedHeaders are the handshake headers the WebSocket dialer
// generates itself; forwarding the client's copies would conflict with the
// fresh handshake it performs against the origin.
var wsDialerManagedHeaders = []string{
	"Upgrade",
	"Connection",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
}

// forwardableHeader clones the inbound request's headers for the origin's
// WebSocket handshake, dropping only the hop-by-hop upgrade set the dialer
// regenerates. Everything else (Authorization, Cookie, Origin, custom
// headers) must reach an origin that gates the upgrade on them.
func forwardableHeader(h http.Header) http.Header {
	out := h.Clone()
	for _, k := range wsDialerManagedHeaders {
		out.Del(k)
	}
	return out
}

// responseHeaderFrom extracts the headers the client-side handshake
// response must echo back, primarily the subprotocol the origin selected.
func responseHeaderFrom(res *http.Response) http.Header {
	h := http.Header{}
	if v := res.Header.Get("Sec-WebSocket-Protocol"); v != "" {
		h.Set("Sec-WebSocket-Protocol", v)
	}
	return h
}
