// Package upstream holds the two client configurations the MITM engine uses
// to reach origin servers: a general-purpose HTTP client and a WebSocket
// dialer. They are kept as separate handles because WebSocket upgrades are
// HTTP/1.1-only and have a different connection lifecycle than pooled HTTP
// requests.
package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

// Client issues forward requests and WebSocket upgrades on behalf of the
// MITM engine, honoring an optional upstream HTTP proxy.
type Client struct {
	http     *http.Client
	dialer   *websocket.Dialer
	proxyURL *url.URL // nil = no upstream proxy
}

// New builds a Client. If proxyURL is non-empty, every outbound request
// (HTTP and WebSocket) traverses it.
func New(proxyURL string) (*Client, error) {
	var parsed *url.URL
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("upstream: parse proxy url: %w", err)
		}
		parsed = u
	}

	baseDialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	var rawDial dialContextFunc = baseDialer.DialContext

	transport := &http.Transport{
		MaxIdleConns:          200,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// HTTP/2 is out of scope on either proxy leg; forcing it off here
		// keeps the upstream round trip HTTP/1.1 to match what serve_stream
		// negotiates on the client-facing side.
		ForceAttemptHTTP2: false,
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}

	if parsed != nil {
		switch parsed.Scheme {
		case "socks5", "socks5h":
			// x/net/proxy dials the TCP connection through the SOCKS5
			// proxy; neither http.Transport.Proxy nor websocket.Dialer.Proxy
			// understand SOCKS5, only the CONNECT-based HTTP proxy protocol,
			// so both clients instead dial every connection through it.
			socksDialer, err := socks5Dialer(parsed, baseDialer)
			if err != nil {
				return nil, err
			}
			rawDial = socksDialer.DialContext
		default:
			// An HTTP-style upstream proxy performs its own CONNECT tunnel
			// and TLS handshake inside net/http.Transport and
			// websocket.Dialer; see fingerprintedDialTLS's doc comment for
			// why that means the TLS impersonation below does not reach
			// past this kind of proxy.
			transport.Proxy = http.ProxyURL(parsed)
			dialer.Proxy = http.ProxyURL(parsed)
		}
	}

	transport.DialContext = rawDial
	transport.DialTLSContext = fingerprintedDialTLS(rawDial, []string{"http/1.1"})
	dialer.NetDialContext = rawDial
	dialer.NetDialTLSContext = fingerprintedDialTLS(rawDial, nil)

	return &Client{
		http: &http.Client{
			Transport: transport,
			// The engine is itself the thing deciding whether to follow a
			// redirect (it forwards whatever the origin returned); the
			// upstream client must never auto-follow.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		dialer:   dialer,
		proxyURL: parsed,
	}, nil
}

// Do issues req against the origin and returns its response unmodified.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}

// DialWebSocket performs a client-side WebSocket handshake against the
// origin at rawURL (scheme ws:// or wss://), forwarding the given request
// header (notably Sec-WebSocket-Protocol subprotocols and any cookies). It
// returns the established connection and the origin's handshake response.
func (c *Client) DialWebSocket(rawURL string, header http.Header) (*websocket.Conn, *http.Response, error) {
	return c.dialer.Dial(rawURL, header)
}

// contextDialer is the subset of golang.org/x/net/proxy.ContextDialer this
// package needs; the SOCKS5 dialer returned by proxy.SOCKS5 implements it.
type contextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// socks5Dialer builds a golang.org/x/net/proxy SOCKS5 dialer from u, lifting
// basic-auth credentials from the URL's userinfo if present.
func socks5Dialer(u *url.URL, forward proxy.Dialer) (contextDialer, error) {
	var auth *proxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: pass}
	}
	d, err := proxy.SOCKS5("tcp", u.Host, auth, forward)
	if err != nil {
		return nil, fmt.Errorf("upstream: socks5 dialer: %w", err)
	}
	cd, ok := d.(contextDialer)
	if !ok {
		return nil, fmt.Errorf("upstream: socks5 dialer does not support DialContext")
	}
	return cd, nil
}
