// Package rewind provides a net.Conn wrapper that lets a caller push back a
// prefix of bytes already consumed from the stream, so a later consumer can
// read them again.
//
// CONNECT tunnels carry opaque bytes: to classify what protocol is actually
// running inside a tunnel, the engine must peek at the first few bytes
// before handing the connection to a TLS acceptor or an HTTP server. Peeking
// is destructive on a net.Conn — there is no way to "unread" — so the bytes
// consumed while sniffing are prepended here for whoever reads next.
package rewind

import "net"

// Conn wraps an inner net.Conn with an owned prefix buffer. Reads drain the
// prefix first, then fall through to the inner connection; writes always go
// straight to the inner connection. All other net.Conn methods are inherited
// from the embedded connection unchanged.
type Conn struct {
	net.Conn
	prefix []byte // unread portion of the pushed-back bytes
}

// New returns a Conn that will yield prefix before any bytes from inner.
// prefix may be nil or empty.
func New(inner net.Conn, prefix []byte) *Conn {
	buf := make([]byte, len(prefix))
	copy(buf, prefix)
	return &Conn{Conn: inner, prefix: buf}
}

// Read drains the buffered prefix first, then reads from the inner conn.
func (c *Conn) Read(p []byte) (int, error) {
	if len(c.prefix) == 0 {
		return c.Conn.Read(p)
	}
	n := copy(p, c.prefix)
	c.prefix = c.prefix[n:]
	return n, nil
}

// Peek reads up to n bytes from conn and returns a Conn that will replay
// those bytes ahead of the rest of the stream, along with the bytes read.
// Used by the engine's CONNECT sniffer to classify the tunneled protocol
// without losing the bytes it inspected. Peek keeps reading until it has n
// bytes; a short result (the stream ended or errored after fewer than n
// bytes) is not an error, and only the bytes read are kept.
func Peek(conn net.Conn, n int) (*Conn, []byte, error) {
	buf := make([]byte, n)
	var total int
	var err error
	for total < len(buf) {
		var r int
		r, err = conn.Read(buf[total:])
		total += r
		if err != nil || r == 0 {
			break
		}
	}
	buf = buf[:total]
	if err != nil && total == 0 {
		return nil, nil, err
	}
	return New(conn, buf), buf, nil
}
