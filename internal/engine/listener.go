package engine

import (
	"net"
	"sync"
)

// singleConnListener adapts one already-accepted net.Conn to the
// net.Listener interface so an *http.Server can serve an HTTP/1.1
// connection obtained via CONNECT tunneling or hijacking.
//
// http.Server.Serve dispatches the accepted conn to a handler goroutine and
// immediately calls Accept again, and it defers l.Close() until Serve
// itself returns. The second Accept therefore must not return until the
// served connection is finished with: returning an error right away would
// let Serve close the conn out from under the handler mid-request. It
// blocks until the conn's Close (which the server calls once the handler
// goroutine is done with the connection), then reports net.ErrClosed so
// Serve can return instead of leaking its goroutine.
type singleConnListener struct {
	conn     net.Conn
	accepted bool
	done     chan struct{}
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	return &singleConnListener{conn: conn, done: make(chan struct{})}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	if l.accepted {
		<-l.done
		return nil, net.ErrClosed
	}
	l.accepted = true
	return &signalOnCloseConn{Conn: l.conn, done: l.done}, nil
}

func (l *singleConnListener) Close() error {
	return l.conn.Close()
}

func (l *singleConnListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// signalOnCloseConn closes done the first time Close is called, unblocking
// the listener's second Accept.
type signalOnCloseConn struct {
	net.Conn
	done chan struct{}
	once sync.Once
}

func (c *signalOnCloseConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.Conn.Close()
}
