// Package hook defines the interception contract the MITM engine invokes
// for every plain-HTTP or TLS-terminated request it forwards.
package hook

import "net/http"

// Hook is the user-supplied pre-request and post-response transformer. It
// must be safe to share across concurrently served connections; the engine
// holds a single instance for the lifetime of the process and never mutates
// it.
//
// HandleRequest inspects or rewrites an outbound request before it reaches
// the upstream client. Returning a non-nil response short-circuits: the
// engine skips the upstream round trip entirely and returns that response to
// the proxy client. Returning a nil response forwards req (possibly
// modified) to the origin.
//
// HandleResponse transforms the response after the upstream has answered,
// before it is written back to the proxy client.
type Hook interface {
	HandleRequest(req *http.Request) (*http.Request, *http.Response)
	HandleResponse(res *http.Response) *http.Response
}

// Passthrough is the identity hook: it forwards every request unmodified
// and returns every response unmodified. Use it when no interception logic
// is needed.
type Passthrough struct{}

// HandleRequest returns req unchanged and never short-circuits.
func (Passthrough) HandleRequest(req *http.Request) (*http.Request, *http.Response) {
	return req, nil
}

// HandleResponse returns res unchanged.
func (Passthrough) HandleResponse(res *http.Response) *http.Response {
	return res
}

var _ Hook = Passthrough{}
