package hook

import "net/http"

// ShortCircuit is an example Hook that answers requests for a fixed path
// directly, without ever contacting the upstream client. It exists mainly
// to exercise the engine's short-circuit branch in tests, but is a
// legitimate standalone hook for serving synthetic endpoints (health
// checks, canned errors) from the proxy itself.
type ShortCircuit struct {
	Path     string
	Response func() *http.Response
}

// HandleRequest returns the configured response when req.URL.Path matches
// Path exactly, short-circuiting the upstream round trip.
func (s ShortCircuit) HandleRequest(req *http.Request) (*http.Request, *http.Response) {
	if req.URL == nil || req.URL.Path != s.Path || s.Response == nil {
		return req, nil
	}
	return req, s.Response()
}

// HandleResponse returns res unchanged.
func (s ShortCircuit) HandleResponse(res *http.Response) *http.Response {
	return res
}

var _ Hook = ShortCircuit{}
