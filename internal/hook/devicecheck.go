package hook

import (
	"bytes"
	"io"
	"net/http"
)

// DeviceCheck is an example Hook that demonstrates the engine's willingness
// to let a hook buffer an entire request body before deciding whether to
// forward it. It matches requests under a configured path prefix, reads the
// full body (so it can be inspected or re-signed before forwarding), and
// replaces it with an equivalent re-readable body.
//
// Bodies outside PathPrefix are left untouched and untouched paths stream
// through the engine exactly as the client sent them; only matched
// requests pay the buffering cost.
type DeviceCheck struct {
	PathPrefix string
	Inspect    func(body []byte) []byte
}

// HandleRequest buffers the body of matching requests and runs Inspect over
// it. A nil Inspect is a no-op buffering pass-through, which still exercises
// the same code path a real device-attestation hook would use.
func (d DeviceCheck) HandleRequest(req *http.Request) (*http.Request, *http.Response) {
	if d.PathPrefix == "" || req.URL == nil || !hasPrefix(req.URL.Path, d.PathPrefix) {
		return req, nil
	}
	if req.Body == nil {
		return req, nil
	}

	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return req, nil
	}

	if d.Inspect != nil {
		body = d.Inspect(body)
	}

	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	return req, nil
}

// HandleResponse returns res unchanged; DeviceCheck only inspects requests.
func (d DeviceCheck) HandleResponse(res *http.Response) *http.Response {
	return res
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

var _ Hook = DeviceCheck{}
