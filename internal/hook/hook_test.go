package hook

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPassthrough_HandleRequest_NeverShortCircuits(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://origin.test/x", nil)
	gotReq, gotRes := Passthrough{}.HandleRequest(req)
	if gotRes != nil {
		t.Fatalf("expected nil response, got %v", gotRes)
	}
	if gotReq != req {
		t.Fatalf("expected same request pointer back")
	}
}

func TestPassthrough_HandleResponse_ReturnsSame(t *testing.T) {
	res := &http.Response{StatusCode: 200}
	got := Passthrough{}.HandleResponse(res)
	if got != res {
		t.Fatalf("expected same response pointer back")
	}
}

func TestDeviceCheck_IgnoresNonMatchingPath(t *testing.T) {
	d := DeviceCheck{PathPrefix: "/backend-api/preauth_devicecheck"}
	req := httptest.NewRequest(http.MethodPost, "http://origin.test/other", bytes.NewBufferString("payload"))
	gotReq, gotRes := d.HandleRequest(req)
	if gotRes != nil {
		t.Fatalf("expected no short-circuit, got %v", gotRes)
	}
	body, _ := io.ReadAll(gotReq.Body)
	if string(body) != "payload" {
		t.Fatalf("body should be untouched, got %q", body)
	}
}

func TestDeviceCheck_BuffersAndInspectsMatchingPath(t *testing.T) {
	var inspected []byte
	d := DeviceCheck{
		PathPrefix: "/backend-api/preauth_devicecheck",
		Inspect: func(body []byte) []byte {
			inspected = append([]byte(nil), body...)
			return append(body, []byte("-stamped")...)
		},
	}
	req := httptest.NewRequest(http.MethodPost, "http://origin.test/backend-api/preauth_devicecheck",
		bytes.NewBufferString("attestation"))

	gotReq, gotRes := d.HandleRequest(req)
	if gotRes != nil {
		t.Fatalf("expected no short-circuit, got %v", gotRes)
	}
	if string(inspected) != "attestation" {
		t.Fatalf("Inspect saw %q, want %q", inspected, "attestation")
	}

	body, err := io.ReadAll(gotReq.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "attestation-stamped" {
		t.Errorf("body = %q, want %q", body, "attestation-stamped")
	}
	if gotReq.ContentLength != int64(len(body)) {
		t.Errorf("ContentLength = %d, want %d", gotReq.ContentLength, len(body))
	}
}

func TestDeviceCheck_NilBodyIsNoop(t *testing.T) {
	d := DeviceCheck{PathPrefix: "/backend-api/preauth_devicecheck"}
	req := httptest.NewRequest(http.MethodGet, "http://origin.test/backend-api/preauth_devicecheck", nil)
	req.Body = nil

	gotReq, gotRes := d.HandleRequest(req)
	if gotRes != nil {
		t.Fatalf("expected no short-circuit, got %v", gotRes)
	}
	if gotReq.Body != nil {
		t.Error("expected Body to remain nil")
	}
}

func TestDeviceCheck_HandleResponse_ReturnsSame(t *testing.T) {
	d := DeviceCheck{PathPrefix: "/x"}
	res := &http.Response{StatusCode: 204}
	got := d.HandleResponse(res)
	if got != res {
		t.Fatalf("expected same response pointer back")
	}
}

func TestShortCircuit_MatchingPathReturnsConfiguredResponse(t *testing.T) {
	s := ShortCircuit{
		Path: "/short",
		Response: func() *http.Response {
			return &http.Response{StatusCode: http.StatusNoContent}
		},
	}
	req := httptest.NewRequest(http.MethodGet, "http://origin.test/short", nil)
	gotReq, gotRes := s.HandleRequest(req)
	if gotRes == nil {
		t.Fatal("expected short-circuit response, got nil")
	}
	if gotRes.StatusCode != http.StatusNoContent {
		t.Errorf("StatusCode = %d, want 204", gotRes.StatusCode)
	}
	if gotReq != req {
		t.Error("expected original request returned alongside short-circuit response")
	}
}

func TestShortCircuit_NonMatchingPathPassesThrough(t *testing.T) {
	s := ShortCircuit{
		Path: "/short",
		Response: func() *http.Response {
			return &http.Response{StatusCode: http.StatusNoContent}
		},
	}
	req := httptest.NewRequest(http.MethodGet, "http://origin.test/other", nil)
	_, gotRes := s.HandleRequest(req)
	if gotRes != nil {
		t.Fatalf("expected no short-circuit for non-matching path, got %v", gotRes)
	}
}
