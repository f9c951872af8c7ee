package management

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"auth-mitm/internal/ca"
	"auth-mitm/internal/cagen"
	"auth-mitm/internal/logger"
	"auth-mitm/internal/metrics"
)

func testCA(t *testing.T) *ca.CA {
	t.Helper()
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.crt")
	keyFile := filepath.Join(dir, "key.pem")
	if err := cagen.Generate(certFile, keyFile); err != nil {
		t.Fatalf("cagen.Generate: %v", err)
	}
	c, err := ca.Load(certFile, keyFile, 0)
	if err != nil {
		t.Fatalf("ca.Load: %v", err)
	}
	return c
}

func testServer(t *testing.T, token string) *Server {
	t.Helper()
	return New("0.0.0.0:8000", testCA(t), metrics.New(), token, logger.New("TEST", "error"))
}

func TestHandleStatus_ReturnsRunningWithBindAddress(t *testing.T) {
	s := testServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got struct {
		Status      string `json:"status"`
		BindAddress string `json:"bindAddress"`
		CacheLen    int    `json:"cacheLen"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != "running" {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if got.BindAddress != "0.0.0.0:8000" {
		t.Errorf("BindAddress = %q, want 0.0.0.0:8000", got.BindAddress)
	}
	if got.CacheLen != 0 {
		t.Errorf("CacheLen = %d, want 0 (nothing minted yet)", got.CacheLen)
	}
}

func TestHandleMetrics_ReturnsSnapshot(t *testing.T) {
	s := testServer(t, "")
	s.metrics.TunnelsTotal.Add(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Tunnels.Total != 3 {
		t.Errorf("Tunnels.Total = %d, want 3", snap.Tunnels.Total)
	}
}

func TestHandleCert_ReturnsRootPEMWithDisposition(t *testing.T) {
	s := testServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/cert", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	wantDisposition := "attachment; filename=auth-mitm.crt"
	if got := rec.Header().Get("Content-Disposition"); got != wantDisposition {
		t.Errorf("Content-Disposition = %q, want %q", got, wantDisposition)
	}
	if string(rec.Body.Bytes()) != string(s.ca.RootPEM()) {
		t.Error("body does not match root PEM")
	}
}

func TestAuthMiddleware_NoTokenConfiguredAllowsAllRequests(t *testing.T) {
	s := testServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 (no auth configured)", rec.Code)
	}
}

func TestAuthMiddleware_RejectsMissingOrWrongToken(t *testing.T) {
	s := testServer(t, "secret-token")

	cases := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"wrong token", "Bearer nope"},
		{"missing Bearer prefix", "secret-token"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if c.header != "" {
				req.Header.Set("Authorization", c.header)
			}
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestAuthMiddleware_AcceptsCorrectToken(t *testing.T) {
	s := testServer(t, "secret-token")
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
