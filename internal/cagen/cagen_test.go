package cagen

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerate_CreatesFiles(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.crt")
	key := filepath.Join(dir, "key.pem")

	if err := Generate(cert, key); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if _, err := os.Stat(cert); err != nil {
		t.Errorf("cert file not created: %v", err)
	}
	if _, err := os.Stat(key); err != nil {
		t.Errorf("key file not created: %v", err)
	}
}

func TestGenerate_CreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "nested", "ca", "cert.crt")
	key := filepath.Join(dir, "nested", "ca", "key.pem")

	if err := Generate(cert, key); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := os.Stat(cert); err != nil {
		t.Errorf("cert file not created under nested dir: %v", err)
	}
}

func TestGenerate_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.crt")
	key := filepath.Join(dir, "key.pem")
	if err := Generate(cert, key); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	info, err := os.Stat(key)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key file perm = %o, want 0600", perm)
	}
}

func TestGenerate_CertParsesAndIsSelfSigned(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.crt")
	keyPath := filepath.Join(dir, "key.pem")
	if err := Generate(certPath, keyPath); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatal(err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatalf("expected CERTIFICATE PEM block, got %+v", block)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if !cert.IsCA {
		t.Error("generated root certificate is not marked IsCA")
	}

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	if _, err := cert.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err != nil {
		t.Errorf("self-signed root does not verify against itself: %v", err)
	}
}

func TestGenerate_KeyIsPKCS8RSA(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.crt")
	keyPath := filepath.Join(dir, "key.pem")
	if err := Generate(certPath, keyPath); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil || block.Type != "PRIVATE KEY" {
		t.Fatalf("expected PRIVATE KEY PEM block (PKCS8), got %+v", block)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		t.Fatalf("ParsePKCS8PrivateKey: %v", err)
	}
	if _, ok := parsed.(*rsa.PrivateKey); !ok {
		t.Errorf("parsed key is %T, want *rsa.PrivateKey", parsed)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.crt")
	key := filepath.Join(dir, "key.pem")

	if Exists(cert, key) {
		t.Error("Exists should be false before generation")
	}
	if err := Generate(cert, key); err != nil {
		t.Fatal(err)
	}
	if !Exists(cert, key) {
		t.Error("Exists should be true after generation")
	}
}

func TestExists_PartialFilesIsFalse(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.crt")
	key := filepath.Join(dir, "key.pem")
	if err := Generate(cert, key); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(key); err != nil {
		t.Fatal(err)
	}
	if Exists(cert, key) {
		t.Error("Exists should be false when only one file is present")
	}
}
