// Package cagen implements the one-shot root CA generator. It produces a
// self-signed root key pair on first run and writes both PEM files to disk.
//
// Kept separate from the ca package so the engine's certificate factory
// never needs to know how its root material came to exist on disk.
package cagen

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const rootKeyBits = 4096

// Generate creates a new self-signed root CA certificate and PKCS#8 private
// key, writing them to certFile and keyFile. Parent directories are created
// as needed. Both files are written 0600 even though the certificate itself
// is not secret, for consistency with the key file.
func Generate(certFile, keyFile string) error {
	key, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		return fmt.Errorf("cagen: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("cagen: generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "auth-mitm Local CA",
			Organization: []string{"auth-mitm"},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("cagen: create CA cert: %w", err)
	}

	for _, path := range []string{certFile, keyFile} {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("cagen: create dir for %s: %w", path, err)
			}
		}
	}

	certOut, err := os.OpenFile(certFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("cagen: create cert file: %w", err)
	}
	defer certOut.Close() //nolint:errcheck // best-effort close
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return fmt.Errorf("cagen: write cert PEM: %w", err)
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("cagen: marshal PKCS8 key: %w", err)
	}

	keyOut, err := os.OpenFile(keyFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("cagen: create key file: %w", err)
	}
	defer keyOut.Close() //nolint:errcheck // best-effort close
	if err := pem.Encode(keyOut, &pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}); err != nil {
		return fmt.Errorf("cagen: write key PEM: %w", err)
	}

	return nil
}

// Exists reports whether both certFile and keyFile are already present.
func Exists(certFile, keyFile string) bool {
	if _, err := os.Stat(certFile); err != nil {
		return false
	}
	if _, err := os.Stat(keyFile); err != nil {
		return false
	}
	return true
}
