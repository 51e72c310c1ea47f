package store

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/peacprotocol/peac-sub013/pkg/config"
)

func TestRedisTLSConfigDisabled(t *testing.T) {
	t.Parallel()
	cfg, err := redisTLSConfig(config.Redis{ServerName: "ignored"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil TLS config when TLS is off")
	}
}

func TestRedisTLSConfigInsecure(t *testing.T) {
	t.Parallel()
	cfg, err := redisTLSConfig(config.Redis{TLS: true, TLSInsecure: true, AllowInsecureTLS: true, ServerName: "redis.internal"})
	if err != nil {
		t.Fatalf("unexpected tls config error: %v", err)
	}
	if !cfg.InsecureSkipVerify || cfg.ServerName != "redis.internal" {
		t.Fatalf("unexpected tls config %+v", cfg)
	}
	if _, err := redisTLSConfig(config.Redis{TLS: true, TLSInsecure: true}); err == nil {
		t.Fatal("expected insecure tls guard error")
	}
}

func TestRedisTLSConfigCAAndMTLS(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	certPEM, keyPEM := mustCreateSelfSignedPEM(t)
	caPath := filepath.Join(tmp, "ca.pem")
	certPath := filepath.Join(tmp, "client.pem")
	keyPath := filepath.Join(tmp, "client-key.pem")
	for path, data := range map[string][]byte{caPath: certPEM, certPath: certPEM, keyPath: keyPEM} {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	cfg, err := redisTLSConfig(config.Redis{TLS: true, CAFile: caPath, CertFile: certPath, KeyFile: keyPath})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Fatal("expected RootCAs to be populated")
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected one certificate, got %d", len(cfg.Certificates))
	}
}

func TestRedisTLSConfigErrors(t *testing.T) {
	t.Parallel()
	badCA := filepath.Join(t.TempDir(), "bad-ca.pem")
	if err := os.WriteFile(badCA, []byte("not-a-certificate"), 0o600); err != nil {
		t.Fatalf("write bad ca: %v", err)
	}
	cases := map[string]config.Redis{
		"incomplete_mtls": {TLS: true, CertFile: "/tmp/client.pem"},
		"missing_keypair": {TLS: true, CertFile: "/tmp/non-existent-cert.pem", KeyFile: "/tmp/non-existent-key.pem"},
		"missing_ca":      {TLS: true, CAFile: "/tmp/non-existent-ca.pem"},
		"invalid_ca_pem":  {TLS: true, CAFile: badCA},
	}
	for name, cfg := range cases {
		if _, err := redisTLSConfig(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func mustCreateSelfSignedPEM(t *testing.T) ([]byte, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: "redis-test",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	cert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	priv := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return cert, priv
}
