package certs

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}

	validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore)
	if validity != 24*time.Hour {
		t.Errorf("validity: got %v, want %v", validity, 24*time.Hour)
	}
	if x509Cert.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}
	if x509Cert.Subject.CommonName != "nalrelay" {
		t.Errorf("common name: got %q, want %q", x509Cert.Subject.CommonName, "nalrelay")
	}

	expectedFingerprint := sha256.Sum256(cert.TLSCert.Certificate[0])
	if cert.Fingerprint != expectedFingerprint {
		t.Error("fingerprint mismatch")
	}
	if !slices.Contains(x509Cert.DNSNames, "localhost") {
		t.Error("expected localhost in DNS names")
	}
}

func TestGenerateDefaultValidity(t *testing.T) {
	t.Parallel()
	cert, err := Generate(0)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	if got := x509Cert.NotAfter.Sub(x509Cert.NotBefore); got != DefaultValidity {
		t.Errorf("validity: got %v, want %v", got, DefaultValidity)
	}
}

func TestGenerateExtraHosts(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour, "relay.local", "192.168.1.20", "::", "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}

	if !slices.Contains(x509Cert.DNSNames, "relay.local") {
		t.Errorf("DNS names %v missing relay.local", x509Cert.DNSNames)
	}
	found := false
	for _, ip := range x509Cert.IPAddresses {
		if ip.Equal(net.ParseIP("192.168.1.20")) {
			found = true
		}
		if ip.IsUnspecified() {
			t.Errorf("unspecified address %v should not be in the certificate", ip)
		}
	}
	if !found {
		t.Errorf("IP addresses %v missing 192.168.1.20", x509Cert.IPAddresses)
	}
	if err := x509Cert.VerifyHostname("relay.local"); err != nil {
		t.Errorf("VerifyHostname: %v", err)
	}
}

func TestFingerprintHex(t *testing.T) {
	t.Parallel()
	c := &CertInfo{}
	c.Fingerprint[0] = 0xab
	c.Fingerprint[31] = 0x01

	fp := c.FingerprintHex()
	if len(fp) != 32*3-1 {
		t.Fatalf("length: got %d, want %d", len(fp), 32*3-1)
	}
	if !strings.HasPrefix(fp, "ab:00:") || !strings.HasSuffix(fp, ":00:01") {
		t.Errorf("got %q", fp)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()
	gen, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(gen.TLSCert.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: gen.TLSCert.Certificate[0]})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(certFile, keyFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Fingerprint != gen.Fingerprint {
		t.Error("fingerprint of loaded certificate differs from generated one")
	}
	if !loaded.NotAfter.Equal(gen.NotAfter.Truncate(time.Second)) {
		t.Errorf("NotAfter: got %v, want %v", loaded.NotAfter, gen.NotAfter.Truncate(time.Second))
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()
	if _, err := Load("", ""); err == nil {
		t.Error("expected error for empty paths")
	}
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "missing.pem"), filepath.Join(dir, "missing.key")); err == nil {
		t.Error("expected error for missing files")
	}
}
