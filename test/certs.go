package test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"testing"
	"time"
)

// TestCA is a throwaway certificate authority for tests. It is a real CA in
// every respect except that its key lives in memory.
type TestCA struct {
	Cert *x509.Certificate
	Key  crypto.Signer
}

// NewTestCA creates a self-signed ECDSA P-256 CA named cn, valid from
// notBefore for lifetime.
func NewTestCA(t *testing.T, cn string, notBefore time.Time, lifetime time.Duration) *TestCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	AssertNotError(t, err, "generating test CA key")
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(notBefore.UnixNano()),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"serverpki test"}},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(lifetime),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		SubjectKeyId:          []byte(cn),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	AssertNotError(t, err, "self-signing test CA")
	cert, err := x509.ParseCertificate(der)
	AssertNotError(t, err, "parsing test CA")
	return &TestCA{Cert: cert, Key: key}
}

// Issue signs a leaf for names with the given validity window. It returns the
// DER certificate and the PEM encoded PKCS#8 private key.
func (ca *TestCA) Issue(t *testing.T, names []string, notBefore, notAfter time.Time) ([]byte, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	AssertNotError(t, err, "generating leaf key")
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: names[0]},
		DNSNames:     names,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Cert, key.Public(), ca.Key)
	AssertNotError(t, err, "issuing leaf")
	return der, KeyPEM(t, key)
}

// KeyPEM encodes key as a PKCS#8 "PRIVATE KEY" PEM block.
func KeyPEM(t *testing.T, key crypto.Signer) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	AssertNotError(t, err, "marshaling private key")
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

// WriteFiles writes the CA certificate and key as PEM files into dir and
// returns their paths.
func (ca *TestCA) WriteFiles(t *testing.T, dir, prefix string) (string, string) {
	t.Helper()
	certPath := dir + "/" + prefix + "_cert.pem"
	keyPath := dir + "/" + prefix + "_key.pem"
	err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Cert.Raw}), 0o644)
	AssertNotError(t, err, "writing CA cert")
	err = os.WriteFile(keyPath, KeyPEM(t, ca.Key), 0o600)
	AssertNotError(t, err, "writing CA key")
	return certPath, keyPath
}

// AssertFileEquals checks that the file at path holds exactly want.
func AssertFileEquals(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	AssertNotError(t, err, "reading "+path)
	AssertByteEquals(t, got, want)
}

// AssertFileMode checks the permission bits of the file at path.
func AssertFileMode(t *testing.T, path string, want os.FileMode) {
	t.Helper()
	fi, err := os.Lstat(path)
	AssertNotError(t, err, "stat "+path)
	if fi.Mode().Perm() != want {
		t.Fatalf("%s has mode %o, want %o", path, fi.Mode().Perm(), want)
	}
}
