// Package issuance signs certificates with a local CA key.
package issuance

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/jmhodges/clock"

	"github.com/serverpki/serverpki/core"
	"github.com/serverpki/serverpki/goodkey"
	"github.com/serverpki/serverpki/linter"
	"github.com/serverpki/serverpki/privatekey"
)

// Issuer signs leaves with one local CA.
type Issuer struct {
	Cert    *x509.Certificate
	Signer  crypto.Signer
	profile *Profile
	linter  *linter.Linter
	clk     clock.Clock
}

// NewIssuer checks that cert is a usable CA certificate for signer and
// builds the linter that vets every certificate before signing.
func NewIssuer(cert *x509.Certificate, signer crypto.Signer, profile *Profile, clk clock.Clock) (*Issuer, error) {
	if !cert.IsCA {
		return nil, errors.New("certificate is not a CA certificate")
	}
	if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return nil, errors.New("CA certificate does not have keyUsage certSign")
	}
	same, err := core.PublicKeysEqual(cert.PublicKey, signer.Public())
	if err != nil {
		return nil, err
	}
	if !same {
		return nil, fmt.Errorf("key does not match CA certificate %q", cert.Subject.CommonName)
	}
	err = goodkey.Default.GoodKey(cert.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("CA %q: %w", cert.Subject.CommonName, err)
	}
	lint, err := linter.New(cert, signer, profile.skipLints)
	if err != nil {
		return nil, err
	}
	return &Issuer{Cert: cert, Signer: signer, profile: profile, linter: lint, clk: clk}, nil
}

// Name is the common name of the CA certificate.
func (i *Issuer) Name() string {
	return i.Cert.Subject.CommonName
}

// LoadCertificate reads the first PEM certificate in path.
func LoadCertificate(path string) (*x509.Certificate, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	for {
		var block *pem.Block
		block, contents = pem.Decode(contents)
		if block == nil {
			return nil, fmt.Errorf("no certificate found in %q", path)
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}

// LoadIssuer loads a CA certificate and its private key from PEM files.
func LoadIssuer(certFile, keyFile string) (*x509.Certificate, crypto.Signer, error) {
	cert, err := LoadCertificate(certFile)
	if err != nil {
		return nil, nil, err
	}
	signer, err := privatekey.Load(keyFile)
	if err != nil {
		return nil, nil, err
	}
	same, err := core.PublicKeysEqual(cert.PublicKey, signer.Public())
	if err != nil {
		return nil, nil, err
	}
	if !same {
		return nil, nil, fmt.Errorf("issuer key %s did not match issuer cert %s", keyFile, certFile)
	}
	return cert, signer, nil
}
