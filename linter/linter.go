// Package linter runs RFC 5280 zlint checks over a certificate before it is
// signed with a real local CA key.
package linter

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"slices"
	"strings"

	zlintx509 "github.com/zmap/zcrypto/x509"
	"github.com/zmap/zlint/v3"
	"github.com/zmap/zlint/v3/lint"

	"github.com/serverpki/serverpki/core"
)

var ErrLinting = errors.New("failed lint(s)")

// Linter lints a to-be-signed certificate by signing it with a throwaway key
// under a copy of the real issuer, so nothing signed by the real key is ever
// produced for a certificate that fails.
type Linter struct {
	issuer     *x509.Certificate
	signer     crypto.Signer
	realPubKey crypto.PublicKey
	registry   lint.Registry
}

// New builds a Linter for realIssuer. Lints named in skipLints are not run.
func New(realIssuer *x509.Certificate, realSigner crypto.Signer, skipLints []string) (*Linter, error) {
	lintSigner, err := makeSigner(realSigner)
	if err != nil {
		return nil, err
	}
	lintIssuer, err := makeIssuer(realIssuer, lintSigner)
	if err != nil {
		return nil, err
	}
	reg, err := NewRegistry(skipLints)
	if err != nil {
		return nil, err
	}
	return &Linter{lintIssuer, lintSigner, realSigner.Public(), reg}, nil
}

// Check lints tbs as if it were issued for subjectPubKey. If subjectPubKey is
// the real issuer's own key the lint certificate is made self-signed too.
func (l *Linter) Check(tbs *x509.Certificate, subjectPubKey crypto.PublicKey) error {
	lintPubKey := subjectPubKey
	selfSigned, err := core.PublicKeysEqual(subjectPubKey, l.realPubKey)
	if err != nil {
		return err
	}
	if selfSigned {
		lintPubKey = l.signer.Public()
	}

	cert, err := makeLintCert(tbs, lintPubKey, l.issuer, l.signer)
	if err != nil {
		return err
	}
	return ProcessResultSet(zlint.LintCertificateEx(cert, l.registry))
}

func makeSigner(realSigner crypto.Signer) (crypto.Signer, error) {
	switch k := realSigner.Public().(type) {
	case *rsa.PublicKey:
		s, err := rsa.GenerateKey(rand.Reader, k.Size()*8)
		if err != nil {
			return nil, fmt.Errorf("failed to create RSA lint signer: %w", err)
		}
		return s, nil
	case *ecdsa.PublicKey:
		s, err := ecdsa.GenerateKey(k.Curve, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create ECDSA lint signer: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported lint signer type: %T", k)
	}
}

func makeIssuer(realIssuer *x509.Certificate, lintSigner crypto.Signer) (*x509.Certificate, error) {
	// The attributes x509.CreateCertificate carries over from a template,
	// minus the key, so the lint issuer encodes exactly like the real one.
	tbs := &x509.Certificate{
		AuthorityKeyId:        realIssuer.AuthorityKeyId,
		BasicConstraintsValid: realIssuer.BasicConstraintsValid,
		CRLDistributionPoints: realIssuer.CRLDistributionPoints,
		ExtKeyUsage:           realIssuer.ExtKeyUsage,
		ExtraExtensions:       realIssuer.ExtraExtensions,
		IsCA:                  realIssuer.IsCA,
		IssuingCertificateURL: realIssuer.IssuingCertificateURL,
		KeyUsage:              realIssuer.KeyUsage,
		MaxPathLen:            realIssuer.MaxPathLen,
		MaxPathLenZero:        realIssuer.MaxPathLenZero,
		NotAfter:              realIssuer.NotAfter,
		NotBefore:             realIssuer.NotBefore,
		OCSPServer:            realIssuer.OCSPServer,
		PermittedDNSDomains:   realIssuer.PermittedDNSDomains,
		Policies:              realIssuer.Policies,
		SerialNumber:          realIssuer.SerialNumber,
		Subject:               realIssuer.Subject,
		SubjectKeyId:          realIssuer.SubjectKeyId,
		UnknownExtKeyUsage:    realIssuer.UnknownExtKeyUsage,
	}
	der, err := x509.CreateCertificate(rand.Reader, tbs, tbs, lintSigner.Public(), lintSigner)
	if err != nil {
		return nil, fmt.Errorf("failed to create lint issuer: %w", err)
	}
	lintIssuer, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse lint issuer: %w", err)
	}
	return lintIssuer, nil
}

// NewRegistry returns the RFC 5280 lints minus skipLints. CA/Browser Forum
// lints do not apply to an internal CA.
func NewRegistry(skipLints []string) (lint.Registry, error) {
	reg, err := lint.GlobalRegistry().Filter(lint.FilterOptions{
		ExcludeNames:   skipLints,
		IncludeSources: []lint.LintSource{lint.RFC5280},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lint registry: %w", err)
	}
	return reg, nil
}

func makeLintCert(tbs *x509.Certificate, subjectPubKey crypto.PublicKey, issuer *x509.Certificate, signer crypto.Signer) (*zlintx509.Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, tbs, issuer, subjectPubKey, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create lint certificate: %w", err)
	}
	cert, err := zlintx509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse lint certificate: %w", err)
	}
	// RFC 5280 4.1.2.6: the issuer field must encode exactly like the
	// issuing CA's subject.
	if !bytes.Equal(issuer.RawSubject, cert.RawIssuer) {
		return nil, fmt.Errorf("mismatch between lint issuer RawSubject and lint cert RawIssuer: %x != %x", issuer.RawSubject, cert.RawIssuer)
	}
	return cert, nil
}

// ProcessResultSet fails on any error or fatal result. Notices and warnings
// are not fatal for an internal CA.
func ProcessResultSet(res *zlint.ResultSet) error {
	if !res.ErrorsPresent && !res.FatalsPresent {
		return nil
	}
	var failed []string
	for name, result := range res.Results {
		if result.Status >= lint.Error {
			failed = append(failed, fmt.Sprintf("%s (%s)", name, result.Details))
		}
	}
	slices.Sort(failed)
	return fmt.Errorf("%w: %s", ErrLinting, strings.Join(failed, ", "))
}
