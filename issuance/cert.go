package issuance

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/serverpki/serverpki/core"
	"github.com/serverpki/serverpki/goodkey"
)

var mustStapleExt = pkix.Extension{
	// RFC 7633: id-pe-tlsfeature OBJECT IDENTIFIER ::=  { id-pe 24 }
	Id: asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 24},
	// ASN.1 encoding of:
	// SEQUENCE
	//   INTEGER 5
	// where "5" is the status_request feature (RFC 6066)
	Value: []byte{0x30, 0x03, 0x02, 0x01, 0x05},
}

// ContainsMustStaple reports whether extensions carry the TLS feature
// extension requesting OCSP stapling.
func ContainsMustStaple(extensions []pkix.Extension) bool {
	for _, ext := range extensions {
		if ext.Id.Equal(mustStapleExt.Id) {
			return true
		}
	}
	return false
}

// generateSKID uses RFC 7093 method 1: the leftmost 160 bits of the
// SHA-256 of the subjectPublicKey bit string.
func generateSKID(pk crypto.PublicKey) ([]byte, error) {
	pkBytes, err := x509.MarshalPKIXPublicKey(pk)
	if err != nil {
		return nil, err
	}
	var spki struct {
		Algo      pkix.AlgorithmIdentifier
		BitString asn1.BitString
	}
	if _, err := asn1.Unmarshal(pkBytes, &spki); err != nil {
		return nil, err
	}
	skid := sha256.Sum256(spki.BitString.Bytes)
	return skid[0:20:20], nil
}

// newSerial returns a random positive 136 bit serial number.
func newSerial() (*big.Int, error) {
	b := make([]byte, 17)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	// Keep the top bit clear so the DER integer stays positive and short.
	b[0] &= 0x7f
	if b[0] == 0 {
		b[0] = 1
	}
	return new(big.Int).SetBytes(b), nil
}

// IssuanceRequest describes a leaf to be signed.
type IssuanceRequest struct {
	PublicKey   crypto.PublicKey
	CommonName  string
	DNSNames    []string
	SubjectType core.SubjectType
	MustStaple  bool
}

func (i *Issuer) requestValid(req *IssuanceRequest) error {
	if req.PublicKey == nil {
		return errors.New("request has no public key")
	}
	if err := goodkey.Default.GoodKey(req.PublicKey); err != nil {
		return err
	}
	if req.CommonName == "" {
		return errors.New("request has no common name")
	}
	if len(req.CommonName) > 64 {
		return errors.New("common name cannot be more than 64 bytes")
	}
	if req.SubjectType == core.SubjectServer && len(req.DNSNames) == 0 {
		return errors.New("server certificates need at least one DNS name")
	}
	return nil
}

func (i *Issuer) template(req *IssuanceRequest) (*x509.Certificate, error) {
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	skid, err := generateSKID(req.PublicKey)
	if err != nil {
		return nil, err
	}
	now := i.clk.Now().UTC().Truncate(time.Second)
	notAfter := now.Add(i.profile.lifetime - time.Second)
	// A leaf never outlives its CA.
	if notAfter.After(i.Cert.NotAfter) {
		notAfter = i.Cert.NotAfter
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               i.profile.subject(req.CommonName),
		NotBefore:             now,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		SubjectKeyId:          skid,
		KeyUsage:              x509.KeyUsageDigitalSignature,
	}
	if _, ok := req.PublicKey.(*rsa.PublicKey); ok {
		tmpl.KeyUsage |= x509.KeyUsageKeyEncipherment
	}
	tmpl.DNSNames = req.DNSNames
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	if req.SubjectType == core.SubjectClient {
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}
	if i.profile.crlURL != "" {
		tmpl.CRLDistributionPoints = []string{i.profile.crlURL}
	}
	if i.profile.ocspURL != "" {
		tmpl.OCSPServer = []string{i.profile.ocspURL}
	}
	if i.profile.issuerURL != "" {
		tmpl.IssuingCertificateURL = []string{i.profile.issuerURL}
	}
	if req.MustStaple {
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, mustStapleExt)
	}
	return tmpl, nil
}

// Issue lints and signs a leaf for req and returns its DER encoding.
func (i *Issuer) Issue(req *IssuanceRequest) ([]byte, error) {
	err := i.requestValid(req)
	if err != nil {
		return nil, err
	}
	now := i.clk.Now()
	if now.Before(i.Cert.NotBefore) || !now.Before(i.Cert.NotAfter) {
		return nil, fmt.Errorf("CA %q is not valid at %s", i.Name(), now)
	}
	tmpl, err := i.template(req)
	if err != nil {
		return nil, err
	}
	err = i.linter.Check(tmpl, req.PublicKey)
	if err != nil {
		return nil, err
	}
	return x509.CreateCertificate(rand.Reader, tmpl, i.Cert, req.PublicKey, i.Signer)
}

// SelfSign creates a new local CA certificate for key, valid for lifetime
// from now, with the profile's fixed name attributes and cn.
func SelfSign(profile *Profile, key crypto.Signer, cn string, now time.Time, lifetime time.Duration) ([]byte, error) {
	err := goodkey.Default.GoodKey(key.Public())
	if err != nil {
		return nil, err
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	skid, err := generateSKID(key.Public())
	if err != nil {
		return nil, err
	}
	now = now.UTC().Truncate(time.Second)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               profile.subject(cn),
		NotBefore:             now,
		NotAfter:              now.Add(lifetime - time.Second),
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
		SubjectKeyId:          skid,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
	}
	return x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
}
