package core

import (
	"slices"
	"strings"
	"time"
)

// Algorithm is the key algorithm a Certificate asks for. A dual certificate
// is renewed as one instance per concrete KeyAlgorithm.
type Algorithm string

const (
	AlgorithmRSA       = Algorithm("rsa")
	AlgorithmEC        = Algorithm("ec")
	AlgorithmRSAPlusEC = Algorithm("rsa plus ec")
)

// KeyAlgorithm is the algorithm of one concrete key.
type KeyAlgorithm string

const (
	KeyRSA = KeyAlgorithm("rsa")
	KeyEC  = KeyAlgorithm("ec")
)

// KeyAlgorithms lists the concrete key algorithms a renewal of a must produce.
func (a Algorithm) KeyAlgorithms() []KeyAlgorithm {
	switch a {
	case AlgorithmRSA:
		return []KeyAlgorithm{KeyRSA}
	case AlgorithmEC:
		return []KeyAlgorithm{KeyEC}
	case AlgorithmRSAPlusEC:
		return []KeyAlgorithm{KeyRSA, KeyEC}
	}
	return nil
}

// CertType says who signs a Certificate.
type CertType string

const (
	CertTypeLocal = CertType("local")
	CertTypeACME  = CertType("acme")
)

// SubjectType is used in file names of distributed material.
type SubjectType string

const (
	SubjectServer = SubjectType("server")
	SubjectClient = SubjectType("client")
)

// AuthzStatus is the status of one ACME domain authorization.
type AuthzStatus string

const (
	AuthzPending = AuthzStatus("pending")
	AuthzValid   = AuthzStatus("valid")
	AuthzInvalid = AuthzStatus("invalid")
	AuthzExpired = AuthzStatus("expired")
)

// Layout is a place's file-bundling convention.
type Layout string

const (
	// LayoutCertOnly writes the certificate and nothing else.
	LayoutCertOnly = Layout("cert_only")
	// LayoutSeparate writes key, certificate and (for ACME certificates) the
	// certificate plus chain as separate files.
	LayoutSeparate = Layout("separate")
	// LayoutCombineKey writes key and certificate into one file.
	LayoutCombineKey = Layout("combine_key")
	// LayoutCombineCACert writes certificate plus CA certificate into one
	// file and the key separately.
	LayoutCombineCACert = Layout("combine_cacert")
	// LayoutCombineBoth writes key, certificate and CA certificate into one
	// file.
	LayoutCombineBoth = Layout("combine_both")
)

// TargetKind says how a place is written to.
type TargetKind string

const (
	TargetFile = TargetKind("file")
	TargetS3   = TargetKind("s3")
)

// CA is an issuing authority. Local CAs sign with a key on disk; the ACME CA
// has no key here and its intermediates are recorded as they are seen.
type CA struct {
	ID        int64
	Name      string
	Subject   string
	NotBefore time.Time
	NotAfter  time.Time
	IsLocal   bool
	CertDER   []byte
	KeyPath   string
	Retired   bool
}

// Subject is a logical identity certificates are issued for.
type Subject struct {
	ID   int64
	Name string
	Type SubjectType
}

// Certificate is a renewable certificate definition. It is the unit the
// scheduler plans with, not an X.509 object.
type Certificate struct {
	ID          int64
	SubjectID   int64
	Name        string
	SubjectType SubjectType
	AltNames    []string
	Type        CertType
	Algorithm   Algorithm
	Disabled    bool
	// CAID pins a local certificate to one CA. Zero means the newest usable
	// local CA at issuance time.
	CAID         int64
	TLSAPrefixes []string
	MustStaple   bool
	// AuthorizedUntil is when the last successful ACME validation of all
	// names lapses. For local certificates it records when the expiry
	// reminder was mailed.
	AuthorizedUntil *time.Time
}

// Names returns the subject name and the alternative names, lower cased,
// sorted and without duplicates.
func (c *Certificate) Names() []string {
	return UniqueLowerNames(append([]string{c.Name}, c.AltNames...))
}

// CertInstance is one concretely issued X.509 certificate.
type CertInstance struct {
	ID            int64
	CertificateID int64
	Serial        string
	NotBefore     time.Time
	NotAfter      time.Time
	KeyAlgorithm  KeyAlgorithm
	CertDER       []byte
	// KeyPEM is the stored form of the private key: sealed when the store
	// runs with keysEncrypted, plain PEM otherwise.
	KeyPEM    []byte
	ChainDER  [][]byte
	State     InstanceState
	CAID      int64
	TLSAHash  string
	Created   time.Time
	Activated *time.Time
}

// Remaining returns the validity left at now. It is negative once expired.
func (ci *CertInstance) Remaining(now time.Time) time.Duration {
	return ci.NotAfter.Sub(now)
}

// RemainingDays returns Remaining in whole days, rounded down.
func (ci *CertInstance) RemainingDays(now time.Time) int {
	return int(ci.Remaining(now).Hours() / 24)
}

// Place is a distribution target.
type Place struct {
	ID     int64
	Name   string
	Layout Layout
	Target TargetKind
	// Host names the machine the place lives on. It is only used in logs and
	// reports; file targets are written on the local filesystem.
	Host string
	// Jail is the name of an isolated environment below the configured jail
	// root. Empty means the host itself.
	Jail     string
	CertPath string
	// KeyPath overrides the directory keys are written to.
	KeyPath string
	UID     int
	GID     int
	// Mode is applied to key files. Zero means 0400.
	Mode      uint32
	ChownBoth bool
	PGLink    bool
	// ReloadCommand is run after a successful write, with "{}" replaced by
	// the jail name.
	ReloadCommand string
	// Bucket is only used by s3 targets; CertPath is then the key prefix.
	Bucket  string
	Enabled bool
}

// Revision is the singleton row describing the store itself.
type Revision struct {
	SchemaVersion int
	KeysEncrypted bool
}

// UniqueLowerNames returns the set of all unique names in the input after all
// of them are lowercased and stripped of a trailing dot. The returned names
// are sorted.
func UniqueLowerNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
		if name != "" {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
