package issuance

import (
	"crypto/x509/pkix"
	"errors"
	"time"
)

// ProfileConfig describes the certificates a local CA issues.
type ProfileConfig struct {
	// Lifetime of issued leaves. Zero means one year.
	Lifetime time.Duration

	Country            string
	Province           string
	Locality           string
	Organization       string
	OrganizationalUnit string

	CRLURL    string
	OCSPURL   string
	IssuerURL string

	// SkipLints names zlint lints that are not run before signing.
	SkipLints []string
}

// Profile is a validated ProfileConfig.
type Profile struct {
	lifetime  time.Duration
	names     pkix.Name
	crlURL    string
	ocspURL   string
	issuerURL string
	skipLints []string
}

// NewProfile validates cfg.
func NewProfile(cfg ProfileConfig) (*Profile, error) {
	lifetime := cfg.Lifetime
	if lifetime == 0 {
		lifetime = 365 * 24 * time.Hour
	}
	if lifetime < time.Hour {
		return nil, errors.New("certificate lifetime must be at least one hour")
	}
	p := &Profile{
		lifetime:  lifetime,
		crlURL:    cfg.CRLURL,
		ocspURL:   cfg.OCSPURL,
		issuerURL: cfg.IssuerURL,
		skipLints: cfg.SkipLints,
	}
	for field, v := range map[*[]string]string{
		&p.names.Country:            cfg.Country,
		&p.names.Province:           cfg.Province,
		&p.names.Locality:           cfg.Locality,
		&p.names.Organization:       cfg.Organization,
		&p.names.OrganizationalUnit: cfg.OrganizationalUnit,
	} {
		if v != "" {
			*field = []string{v}
		}
	}
	return p, nil
}

// Lifetime is the validity period of issued leaves.
func (p *Profile) Lifetime() time.Duration {
	return p.lifetime
}

// subject returns the fixed name attributes with cn added.
func (p *Profile) subject(cn string) pkix.Name {
	name := p.names
	name.CommonName = cn
	return name
}
