// Package ca models the set of trusted issuing authorities: the local CAs,
// several of which may be trusted at once during a rollover, and the
// intermediates of the ACME CA.
package ca

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmhodges/clock"

	"github.com/serverpki/serverpki/blog"
	"github.com/serverpki/serverpki/core"
	berrors "github.com/serverpki/serverpki/errors"
	"github.com/serverpki/serverpki/issuance"
	"github.com/serverpki/serverpki/privatekey"
)

// caStorage is the part of sa.Storage the registry needs.
type caStorage interface {
	ListCAs(ctx context.Context) ([]*core.CA, error)
	GetCA(ctx context.Context, id int64) (*core.CA, error)
	AddCA(ctx context.Context, ca *core.CA) (*core.CA, error)
	RetireCA(ctx context.Context, id int64) error
}

// Registry holds the signing keys of the configured local CAs and keeps
// their records in storage.
type Registry struct {
	sa      caStorage
	profile *issuance.Profile
	clk     clock.Clock
	issuers map[int64]*issuance.Issuer
}

// New loads the local CAs named by the parallel lists certFiles and
// keyFiles and registers any that storage does not know yet.
func New(ctx context.Context, sa caStorage, certFiles, keyFiles []string, profile *issuance.Profile, clk clock.Clock) (*Registry, error) {
	if len(certFiles) != len(keyFiles) {
		return nil, fmt.Errorf("%d CA certificate files but %d CA key files", len(certFiles), len(keyFiles))
	}
	r := &Registry{sa: sa, profile: profile, clk: clk, issuers: make(map[int64]*issuance.Issuer)}
	for i := range certFiles {
		_, err := r.load(ctx, certFiles[i], keyFiles[i])
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) load(ctx context.Context, certFile, keyFile string) (*core.CA, error) {
	cert, signer, err := issuance.LoadIssuer(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading local CA: %w", err)
	}
	issuer, err := issuance.NewIssuer(cert, signer, r.profile, r.clk)
	if err != nil {
		return nil, fmt.Errorf("loading local CA %s: %w", certFile, err)
	}
	stored, err := r.sa.AddCA(ctx, &core.CA{
		Name:      cert.Subject.CommonName,
		Subject:   cert.Subject.String(),
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		IsLocal:   true,
		CertDER:   cert.Raw,
		KeyPath:   keyFile,
	})
	if err != nil {
		return nil, fmt.Errorf("registering local CA %q: %w", cert.Subject.CommonName, err)
	}
	r.issuers[stored.ID] = issuer
	blog.Debug(ctx, "Loaded local CA", blog.CA(stored.Name), slog.Int64("id", stored.ID), slog.Time("notAfter", stored.NotAfter))
	return stored, nil
}

// usable reports whether a local CA can sign a leaf right now.
func (r *Registry) usable(ca *core.CA) bool {
	now := r.clk.Now()
	_, loaded := r.issuers[ca.ID]
	return ca.IsLocal && !ca.Retired && loaded && !now.Before(ca.NotBefore) && now.Before(ca.NotAfter)
}

// Current returns the newest usable local CA: the one new certificates are
// signed by unless a certificate pins another.
func (r *Registry) Current(ctx context.Context) (*core.CA, *issuance.Issuer, error) {
	cas, err := r.sa.ListCAs(ctx)
	if err != nil {
		return nil, nil, err
	}
	var newest *core.CA
	for _, ca := range cas {
		if !r.usable(ca) {
			continue
		}
		if newest == nil || ca.NotBefore.After(newest.NotBefore) ||
			(ca.NotBefore.Equal(newest.NotBefore) && ca.ID > newest.ID) {
			newest = ca
		}
	}
	if newest == nil {
		return nil, nil, berrors.NotFoundError("no usable local CA is configured")
	}
	return newest, r.issuers[newest.ID], nil
}

// IssuerFor returns the CA to sign cert with: the pinned CA when cert.CAID
// is set, the current one otherwise.
func (r *Registry) IssuerFor(ctx context.Context, cert *core.Certificate) (*core.CA, *issuance.Issuer, error) {
	if cert.CAID == 0 {
		return r.Current(ctx)
	}
	ca, err := r.sa.GetCA(ctx, cert.CAID)
	if err != nil {
		return nil, nil, err
	}
	if !r.usable(ca) {
		return nil, nil, berrors.ConflictError("certificate %q is pinned to CA %q, which cannot issue", cert.Name, ca.Name)
	}
	return ca, r.issuers[ca.ID], nil
}

// Get returns one CA record.
func (r *Registry) Get(ctx context.Context, id int64) (*core.CA, error) {
	return r.sa.GetCA(ctx, id)
}

// List returns every CA record, oldest first.
func (r *Registry) List(ctx context.Context) ([]*core.CA, error) {
	return r.sa.ListCAs(ctx)
}

// AddIntermediate records a certificate of the ACME CA's chain and returns
// its record. Recording the same certificate twice is harmless.
func (r *Registry) AddIntermediate(ctx context.Context, der []byte) (*core.CA, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing intermediate: %w", err)
	}
	if !cert.IsCA {
		return nil, berrors.MalformedError("%q is not a CA certificate", cert.Subject.CommonName)
	}
	return r.sa.AddCA(ctx, &core.CA{
		Name:      cert.Subject.CommonName,
		Subject:   cert.Subject.String(),
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		CertDER:   der,
	})
}

// Retire marks a CA retired. It fails with a Conflict error while
// instances signed by the CA are still in use.
func (r *Registry) Retire(ctx context.Context, id int64) error {
	err := r.sa.RetireCA(ctx, id)
	if err != nil {
		return err
	}
	delete(r.issuers, id)
	blog.AuditInfo(ctx, "Retired CA", slog.Int64("id", id))
	return nil
}

// RetireSuperseded retires every local CA other than the current one that
// no live instance depends on any more, and returns their ids.
func (r *Registry) RetireSuperseded(ctx context.Context) ([]int64, error) {
	current, _, err := r.Current(ctx)
	if err != nil {
		return nil, err
	}
	cas, err := r.sa.ListCAs(ctx)
	if err != nil {
		return nil, err
	}
	var retired []int64
	for _, ca := range cas {
		if !ca.IsLocal || ca.Retired || ca.ID == current.ID || ca.NotBefore.After(current.NotBefore) {
			continue
		}
		err := r.Retire(ctx, ca.ID)
		if berrors.Is(err, berrors.Conflict) {
			blog.Debug(ctx, "Superseded CA still in use", blog.CA(ca.Name), slog.String("reason", err.Error()))
			continue
		}
		if err != nil {
			return retired, err
		}
		retired = append(retired, ca.ID)
	}
	return retired, nil
}

// CreateLocal generates a new local CA, writes its certificate and key to
// certFile and keyFile and registers it. The new CA becomes current; the
// previous ones stay trusted until they are retired. Existing files are
// never overwritten.
func (r *Registry) CreateLocal(ctx context.Context, cn string, keyBits int, lifetime time.Duration, certFile, keyFile string) (*core.CA, error) {
	if lifetime == 0 {
		lifetime = 10 * 365 * 24 * time.Hour
	}
	key, err := privatekey.Generate(core.KeyRSA, keyBits, "")
	if err != nil {
		return nil, err
	}
	der, err := issuance.SelfSign(r.profile, key, cn, r.clk.Now(), lifetime)
	if err != nil {
		return nil, err
	}
	keyPEM, err := privatekey.MarshalPEM(key)
	if err != nil {
		return nil, err
	}
	err = writeNew(keyFile, keyPEM, 0o400)
	if err != nil {
		return nil, err
	}
	err = writeNew(certFile, core.CertPEM(der), 0o644)
	if err != nil {
		return nil, errors.Join(err, os.Remove(keyFile))
	}
	ca, err := r.load(ctx, certFile, keyFile)
	if err != nil {
		return nil, err
	}
	blog.AuditInfo(ctx, "Created local CA", blog.CA(ca.Name), slog.Int64("id", ca.ID), slog.String("certFile", certFile))
	return ca, nil
}

func writeNew(path string, contents []byte, mode os.FileMode) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return err
	}
	_, err = f.Write(contents)
	if err != nil {
		return errors.Join(err, f.Close())
	}
	return f.Close()
}
