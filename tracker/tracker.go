// Package tracker owns the lifecycle of certificate instances. Every state
// change is one conditional update in storage, and every decision re-reads
// the instance first.
package tracker

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/serverpki/serverpki/blog"
	"github.com/serverpki/serverpki/core"
	berrors "github.com/serverpki/serverpki/errors"
	"github.com/serverpki/serverpki/sa"
)

// Tracker answers lifecycle questions about certificates and moves their
// instances through the state machine.
type Tracker struct {
	sa         sa.Storage
	prePublish time.Duration
	clk        clock.Clock

	transitions *prometheus.CounterVec
}

// New returns a Tracker. prePublish is the minimum time between creating an
// instance and activating it.
func New(storage sa.Storage, prePublish time.Duration, stats prometheus.Registerer, clk clock.Clock) *Tracker {
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "instance_transitions",
		Help: "Number of certificate instance state changes, by target state",
	}, []string{"state"})
	stats.MustRegister(transitions)
	return &Tracker{sa: storage, prePublish: prePublish, clk: clk, transitions: transitions}
}

// Candidate is a certificate that needs at least one new instance.
type Candidate struct {
	Certificate *core.Certificate
	// Algorithms lists the key algorithms a new instance is needed for.
	Algorithms []core.KeyAlgorithm
	// Current is the deployed instance that expires first, or nil when
	// nothing is deployed.
	Current *core.CertInstance
}

// NotAfter returns the expiry of the current instance, or the zero time.
func (c Candidate) NotAfter() time.Time {
	if c.Current == nil {
		return time.Time{}
	}
	return c.Current.NotAfter
}

// ListRenewalCandidates returns the enabled certificates that have no
// deployed instance, or one with at most remainingDays left, for some of
// their key algorithms. An algorithm whose successor is already
// prepublished and outlives the threshold does not need another one.
func (t *Tracker) ListRenewalCandidates(ctx context.Context, remainingDays int) ([]Candidate, error) {
	certs, err := t.sa.ListCertificates(ctx, false)
	if err != nil {
		return nil, err
	}
	now := t.clk.Now()
	var out []Candidate
	for _, cert := range certs {
		if cert.Disabled {
			continue
		}
		algs := cert.Algorithm.KeyAlgorithms()
		if len(algs) == 0 {
			blog.Warn(ctx, "Certificate has no usable algorithm", blog.Cert(cert.Name), slog.String("algorithm", string(cert.Algorithm)))
			continue
		}
		insts, err := t.sa.ListInstances(ctx, cert.ID, core.StatePrepublished, core.StateActive, core.StateExpiring)
		if err != nil {
			return nil, err
		}

		c := Candidate{Certificate: cert}
		for _, alg := range algs {
			var current, pending *core.CertInstance
			for _, ci := range insts {
				if ci.KeyAlgorithm != alg {
					continue
				}
				if ci.State == core.StatePrepublished {
					if pending == nil || ci.NotAfter.After(pending.NotAfter) {
						pending = ci
					}
				} else if current == nil || ci.NotAfter.After(current.NotAfter) {
					current = ci
				}
			}
			if current != nil && (c.Current == nil || current.NotAfter.Before(c.Current.NotAfter)) {
				c.Current = current
			}
			if current != nil && current.RemainingDays(now) > remainingDays {
				continue
			}
			if pending != nil && pending.RemainingDays(now) > remainingDays {
				continue
			}
			c.Algorithms = append(c.Algorithms, alg)
		}
		if len(c.Algorithms) > 0 {
			out = append(out, c)
		}
	}
	return out, nil
}

// ActiveInstance returns the deployed instance of certID for alg.
func (t *Tracker) ActiveInstance(ctx context.Context, certID int64, alg core.KeyAlgorithm) (*core.CertInstance, error) {
	insts, err := t.sa.ListInstances(ctx, certID, core.StateActive, core.StateExpiring)
	if err != nil {
		return nil, err
	}
	for _, ci := range insts {
		if ci.KeyAlgorithm == alg {
			return ci, nil
		}
	}
	return nil, berrors.NotFoundError("certificate %d has no active %s instance", certID, alg)
}

// History returns every instance of certID, oldest first.
func (t *Tracker) History(ctx context.Context, certID int64) ([]*core.CertInstance, error) {
	return t.sa.ListInstances(ctx, certID)
}

// PendingActivations returns every prepublished instance.
func (t *Tracker) PendingActivations(ctx context.Context) ([]*core.CertInstance, error) {
	return t.sa.ListInstancesByState(ctx, core.StatePrepublished)
}

// Request stores a new instance of cert for alg holding the stored form of
// its private key.
func (t *Tracker) Request(ctx context.Context, cert *core.Certificate, alg core.KeyAlgorithm, storedKey []byte) (*core.CertInstance, error) {
	ci, err := t.sa.AddInstance(ctx, &core.CertInstance{
		CertificateID: cert.ID,
		KeyAlgorithm:  alg,
		KeyPEM:        storedKey,
		State:         core.StateRequested,
	})
	if err != nil {
		return nil, err
	}
	t.transitions.WithLabelValues(string(core.StateRequested)).Inc()
	blog.Info(ctx, "Requested instance", blog.Cert(cert.Name), blog.Instance(ci.ID), slog.String("alg", string(alg)))
	return ci, nil
}

// Advance moves inst to state to. It fails with a Conflict error if the
// stored instance is no longer in inst.State.
func (t *Tracker) Advance(ctx context.Context, inst *core.CertInstance, to core.InstanceState) error {
	if !core.ValidTransition(inst.State, to) {
		return berrors.MalformedError("instance %d cannot go from %s to %s", inst.ID, inst.State, to)
	}
	err := t.sa.SetInstanceState(ctx, inst.ID, inst.State, to)
	if err != nil {
		return err
	}
	blog.Debug(ctx, "Instance state changed", blog.Instance(inst.ID), slog.String("from", string(inst.State)), slog.String("to", string(to)))
	inst.State = to
	t.transitions.WithLabelValues(string(to)).Inc()
	return nil
}

// RecordIssued stores the signed certificate of a validating instance and
// moves it to issued. chain is the leaf followed by its issuers, DER
// encoded. The leaf must carry pub and be signed by the next certificate.
func (t *Tracker) RecordIssued(ctx context.Context, inst *core.CertInstance, chain [][]byte, caID int64, pub crypto.PublicKey) error {
	if len(chain) == 0 {
		return berrors.MalformedError("instance %d: no certificate was issued", inst.ID)
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return berrors.MalformedError("instance %d: parsing certificate: %s", inst.ID, err)
	}
	if pub != nil {
		same, err := core.PublicKeysEqual(leaf.PublicKey, pub)
		if err != nil {
			return err
		}
		if !same {
			return berrors.MalformedError("instance %d: certificate does not match the instance key", inst.ID)
		}
	}
	if len(chain) > 1 {
		issuer, err := x509.ParseCertificate(chain[1])
		if err != nil {
			return berrors.MalformedError("instance %d: parsing issuer: %s", inst.ID, err)
		}
		err = leaf.CheckSignatureFrom(issuer)
		if err != nil {
			return berrors.MalformedError("instance %d: certificate is not signed by %q: %s", inst.ID, issuer.Subject.CommonName, err)
		}
	}

	issued := *inst
	issued.Serial = core.SerialToString(leaf.SerialNumber)
	issued.NotBefore = leaf.NotBefore
	issued.NotAfter = leaf.NotAfter
	issued.CertDER = chain[0]
	issued.ChainDER = chain[1:]
	issued.CAID = caID
	issued.TLSAHash = core.TLSAHash(chain[0])
	err = t.sa.SetInstanceIssued(ctx, &issued)
	if err != nil {
		return err
	}
	issued.State = core.StateIssued
	*inst = issued
	t.transitions.WithLabelValues(string(core.StateIssued)).Inc()
	blog.AuditInfo(ctx, "Certificate issued", blog.Instance(inst.ID), slog.String("serial", inst.Serial),
		slog.Time("notAfter", inst.NotAfter), slog.String("tlsa", inst.TLSAHash))
	return nil
}

// PlaceResults is what MaybeActivate needs to know about distribution.
type PlaceResults interface {
	AllSucceeded() bool
	Failed() []string
}

// Activation says whether MaybeActivate activated, and why not.
type Activation struct {
	Activated bool
	Reason    string
}

// MaybeActivate activates a prepublished instance once its pre-publish
// window has passed and every enabled place took it. The instance is read
// again first.
func (t *Tracker) MaybeActivate(ctx context.Context, inst *core.CertInstance, results PlaceResults) (Activation, error) {
	current, err := t.sa.GetInstance(ctx, inst.ID)
	if err != nil {
		return Activation{}, err
	}
	if current.State != core.StatePrepublished {
		return Activation{Reason: fmt.Sprintf("instance is %s", current.State)}, nil
	}
	if !results.AllSucceeded() {
		return Activation{Reason: "distribution failed for " + strings.Join(results.Failed(), ", ")}, nil
	}
	now := t.clk.Now()
	due := current.Created.Add(t.prePublish)
	if now.Before(due) {
		return Activation{Reason: fmt.Sprintf("pre-publish window ends %s", due.UTC().Format(time.DateTime))}, nil
	}

	err = t.sa.ActivateInstance(ctx, inst.ID, now)
	if err != nil {
		return Activation{}, err
	}
	*inst = *current
	inst.State = core.StateActive
	activated := now.UTC().Truncate(time.Second)
	inst.Activated = &activated
	t.transitions.WithLabelValues(string(core.StateActive)).Inc()
	blog.AuditInfo(ctx, "Instance activated", blog.Instance(inst.ID), slog.String("serial", inst.Serial))
	return Activation{Activated: true}, nil
}

// MarkExpiring moves active instances with at most remainingDays left to
// expiring and returns them.
func (t *Tracker) MarkExpiring(ctx context.Context, remainingDays int) ([]*core.CertInstance, error) {
	insts, err := t.sa.ListInstancesByState(ctx, core.StateActive)
	if err != nil {
		return nil, err
	}
	now := t.clk.Now()
	var marked []*core.CertInstance
	for _, ci := range insts {
		if ci.RemainingDays(now) > remainingDays {
			continue
		}
		err := t.Advance(ctx, ci, core.StateExpiring)
		if berrors.Is(err, berrors.Conflict) {
			continue
		}
		if err != nil {
			return marked, err
		}
		marked = append(marked, ci)
	}
	return marked, nil
}

// Abandon deletes an instance that never got a certificate, after its
// validation failed for good.
func (t *Tracker) Abandon(ctx context.Context, inst *core.CertInstance) error {
	if inst.State != core.StateRequested && inst.State != core.StateValidating {
		return berrors.ConflictError("instance %d is %s and cannot be abandoned", inst.ID, inst.State)
	}
	err := t.sa.DeleteInstance(ctx, inst.ID)
	if err != nil {
		return err
	}
	blog.Info(ctx, "Abandoned instance", blog.Instance(inst.ID))
	return nil
}

// Revoke marks inst revoked. It does not contact any CA.
func (t *Tracker) Revoke(ctx context.Context, inst *core.CertInstance) error {
	from := inst.State
	err := t.Advance(ctx, inst, core.StateRevoked)
	if err != nil {
		return err
	}
	blog.AuditInfo(ctx, "Instance revoked", blog.Instance(inst.ID), slog.String("from", string(from)), slog.String("serial", inst.Serial))
	return nil
}
