// Package renewer runs renewal batches. A batch plans which certificates
// need new instances, has them issued, distributes them to their places and
// activates whatever is ready, all while holding the serverpki lock.
package renewer

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/serverpki/serverpki/authz"
	"github.com/serverpki/serverpki/blog"
	"github.com/serverpki/serverpki/ca"
	"github.com/serverpki/serverpki/core"
	"github.com/serverpki/serverpki/distributor"
	berrors "github.com/serverpki/serverpki/errors"
	"github.com/serverpki/serverpki/issuance"
	"github.com/serverpki/serverpki/keystore"
	"github.com/serverpki/serverpki/lock"
	"github.com/serverpki/serverpki/privatekey"
	"github.com/serverpki/serverpki/sa"
	"github.com/serverpki/serverpki/scheduler"
	"github.com/serverpki/serverpki/tracker"
)

// acmeAuthority is the part of authz.Orchestrator a batch uses.
type acmeAuthority interface {
	Authorize(ctx context.Context, domains []string) authz.Report
	Issue(ctx context.Context, domains []string, csr *x509.CertificateRequest) ([][]byte, error)
}

type bundleDistributor interface {
	Distribute(ctx context.Context, b distributor.Bundle, places []*core.Place) distributor.Results
}

type tlsaWriter interface {
	Write(ctx context.Context, cert *core.Certificate, active, prepublished string) error
}

type reminder interface {
	Run(ctx context.Context) ([]string, error)
}

// Config holds the key parameters of new instances.
type Config struct {
	RSABits int
	ECCurve string
}

// Options select what a batch renews.
type Options struct {
	// Threshold is the number of remaining days at or below which an
	// instance is renewed.
	Threshold int
	// LocalOnly restricts the batch to locally issued certificates. No ACME
	// server is contacted.
	LocalOnly bool
}

// Item is the outcome of one certificate and key algorithm.
type Item struct {
	Certificate string
	Algorithm   core.KeyAlgorithm
	// Detail is what was done, or the domain or place responsible for a
	// failure.
	Detail string
	Err    error
}

// Summary is the outcome of a batch.
type Summary struct {
	Succeeded []Item
	// Recovered lists items that succeeded after an authorization retry.
	Recovered []Item
	Failed    []Item
	// Rows is the renewal report, one row per planned certificate.
	Rows []scheduler.Row
}

// ExitCode is the process exit status the batch calls for: non-zero when
// anything failed.
func (s Summary) ExitCode() int {
	if len(s.Failed) > 0 {
		return 1
	}
	return 0
}

// Renewer runs batches. The collaborators below Keys are optional: a batch
// fails the certificates that need a missing one and carries on.
type Renewer struct {
	sa        sa.Storage
	locker    lock.Locker
	tracker   *tracker.Tracker
	scheduler *scheduler.Scheduler
	cfg       Config
	clk       clock.Clock

	results *prometheus.CounterVec

	Keys        *keystore.Store
	Distributor bundleDistributor
	CA          *ca.Registry
	ACME        acmeAuthority
	TLSA        tlsaWriter
	Reminder    reminder
}

// New returns a Renewer. Keys and Distributor must be set before Run.
func New(storage sa.Storage, locker lock.Locker, tr *tracker.Tracker, cfg Config, stats prometheus.Registerer, clk clock.Clock) *Renewer {
	results := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "renewal_results",
		Help: "Number of certificate instances handled by renewal batches, by outcome",
	}, []string{"result"})
	stats.MustRegister(results)
	return &Renewer{
		sa:        storage,
		locker:    locker,
		tracker:   tr,
		scheduler: scheduler.New(tr),
		cfg:       cfg,
		clk:       clk,
		results:   results,
	}
}

// job is one new instance being produced.
type job struct {
	cert   *core.Certificate
	alg    core.KeyAlgorithm
	key    crypto.Signer
	keyPEM []byte
	inst   *core.CertInstance

	recovered bool
	failed    bool
	action    string
}

func (j *job) ctx(ctx context.Context) context.Context {
	return blog.ContextWith(ctx, blog.Cert(j.cert.Name), slog.String("alg", string(j.alg)))
}

func (j *job) item(detail string, err error) Item {
	return Item{Certificate: j.cert.Name, Algorithm: j.alg, Detail: detail, Err: err}
}

// Run executes one batch. The returned error is set when the batch could
// not run at all; failures of single certificates are in the Summary.
func (r *Renewer) Run(ctx context.Context, opts Options) (Summary, error) {
	if r.Keys == nil || r.Distributor == nil {
		return Summary{}, errors.New("renewer needs a key store and a distributor")
	}
	ctx = blog.ContextWith(ctx, blog.Batch(uuid.NewString()))
	start := r.clk.Now()

	lease, err := r.locker.Acquire(ctx)
	if err != nil {
		return Summary{}, err
	}
	r.Keys.Guard(lease)
	defer func() {
		r.Keys.Guard(nil)
		err := lease.Release(context.WithoutCancel(ctx))
		if err != nil {
			blog.Error(ctx, "Releasing lock failed", err)
		}
	}()

	err = sa.CheckSchema(ctx, r.sa)
	if err != nil {
		return Summary{}, err
	}

	var s Summary
	err = r.sweep(ctx, &s)
	if err != nil {
		return s, err
	}

	cands, err := r.scheduler.Plan(ctx, opts.Threshold)
	if err != nil {
		return s, err
	}
	if opts.LocalOnly {
		cands = scheduler.OfType(cands, core.CertTypeLocal)
	}
	blog.Info(ctx, "Renewal planned", slog.Int("candidates", len(cands)),
		slog.Int("threshold", opts.Threshold), slog.Bool("localOnly", opts.LocalOnly))

	var jobs []*job
	for _, c := range cands {
		for _, alg := range c.Algorithms {
			j := &job{cert: c.Certificate, alg: alg}
			jobs = append(jobs, j)
			err := r.request(j.ctx(ctx), j)
			if err != nil {
				r.fail(j.ctx(ctx), &s, j, "", err)
			}
		}
	}
	r.issueACME(ctx, &s, jobs)
	r.issueLocal(ctx, &s, jobs)
	for _, j := range jobs {
		if !j.failed {
			r.deploy(j.ctx(ctx), &s, j)
		}
	}

	s.Rows = r.rows(ctx, cands, jobs)

	expiring, err := r.tracker.MarkExpiring(ctx, opts.Threshold)
	if err != nil {
		return s, err
	}
	if len(expiring) > 0 {
		blog.Info(ctx, "Instances marked expiring", slog.Int("count", len(expiring)))
	}

	if r.CA != nil {
		retired, err := r.CA.RetireSuperseded(ctx)
		if err != nil && !berrors.Is(err, berrors.NotFound) {
			return s, err
		}
		if len(retired) > 0 {
			blog.Info(ctx, "Retired superseded CAs", slog.Any("ids", retired))
		}
	}

	if r.Reminder != nil {
		sent, err := r.Reminder.Run(ctx)
		if err != nil {
			blog.Error(ctx, "Sending expiry reminders failed", err)
		} else if len(sent) > 0 {
			blog.Info(ctx, "Sent expiry reminders", slog.Any("certificates", sent))
		}
	}

	blog.Info(ctx, "Renewal batch done", slog.Int("succeeded", len(s.Succeeded)),
		slog.Int("recovered", len(s.Recovered)), slog.Int("failed", len(s.Failed)),
		slog.Duration("took", r.clk.Since(start)))
	return s, nil
}

// fail records a failed job. An instance that never got a certificate is
// deleted: there is nothing worth keeping.
func (r *Renewer) fail(ctx context.Context, s *Summary, j *job, detail string, err error) {
	j.failed = true
	j.action = "failed"
	if detail != "" {
		j.action = "failed: " + detail
	}
	s.Failed = append(s.Failed, j.item(detail, err))
	r.results.WithLabelValues("failure").Inc()
	blog.Error(ctx, "Renewal failed", err, slog.String("detail", detail))

	if j.inst != nil && (j.inst.State == core.StateRequested || j.inst.State == core.StateValidating) {
		aerr := r.tracker.Abandon(ctx, j.inst)
		if aerr != nil {
			blog.Error(ctx, "Abandoning instance failed", aerr, blog.Instance(j.inst.ID))
		}
	}
}

func (r *Renewer) succeed(ctx context.Context, s *Summary, j *job, action string) {
	j.action = action
	if j.recovered {
		s.Recovered = append(s.Recovered, j.item(action, nil))
		r.results.WithLabelValues("recovered").Inc()
	} else {
		s.Succeeded = append(s.Succeeded, j.item(action, nil))
		r.results.WithLabelValues("success").Inc()
	}
	blog.Info(ctx, "Renewal done", slog.String("action", action))
}

// request generates the key of a new instance, stores it and moves the
// instance to validating.
func (r *Renewer) request(ctx context.Context, j *job) error {
	key, err := privatekey.Generate(j.alg, r.cfg.RSABits, r.cfg.ECCurve)
	if err != nil {
		return err
	}
	keyPEM, err := privatekey.MarshalPEM(key)
	if err != nil {
		return err
	}
	stored, err := r.Keys.Seal(ctx, keyPEM)
	if err != nil {
		return err
	}
	j.key, j.keyPEM = key, keyPEM
	j.inst, err = r.tracker.Request(ctx, j.cert, j.alg, stored)
	if err != nil {
		return err
	}
	return r.tracker.Advance(ctx, j.inst, core.StateValidating)
}

// issueACME validates the names of every ACME job in one batch, so a name
// shared by several certificates is validated once, then orders the
// certificates.
func (r *Renewer) issueACME(ctx context.Context, s *Summary, jobs []*job) {
	var pending []*job
	var domains []string
	for _, j := range jobs {
		if j.failed || j.cert.Type != core.CertTypeACME {
			continue
		}
		pending = append(pending, j)
		domains = append(domains, j.cert.Names()...)
	}
	if len(pending) == 0 {
		return
	}
	if r.ACME == nil {
		for _, j := range pending {
			r.fail(j.ctx(ctx), s, j, "", errors.New("no ACME server is configured"))
		}
		return
	}

	report := r.ACME.Authorize(ctx, domains)
	for _, j := range pending {
		jctx := j.ctx(ctx)
		names := j.cert.Names()
		failed, err := authorizationFailure(report, names)
		if err != nil {
			r.fail(jctx, s, j, failed, err)
			continue
		}
		j.recovered = recovered(report, names)

		chain, caID, err := r.order(jctx, j, names)
		if err != nil {
			var authErr *berrors.AuthorizationError
			detail := ""
			if errors.As(err, &authErr) {
				detail = authErr.Domain
			}
			r.fail(jctx, s, j, detail, err)
			continue
		}
		err = r.tracker.RecordIssued(jctx, j.inst, chain, caID, j.key.Public())
		if err != nil {
			r.fail(jctx, s, j, "", err)
			continue
		}
		until := validUntil(report, names)
		if !until.IsZero() {
			err = r.sa.SetAuthorizedUntil(jctx, j.cert.ID, &until)
			if err != nil {
				blog.Error(jctx, "Recording authorization lifetime failed", err)
			}
		}
	}
}

// order asks the ACME CA for the certificate of j and records the issuing
// intermediate.
func (r *Renewer) order(ctx context.Context, j *job, names []string) ([][]byte, int64, error) {
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: j.cert.Name},
		DNSNames: names,
	}, j.key)
	if err != nil {
		return nil, 0, fmt.Errorf("creating CSR: %w", err)
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, 0, fmt.Errorf("parsing CSR: %w", err)
	}
	chain, err := r.ACME.Issue(ctx, names, csr)
	if err != nil {
		return nil, 0, err
	}
	var caID int64
	if len(chain) > 1 && r.CA != nil {
		intermediate, err := r.CA.AddIntermediate(ctx, chain[1])
		if err != nil {
			return nil, 0, err
		}
		caID = intermediate.ID
	}
	return chain, caID, nil
}

func authorizationFailure(report authz.Report, names []string) (string, error) {
	for _, n := range names {
		a := report.Attempts[core.NormalizeDomain(n)]
		if a == nil {
			return n, &berrors.AuthorizationError{Domain: n, Reason: "not authorized in this batch"}
		}
		if a.Err != nil {
			return a.Domain, a.Err
		}
	}
	return "", nil
}

func recovered(report authz.Report, names []string) bool {
	for _, n := range names {
		if a := report.Attempts[core.NormalizeDomain(n)]; a != nil && a.Recovered() {
			return true
		}
	}
	return false
}

// validUntil returns the earliest authorization expiry among names.
func validUntil(report authz.Report, names []string) (until time.Time) {
	for _, n := range names {
		a := report.Attempts[core.NormalizeDomain(n)]
		if a == nil || a.Expires.IsZero() {
			continue
		}
		if until.IsZero() || a.Expires.Before(until) {
			until = a.Expires
		}
	}
	return until
}

// issueLocal signs every local job with its CA.
func (r *Renewer) issueLocal(ctx context.Context, s *Summary, jobs []*job) {
	for _, j := range jobs {
		if j.failed || j.cert.Type != core.CertTypeLocal {
			continue
		}
		jctx := j.ctx(ctx)
		if r.CA == nil {
			r.fail(jctx, s, j, "", errors.New("no local CA is configured"))
			continue
		}
		caRec, issuer, err := r.CA.IssuerFor(jctx, j.cert)
		if err != nil {
			r.fail(jctx, s, j, "", err)
			continue
		}
		subjectType := j.cert.SubjectType
		if subjectType == "" {
			subjectType = core.SubjectServer
		}
		der, err := issuer.Issue(&issuance.IssuanceRequest{
			PublicKey:   j.key.Public(),
			CommonName:  j.cert.Name,
			DNSNames:    j.cert.Names(),
			SubjectType: subjectType,
			MustStaple:  j.cert.MustStaple,
		})
		if err != nil {
			r.fail(jctx, s, j, caRec.Name, err)
			continue
		}
		err = r.tracker.RecordIssued(jctx, j.inst, [][]byte{der, caRec.CertDER}, caRec.ID, j.key.Public())
		if err != nil {
			r.fail(jctx, s, j, "", err)
		}
	}
}

// deploy prepublishes an issued instance, distributes it and activates it
// when it is ready.
func (r *Renewer) deploy(ctx context.Context, s *Summary, j *job) {
	err := r.tracker.Advance(ctx, j.inst, core.StatePrepublished)
	if err != nil {
		r.fail(ctx, s, j, "", err)
		return
	}
	act, results, err := r.distribute(ctx, j.cert, j.inst, j.keyPEM)
	switch {
	case !results.AllSucceeded():
		r.fail(ctx, s, j, strings.Join(results.Failed(), ", "), results.Err())
	case err != nil:
		r.fail(ctx, s, j, "", err)
	case act.Activated:
		r.succeed(ctx, s, j, "activated")
	default:
		r.succeed(ctx, s, j, "prepublished: "+act.Reason)
	}
}

// distribute pushes inst to the places of cert, activates it if it is
// ready and rewrites the TLSA records of cert.
func (r *Renewer) distribute(ctx context.Context, cert *core.Certificate, inst *core.CertInstance, keyPEM []byte) (tracker.Activation, distributor.Results, error) {
	places, err := r.sa.PlacesForCertificate(ctx, cert.ID)
	if err != nil {
		return tracker.Activation{}, nil, err
	}
	results := r.Distributor.Distribute(ctx, distributor.NewBundle(cert, inst, keyPEM), places)

	act, err := r.tracker.MaybeActivate(ctx, inst, results)
	if err != nil {
		return act, results, err
	}
	if !act.Activated {
		blog.Info(ctx, "Instance not activated yet", blog.Instance(inst.ID), slog.String("reason", act.Reason))
	} else if cert.Type == core.CertTypeLocal && cert.AuthorizedUntil != nil {
		// A new local instance is live, so the next expiry reminder is due
		// again.
		err = r.sa.SetAuthorizedUntil(ctx, cert.ID, nil)
		if err != nil {
			return act, results, err
		}
		cert.AuthorizedUntil = nil
	}
	return act, results, r.writeTLSA(ctx, cert)
}

// writeTLSA publishes the hashes of the newest active and prepublished
// instances of cert.
func (r *Renewer) writeTLSA(ctx context.Context, cert *core.Certificate) error {
	if r.TLSA == nil || len(cert.TLSAPrefixes) == 0 {
		return nil
	}
	insts, err := r.sa.ListInstances(ctx, cert.ID, core.StatePrepublished, core.StateActive)
	if err != nil {
		return err
	}
	var active, prepublished *core.CertInstance
	for _, ci := range insts {
		switch ci.State {
		case core.StateActive:
			if active == nil || ci.Created.After(active.Created) {
				active = ci
			}
		case core.StatePrepublished:
			if prepublished == nil || ci.Created.After(prepublished.Created) {
				prepublished = ci
			}
		}
	}
	var activeHash, prepublishedHash string
	if active != nil {
		activeHash = active.TLSAHash
	}
	if prepublished != nil {
		prepublishedHash = prepublished.TLSAHash
	}
	return r.TLSA.Write(ctx, cert, activeHash, prepublishedHash)
}

// sweep distributes every prepublished instance left by earlier batches
// again and activates the ones whose pre-publish window has passed.
func (r *Renewer) sweep(ctx context.Context, s *Summary) error {
	pending, err := r.tracker.PendingActivations(ctx)
	if err != nil {
		return err
	}
	for _, inst := range pending {
		cert, err := r.sa.GetCertificate(ctx, inst.CertificateID)
		if err != nil {
			return err
		}
		if cert.Disabled {
			continue
		}
		j := &job{cert: cert, alg: inst.KeyAlgorithm, inst: inst}
		jctx := j.ctx(ctx)
		keyPEM, err := r.Keys.Open(jctx, inst.KeyPEM)
		if err != nil {
			r.fail(jctx, s, j, "", err)
			continue
		}
		act, results, err := r.distribute(jctx, cert, inst, keyPEM)
		switch {
		case !results.AllSucceeded():
			r.fail(jctx, s, j, strings.Join(results.Failed(), ", "), results.Err())
		case err != nil:
			r.fail(jctx, s, j, "", err)
		case act.Activated:
			r.succeed(jctx, s, j, "activated")
		}
	}
	return nil
}

// rows builds the renewal report.
func (r *Renewer) rows(ctx context.Context, cands []tracker.Candidate, jobs []*job) []scheduler.Row {
	var rows []scheduler.Row
	for _, c := range cands {
		var caName string
		if c.Current != nil && c.Current.CAID != 0 {
			rec, err := r.sa.GetCA(ctx, c.Current.CAID)
			if err == nil {
				caName = rec.Name
			}
		}
		row := scheduler.NewRow(c, caName)
		var actions []string
		for _, j := range jobs {
			if j.cert.ID != c.Certificate.ID {
				continue
			}
			if len(c.Algorithms) > 1 {
				actions = append(actions, fmt.Sprintf("%s %s", j.alg, j.action))
			} else {
				actions = append(actions, j.action)
			}
		}
		row.Action = strings.Join(actions, "; ")
		rows = append(rows, row)
	}
	return rows
}
