// Package authz drives ACME DNS-01 validation of a batch of domains. Every
// domain is validated at most once per batch, concurrently with the others,
// and the failure of one domain never stops the rest.
package authz

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/serverpki/serverpki/bdns"
	"github.com/serverpki/serverpki/blog"
	"github.com/serverpki/serverpki/core"
	berrors "github.com/serverpki/serverpki/errors"
	"github.com/serverpki/serverpki/publisher"
)

// Challenge is the DNS-01 challenge of a fresh single domain order.
type Challenge struct {
	Domain string
	// Status is the status of the authorization when the order was created.
	// A valid authorization is reused without publishing anything.
	Status core.AuthzStatus
	// Value is the TXT record content that proves control.
	Value        string
	OrderURL     string
	AuthzURL     string
	ChallengeURL string
	Expires      time.Time
}

// ACME is the part of an ACME client the orchestrator needs.
type ACME interface {
	// Authorize creates a fresh order for domain and returns its DNS-01
	// challenge.
	Authorize(ctx context.Context, domain string) (Challenge, error)
	// Accept tells the CA the challenge record is in place.
	Accept(ctx context.Context, ch Challenge) error
	// Status fetches the current status of the challenge's authorization.
	Status(ctx context.Context, ch Challenge) (core.AuthzStatus, error)
	// Finalize orders a certificate for domains. When the CA has no valid
	// authorization for some of them it returns those as unauthorized and
	// no certificate. Certificates are DER, leaf first.
	Finalize(ctx context.Context, domains []string, csr *x509.CertificateRequest) ([][]byte, []string, error)
}

// Attempt is the state of the authorization of one domain within a batch.
type Attempt struct {
	Domain   string
	Method   string
	OrderURL string
	AuthzURL string
	Status   core.AuthzStatus
	// Retries counts fresh orders after the first.
	Retries int
	// Reused is set when the CA already held a valid authorization.
	Reused  bool
	Expires time.Time
	// Err is an AuthorizationError when the domain could not be validated.
	Err error
}

// Recovered reports whether the domain validated after a retry.
func (a *Attempt) Recovered() bool {
	return a.Err == nil && a.Retries > 0
}

// Report holds one Attempt per distinct domain of a batch.
type Report struct {
	Attempts map[string]*Attempt
}

// Valid returns the validated domains, sorted.
func (r Report) Valid() []string {
	var out []string
	for d, a := range r.Attempts {
		if a.Err == nil {
			out = append(out, d)
		}
	}
	slices.Sort(out)
	return out
}

// Failed returns the domains that could not be validated, sorted.
func (r Report) Failed() []string {
	var out []string
	for d, a := range r.Attempts {
		if a.Err != nil {
			out = append(out, d)
		}
	}
	slices.Sort(out)
	return out
}

// Err joins the errors of all failed domains, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, d := range r.Failed() {
		errs = append(errs, r.Attempts[d].Err)
	}
	return errors.Join(errs...)
}

// ValidUntil returns the earliest expiry of the validated authorizations.
// It is zero if no validated attempt reported one.
func (r Report) ValidUntil() time.Time {
	var until time.Time
	for _, a := range r.Attempts {
		if a.Err != nil || a.Expires.IsZero() {
			continue
		}
		if until.IsZero() || a.Expires.Before(until) {
			until = a.Expires
		}
	}
	return until
}

// Config tunes retries and waiting. Zero values take the defaults below.
type Config struct {
	// Method names the publishing strategy, for reporting.
	Method string
	// Parallelism bounds the number of domains validated at once.
	Parallelism int
	// Patience is how long one order is polled before giving up.
	Patience time.Duration
	// PollInterval is the first wait between status polls, growing by
	// PollFactor up to MaxPoll.
	PollInterval time.Duration
	MaxPoll      time.Duration
	PollFactor   float64
	// PublishRetries is the number of times a failed publish is retried.
	PublishRetries int
	// FreshOrders is the number of new orders tried after an invalid one.
	FreshOrders int
	// PropagationTimeout bounds the wait for the challenge record to show up
	// on the name server, when a DNS client is configured.
	PropagationTimeout time.Duration
	// WithdrawTimeout bounds the cleanup of a challenge record.
	WithdrawTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	if c.Patience <= 0 {
		c.Patience = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxPoll <= 0 {
		c.MaxPoll = 30 * time.Second
	}
	if c.PollFactor < 1 {
		c.PollFactor = 1.5
	}
	if c.PublishRetries < 0 {
		c.PublishRetries = 0
	}
	if c.FreshOrders < 0 {
		c.FreshOrders = 0
	}
	if c.PropagationTimeout <= 0 {
		c.PropagationTimeout = 2 * time.Minute
	}
	if c.WithdrawTimeout <= 0 {
		c.WithdrawTimeout = 30 * time.Second
	}
}

// DefaultConfig returns the defaults used for unset configuration.
func DefaultConfig() Config {
	c := Config{PublishRetries: 3, FreshOrders: 1}
	c.setDefaults()
	return c
}

// Orchestrator validates domains through an ACME CA, publishing challenge
// records with a Publisher.
type Orchestrator struct {
	acme ACME
	pub  publisher.Publisher
	// dns is optional; when set, the challenge record must be visible on
	// it before the challenge is accepted.
	dns bdns.Client
	cfg Config
	clk clock.Clock

	attempts       *prometheus.CounterVec
	publishRetries prometheus.Counter
}

// New returns an Orchestrator. dnsClient may be nil.
func New(acme ACME, pub publisher.Publisher, dnsClient bdns.Client, cfg Config, stats prometheus.Registerer, clk clock.Clock) *Orchestrator {
	cfg.setDefaults()
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authz_attempts",
		Help: "Number of ACME orders used to validate a domain, by outcome",
	}, []string{"result"})
	publishRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_publish_retries",
		Help: "Number of times publishing a challenge record was retried",
	})
	stats.MustRegister(attempts, publishRetries)
	return &Orchestrator{
		acme:           acme,
		pub:            pub,
		dns:            dnsClient,
		cfg:            cfg,
		clk:            clk,
		attempts:       attempts,
		publishRetries: publishRetries,
	}
}

// Authorize validates every distinct domain of domains. Names are lower
// cased and stripped of a trailing dot before they are deduplicated, so each
// domain is ordered, published and withdrawn exactly once per call.
func (o *Orchestrator) Authorize(ctx context.Context, domains []string) Report {
	report := Report{Attempts: make(map[string]*Attempt)}
	for _, d := range core.UniqueLowerNames(domains) {
		report.Attempts[d] = &Attempt{Domain: d, Method: o.cfg.Method, Status: core.AuthzPending}
	}

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Parallelism)
	for _, a := range report.Attempts {
		g.Go(func() error {
			o.authorizeOne(blog.ContextWith(ctx, blog.Domain(a.Domain)), a)
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// authorizeOne runs orders for one domain until it is valid or out of
// fresh orders. Only a's own fields are written.
func (o *Orchestrator) authorizeOne(ctx context.Context, a *Attempt) {
	for {
		status, err := o.attempt(ctx, a)
		a.Status = status
		switch {
		case err != nil:
			o.attempts.WithLabelValues("error").Inc()
			a.Err = &berrors.AuthorizationError{Domain: a.Domain, Reason: err.Error()}
		case status == core.AuthzValid && a.Reused:
			o.attempts.WithLabelValues("reused").Inc()
		case status == core.AuthzValid:
			o.attempts.WithLabelValues("valid").Inc()
		case status == core.AuthzInvalid && a.Retries < o.cfg.FreshOrders:
			o.attempts.WithLabelValues("invalid").Inc()
			a.Retries++
			blog.Warn(ctx, "Authorization invalid, retrying with a fresh order", slog.Int("retry", a.Retries))
			continue
		case status == core.AuthzInvalid:
			o.attempts.WithLabelValues("invalid").Inc()
			a.Err = &berrors.AuthorizationError{Domain: a.Domain, Reason: "authorization is invalid"}
		case status == core.AuthzExpired:
			o.attempts.WithLabelValues("expired").Inc()
			a.Err = &berrors.AuthorizationError{Domain: a.Domain, Reason: "authorization expired"}
		default:
			o.attempts.WithLabelValues("timeout").Inc()
			a.Err = &berrors.AuthorizationError{
				Domain: a.Domain,
				Reason: fmt.Sprintf("still %s after %s", status, o.cfg.Patience),
			}
		}
		if a.Err != nil {
			blog.Error(ctx, "Authorization failed", a.Err)
		} else {
			blog.Info(ctx, "Authorization valid", slog.Bool("reused", a.Reused), slog.Int("retries", a.Retries))
		}
		return
	}
}

// attempt runs one order: publish, accept, poll. The challenge record is
// withdrawn whatever happens once it was published.
func (o *Orchestrator) attempt(ctx context.Context, a *Attempt) (core.AuthzStatus, error) {
	ch, err := o.acme.Authorize(ctx, a.Domain)
	if err != nil {
		return core.AuthzPending, fmt.Errorf("creating order: %w", err)
	}
	a.OrderURL, a.AuthzURL, a.Expires = ch.OrderURL, ch.AuthzURL, ch.Expires
	if ch.Status == core.AuthzValid {
		a.Reused = true
		return core.AuthzValid, nil
	}

	err = o.publish(ctx, a.Domain, ch.Value)
	if err != nil {
		return core.AuthzPending, err
	}
	defer o.withdraw(ctx, a.Domain, ch.Value)

	if o.dns != nil {
		err = o.waitPropagation(ctx, a.Domain, ch.Value)
		if err != nil {
			return core.AuthzPending, err
		}
	}

	err = o.acme.Accept(ctx, ch)
	if err != nil {
		return core.AuthzPending, fmt.Errorf("accepting challenge: %w", err)
	}
	return o.poll(ctx, ch)
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
	case <-o.clk.After(d):
	}
	return ctx.Err()
}

// publish retries transient publishing failures with backoff.
func (o *Orchestrator) publish(ctx context.Context, domain, value string) error {
	for try := 0; ; try++ {
		err := o.pub.Publish(ctx, domain, value)
		if err == nil {
			return nil
		}
		if try >= o.cfg.PublishRetries {
			return fmt.Errorf("publishing challenge: %w", err)
		}
		o.publishRetries.Inc()
		blog.Warn(ctx, "Publishing challenge failed, retrying", slog.Int("try", try+1), slog.String("error", err.Error()))
		err = o.sleep(ctx, core.RetryBackoff(try+1, time.Second, 30*time.Second, 2))
		if err != nil {
			return err
		}
	}
}

// withdraw removes the challenge record. It runs even when ctx was
// cancelled, bounded by WithdrawTimeout.
func (o *Orchestrator) withdraw(ctx context.Context, domain, value string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.WithdrawTimeout)
	defer cancel()
	err := o.pub.Withdraw(wctx, domain, value)
	if err != nil {
		blog.Error(ctx, "Withdrawing challenge failed", err)
	}
}

// waitPropagation polls the name server until the challenge record is
// visible.
func (o *Orchestrator) waitPropagation(ctx context.Context, domain, value string) error {
	name := core.ChallengeName(domain)
	deadline := o.clk.Now().Add(o.cfg.PropagationTimeout)
	for {
		txts, err := o.dns.LookupTXT(ctx, name)
		if err == nil && slices.Contains(txts, value) {
			return nil
		}
		if err != nil {
			blog.Debug(ctx, "Propagation check failed", slog.String("error", err.Error()))
		}
		if !o.clk.Now().Before(deadline) {
			return berrors.ChallengePublishError("challenge record for %s not visible after %s", domain, o.cfg.PropagationTimeout)
		}
		err = o.sleep(ctx, o.cfg.PollInterval)
		if err != nil {
			return err
		}
	}
}

// poll waits for the authorization to leave pending. It returns pending
// when Patience runs out.
func (o *Orchestrator) poll(ctx context.Context, ch Challenge) (core.AuthzStatus, error) {
	deadline := o.clk.Now().Add(o.cfg.Patience)
	for polls := 1; ; polls++ {
		status, err := o.acme.Status(ctx, ch)
		if err != nil {
			if ctx.Err() != nil {
				return core.AuthzPending, ctx.Err()
			}
			blog.Warn(ctx, "Polling authorization failed", slog.String("error", err.Error()))
		} else if status != core.AuthzPending {
			return status, nil
		}
		if !o.clk.Now().Before(deadline) {
			return core.AuthzPending, nil
		}
		err = o.sleep(ctx, core.RetryBackoff(polls, o.cfg.PollInterval, o.cfg.MaxPoll, o.cfg.PollFactor))
		if err != nil {
			return core.AuthzPending, err
		}
	}
}

// Issue orders a certificate for domains, which must have been authorized.
// If the CA no longer holds valid authorizations for some of them, those
// are authorized again once and the order is retried.
func (o *Orchestrator) Issue(ctx context.Context, domains []string, csr *x509.CertificateRequest) ([][]byte, error) {
	certs, unauthorized, err := o.acme.Finalize(ctx, domains, csr)
	if err != nil {
		return nil, fmt.Errorf("finalizing order: %w", err)
	}
	if len(unauthorized) == 0 {
		return certs, nil
	}

	blog.Warn(ctx, "CA lost authorizations, authorizing again", slog.Any("domains", unauthorized))
	report := o.Authorize(ctx, unauthorized)
	err = report.Err()
	if err != nil {
		return nil, err
	}
	certs, unauthorized, err = o.acme.Finalize(ctx, domains, csr)
	if err != nil {
		return nil, fmt.Errorf("finalizing order: %w", err)
	}
	if len(unauthorized) > 0 {
		return nil, &berrors.AuthorizationError{Domain: unauthorized[0], Reason: "still unauthorized after authorizing again"}
	}
	return certs, nil
}
