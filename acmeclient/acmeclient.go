// Package acmeclient adapts github.com/eggsampler/acme to the narrow ACME
// port of the authz package.
package acmeclient

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"time"

	"github.com/eggsampler/acme/v3"

	"github.com/serverpki/serverpki/authz"
	"github.com/serverpki/serverpki/blog"
	"github.com/serverpki/serverpki/core"
)

// errChallengeUpdateTimeout is what acme.Client.UpdateChallenge returns when
// its own polling gives up. Accept does not wait; the orchestrator polls.
const errChallengeUpdateTimeout = "acme: challenge update timeout"

// Client is an ACME account at one directory.
type Client struct {
	client  acme.Client
	account acme.Account
}

var _ authz.ACME = (*Client)(nil)

// New connects to the ACME directory and loads the account from
// accountFile, registering a new account with contact email when the file
// does not exist yet.
func New(ctx context.Context, directoryURL, accountFile, email string, timeout time.Duration) (*Client, error) {
	c, err := acme.NewClient(directoryURL, acme.WithHTTPTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("connecting to ACME directory %s: %w", directoryURL, err)
	}
	account, err := loadOrRegister(ctx, c, accountFile, email)
	if err != nil {
		return nil, err
	}
	return &Client{client: c, account: account}, nil
}

// statusOf maps an RFC 8555 authorization status onto core.AuthzStatus.
func statusOf(s string) core.AuthzStatus {
	switch s {
	case "valid":
		return core.AuthzValid
	case "invalid", "deactivated", "revoked":
		return core.AuthzInvalid
	case "expired":
		return core.AuthzExpired
	}
	return core.AuthzPending
}

// Authorize creates a fresh single domain order and returns the DNS-01
// challenge of its only authorization.
func (c *Client) Authorize(ctx context.Context, domain string) (authz.Challenge, error) {
	order, err := c.client.NewOrderDomains(c.account, domain)
	if err != nil {
		return authz.Challenge{}, err
	}
	if len(order.Authorizations) != 1 {
		return authz.Challenge{}, fmt.Errorf("order %s has %d authorizations, want 1", order.URL, len(order.Authorizations))
	}
	az, err := c.client.FetchAuthorization(c.account, order.Authorizations[0])
	if err != nil {
		return authz.Challenge{}, err
	}

	ch := authz.Challenge{
		Domain:   domain,
		Status:   statusOf(az.Status),
		OrderURL: order.URL,
		AuthzURL: az.URL,
		Expires:  az.Expires,
	}
	if ch.Status == core.AuthzValid {
		return ch, nil
	}
	chal, ok := az.ChallengeMap[acme.ChallengeTypeDNS01]
	if !ok {
		return authz.Challenge{}, fmt.Errorf("authorization %s offers no %s challenge", az.URL, acme.ChallengeTypeDNS01)
	}
	ch.ChallengeURL = chal.URL
	ch.Value = acme.EncodeDNS01KeyAuthorization(chal.KeyAuthorization)
	blog.Debug(ctx, "Created order", slog.String("order", order.URL), slog.String("authz", az.URL))
	return ch, nil
}

// Accept tells the CA to validate the challenge. A challenge the CA has
// already failed is not an error here: Status then reports the authorization
// invalid and the caller retries with a fresh order.
func (c *Client) Accept(ctx context.Context, ch authz.Challenge) error {
	// Only submit the challenge; the library would otherwise poll itself.
	submit := c.client
	submit.PollTimeout = time.Nanosecond
	updated, err := submit.UpdateChallenge(c.account, acme.Challenge{
		Type:             acme.ChallengeTypeDNS01,
		URL:              ch.ChallengeURL,
		AuthorizationURL: ch.AuthzURL,
	})
	switch {
	case err == nil:
	case updated.Status == "invalid":
		blog.Warn(ctx, "Challenge is already invalid", blog.Domain(ch.Domain), slog.Any("err", err))
	case err.Error() != errChallengeUpdateTimeout:
		return err
	}
	return nil
}

// Status fetches the authorization of the challenge.
func (c *Client) Status(ctx context.Context, ch authz.Challenge) (core.AuthzStatus, error) {
	az, err := c.client.FetchAuthorization(c.account, ch.AuthzURL)
	if err != nil {
		return core.AuthzPending, err
	}
	return statusOf(az.Status), nil
}

// Finalize orders a certificate for domains. Authorizations the CA does not
// consider valid are returned, and nothing is finalized.
func (c *Client) Finalize(ctx context.Context, domains []string, csr *x509.CertificateRequest) ([][]byte, []string, error) {
	order, err := c.client.NewOrderDomains(c.account, domains...)
	if err != nil {
		return nil, nil, err
	}
	var unauthorized []string
	for _, url := range order.Authorizations {
		az, err := c.client.FetchAuthorization(c.account, url)
		if err != nil {
			return nil, nil, err
		}
		if statusOf(az.Status) != core.AuthzValid {
			unauthorized = append(unauthorized, az.Identifier.Value)
		}
	}
	if len(unauthorized) > 0 {
		return nil, unauthorized, nil
	}

	order, err = c.client.FinalizeOrder(c.account, order, csr)
	if err != nil {
		return nil, nil, err
	}
	certs, err := c.client.FetchCertificates(c.account, order.Certificate)
	if err != nil {
		return nil, nil, err
	}
	ders := make([][]byte, 0, len(certs))
	for _, cert := range certs {
		ders = append(ders, cert.Raw)
	}
	blog.Info(ctx, "Certificate issued", slog.String("order", order.URL), slog.Int("chain", len(ders)))
	return ders, nil, nil
}
