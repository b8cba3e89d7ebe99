package mocks

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/jmhodges/clock"

	"github.com/serverpki/serverpki/authz"
	"github.com/serverpki/serverpki/core"
)

// ACME is a scripted ACME CA.
type ACME struct {
	sync.Mutex
	clk clock.Clock

	// Pub, when set, is checked on Accept: the challenge record must be
	// published, or the challenge fails.
	Pub *Publisher
	// Script lists, per domain, the final status of successive orders.
	// Orders beyond the script validate.
	Script map[string][]core.AuthzStatus
	// Valid holds domains the CA has a valid authorization for.
	Valid map[string]bool
	// PendingPolls is the number of Status calls per order that report
	// pending before the final status.
	PendingPolls int
	// Forget lists domains whose authorization the CA drops once, right
	// before the next Finalize.
	Forget map[string]bool
	// AuthorizeErr, when set, fails every Authorize of the domain.
	AuthorizeErr map[string]error

	// Orders counts Authorize calls per domain.
	Orders map[string]int
	// Finalized records the domains of every Finalize call.
	Finalized [][]string

	// CACert and CAKey sign finalized orders.
	CACert   *x509.Certificate
	CAKey    crypto.Signer
	Lifetime time.Duration

	pending map[string]*mockOrder
}

type mockOrder struct {
	domain   string
	value    string
	final    core.AuthzStatus
	polls    int
	accepted bool
}

var _ authz.ACME = (*ACME)(nil)

// NewACME returns a CA signing with caCert and caKey, which may be nil if
// nothing is finalized.
func NewACME(clk clock.Clock, caCert *x509.Certificate, caKey crypto.Signer) *ACME {
	return &ACME{
		clk:          clk,
		Script:       make(map[string][]core.AuthzStatus),
		Valid:        make(map[string]bool),
		Forget:       make(map[string]bool),
		AuthorizeErr: make(map[string]error),
		Orders:       make(map[string]int),
		CACert:       caCert,
		CAKey:        caKey,
		Lifetime:     90 * 24 * time.Hour,
		pending:      make(map[string]*mockOrder),
	}
}

func (m *ACME) Authorize(_ context.Context, domain string) (authz.Challenge, error) {
	m.Lock()
	defer m.Unlock()
	m.Orders[domain]++
	n := m.Orders[domain]
	if err := m.AuthorizeErr[domain]; err != nil {
		return authz.Challenge{}, err
	}
	url := fmt.Sprintf("https://acme.test/authz/%s/%d", domain, n)
	ch := authz.Challenge{
		Domain:       domain,
		Status:       core.AuthzPending,
		OrderURL:     fmt.Sprintf("https://acme.test/order/%s/%d", domain, n),
		AuthzURL:     url,
		ChallengeURL: url + "/dns-01",
		Expires:      m.clk.Now().Add(30 * 24 * time.Hour),
	}
	if m.Valid[domain] {
		ch.Status = core.AuthzValid
		return ch, nil
	}
	final := core.AuthzValid
	if script := m.Script[domain]; n <= len(script) {
		final = script[n-1]
	}
	ch.Value = fmt.Sprintf("token-%s-%d", domain, n)
	m.pending[url] = &mockOrder{domain: domain, value: ch.Value, final: final}
	return ch, nil
}

func (m *ACME) Accept(_ context.Context, ch authz.Challenge) error {
	m.Lock()
	defer m.Unlock()
	o, ok := m.pending[ch.AuthzURL]
	if !ok {
		return fmt.Errorf("no order for %s", ch.AuthzURL)
	}
	if m.Pub != nil && !m.Pub.Has(o.domain, o.value) {
		o.final = core.AuthzInvalid
	}
	o.accepted = true
	return nil
}

func (m *ACME) Status(_ context.Context, ch authz.Challenge) (core.AuthzStatus, error) {
	m.Lock()
	defer m.Unlock()
	o, ok := m.pending[ch.AuthzURL]
	if !ok {
		return "", fmt.Errorf("no order for %s", ch.AuthzURL)
	}
	if !o.accepted {
		return core.AuthzPending, nil
	}
	o.polls++
	if o.polls <= m.PendingPolls || o.final == core.AuthzPending {
		return core.AuthzPending, nil
	}
	if o.final == core.AuthzValid {
		m.Valid[o.domain] = true
	}
	return o.final, nil
}

func (m *ACME) Finalize(_ context.Context, domains []string, csr *x509.CertificateRequest) ([][]byte, []string, error) {
	m.Lock()
	defer m.Unlock()
	m.Finalized = append(m.Finalized, append([]string(nil), domains...))
	var unauthorized []string
	for _, d := range domains {
		if m.Forget[d] {
			delete(m.Forget, d)
			delete(m.Valid, d)
		}
		if !m.Valid[d] {
			unauthorized = append(unauthorized, d)
		}
	}
	if len(unauthorized) > 0 {
		return nil, unauthorized, nil
	}
	if m.CACert == nil || m.CAKey == nil {
		return nil, nil, errors.New("mock CA has no signing key")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}
	now := m.clk.Now().Truncate(time.Second)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domains[0]},
		DNSNames:     domains,
		NotBefore:    now,
		NotAfter:     now.Add(m.Lifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, m.CACert, csr.PublicKey, m.CAKey)
	if err != nil {
		return nil, nil, err
	}
	return [][]byte{der, m.CACert.Raw}, nil, nil
}
