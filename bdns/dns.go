// Package bdns answers the two DNS questions the engine asks: which zone a
// domain lives in, and whether a challenge TXT record is visible yet.
package bdns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jmhodges/clock"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/serverpki/serverpki/blog"
)

// Client queries for DNS records
type Client interface {
	LookupTXT(ctx context.Context, hostname string) ([]string, error)
	FindZone(ctx context.Context, domain string) (string, error)
}

type exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, a string) (*dns.Msg, time.Duration, error)
}

// impl represents a client that talks to a list of name servers, usually the
// primary of the zones being updated so no cache sits in between.
type impl struct {
	udp      exchanger
	tcp      exchanger
	servers  []string
	maxTries int
	clk      clock.Clock

	queryTime      *prometheus.HistogramVec
	timeoutCounter *prometheus.CounterVec
}

var _ Client = &impl{}

// New constructs a new DNS client that sends its queries to servers, trying
// the next server on timeouts up to maxTries queries in total.
func New(readTimeout time.Duration, servers []string, stats prometheus.Registerer, clk clock.Clock, maxTries int) (Client, error) {
	if len(servers) == 0 {
		return nil, errors.New("at least one DNS server is required")
	}
	for _, s := range servers {
		err := validateServerAddress(s)
		if err != nil {
			return nil, err
		}
	}
	if maxTries < 1 {
		maxTries = 1
	}

	queryTime := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dns_query_time",
			Help:    "Time taken to perform a DNS query",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"qtype", "result", "resolver"},
	)
	timeoutCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dns_timeout",
			Help: "Counter of various types of DNS query timeouts",
		},
		[]string{"qtype", "type", "resolver"},
	)
	stats.MustRegister(queryTime, timeoutCounter)

	return &impl{
		udp:            &dns.Client{Net: "udp", ReadTimeout: readTimeout},
		tcp:            &dns.Client{Net: "tcp", ReadTimeout: readTimeout},
		servers:        servers,
		maxTries:       maxTries,
		clk:            clk,
		queryTime:      queryTime,
		timeoutCounter: timeoutCounter,
	}, nil
}

// validateServerAddress checks that a server address is host:port with a
// numeric port. Bare ports are rejected.
func validateServerAddress(address string) error {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("invalid DNS server address %q: %w", address, err)
	}
	if host == "" {
		return fmt.Errorf("DNS server address %q has no host", address)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("DNS server address %q has an invalid port", address)
	}
	return nil
}

// exchangeOne performs a DNS exchange, rotating through the server list on
// timeouts. A truncated UDP answer is retried once over TCP against the same
// server.
func (c *impl) exchangeOne(ctx context.Context, hostname string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(hostname), qtype)
	m.SetEdns0(4096, false)

	qtypeStr := dns.TypeToString[qtype]
	for tries := 0; ; tries++ {
		server := c.servers[tries%len(c.servers)]
		resolver, _, _ := net.SplitHostPort(server)

		start := c.clk.Now()
		resp, _, err := c.udp.ExchangeContext(ctx, m, server)
		if err == nil && resp.Truncated {
			resp, _, err = c.tcp.ExchangeContext(ctx, m, server)
		}
		result := "failed"
		if resp != nil {
			result = dns.RcodeToString[resp.Rcode]
		}
		c.queryTime.With(prometheus.Labels{
			"qtype":    qtypeStr,
			"result":   result,
			"resolver": resolver,
		}).Observe(c.clk.Since(start).Seconds())

		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			c.timeoutCounter.With(prometheus.Labels{"qtype": qtypeStr, "type": "canceled", "resolver": resolver}).Inc()
			return nil, ctx.Err()
		}
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			return nil, err
		}
		if tries+1 >= c.maxTries {
			c.timeoutCounter.With(prometheus.Labels{"qtype": qtypeStr, "type": "out of retries", "resolver": resolver}).Inc()
			return nil, err
		}
		blog.Debug(ctx, "DNS query timed out, retrying",
			slog.String("server", server), slog.String("hostname", hostname), slog.String("qtype", qtypeStr))
	}
}

// LookupTXT returns the TXT records of hostname, each with its character
// strings joined. A name without records yields an empty list, not an error.
func (c *impl) LookupTXT(ctx context.Context, hostname string) ([]string, error) {
	r, err := c.exchangeOne(ctx, hostname, dns.TypeTXT)
	if err != nil {
		return nil, wrapErr(dns.TypeTXT, hostname, nil, err)
	}
	if r.Rcode == dns.RcodeNameError {
		return nil, nil
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, wrapErr(dns.TypeTXT, hostname, r, nil)
	}

	var txt []string
	for _, answer := range r.Answer {
		if txtRec, ok := answer.(*dns.TXT); ok {
			txt = append(txt, strings.Join(txtRec.Txt, ""))
		}
	}
	return txt, nil
}

// FindZone returns the name of the zone domain belongs to, without the
// trailing dot. It asks for the SOA of domain and each parent in turn; an
// SOA in the authority section of a negative answer names the zone directly.
func (c *impl) FindZone(ctx context.Context, domain string) (string, error) {
	name := dns.Fqdn(strings.TrimPrefix(strings.ToLower(domain), "*."))
	for {
		r, err := c.exchangeOne(ctx, name, dns.TypeSOA)
		if err != nil {
			return "", wrapErr(dns.TypeSOA, name, nil, err)
		}
		if r.Rcode != dns.RcodeSuccess && r.Rcode != dns.RcodeNameError {
			return "", wrapErr(dns.TypeSOA, name, r, nil)
		}
		for _, rr := range append(r.Answer, r.Ns...) {
			if soa, ok := rr.(*dns.SOA); ok && dns.IsSubDomain(soa.Hdr.Name, name) {
				return strings.TrimSuffix(soa.Hdr.Name, "."), nil
			}
		}
		off, end := dns.NextLabel(name, 0)
		if end {
			return "", fmt.Errorf("no zone found for %s", domain)
		}
		name = name[off:]
	}
}

// wrapErr returns nil when the exchange succeeded with NOERROR, and an Error
// describing the failure otherwise.
func wrapErr(queryType uint16, hostname string, resp *dns.Msg, err error) error {
	if err != nil {
		return Error{recordType: queryType, hostname: hostname, underlying: err, rCode: -1}
	}
	if resp != nil && resp.Rcode != dns.RcodeSuccess {
		return Error{recordType: queryType, hostname: hostname, rCode: resp.Rcode}
	}
	return nil
}
