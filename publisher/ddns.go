package publisher

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmhodges/clock"
	"github.com/miekg/dns"

	"github.com/serverpki/serverpki/blog"
	"github.com/serverpki/serverpki/core"
	berrors "github.com/serverpki/serverpki/errors"
)

// zoneFinder names the zone a domain belongs to. bdns.Client satisfies it.
type zoneFinder interface {
	FindZone(ctx context.Context, domain string) (string, error)
}

// DDNS publishes challenges with RFC 2136 updates signed with a TSIG key.
type DDNS struct {
	server string
	key    TSIGKey
	zones  zoneFinder
	client *dns.Client
	ttl    uint32
	clk    clock.Clock
}

var _ Publisher = (*DDNS)(nil)

// NewDDNS returns a DDNS publisher sending updates to server (host:port).
func NewDDNS(server string, key TSIGKey, zones zoneFinder, timeout time.Duration, clk clock.Clock) *DDNS {
	return &DDNS{
		server: server,
		key:    key,
		zones:  zones,
		client: &dns.Client{
			Net:        "tcp",
			Timeout:    timeout,
			TsigSecret: map[string]string{key.Name: key.Secret},
		},
		ttl: 60,
		clk: clk,
	}
}

func (d *DDNS) record(domain, value string) dns.RR {
	return &dns.TXT{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(core.ChallengeName(domain)),
			Rrtype: dns.TypeTXT,
			Class:  dns.ClassINET,
			Ttl:    d.ttl,
		},
		Txt: []string{value},
	}
}

// Publish adds the challenge record. Adding an existing record is a no-op on
// the server.
func (d *DDNS) Publish(ctx context.Context, domain, value string) error {
	return d.update(ctx, domain, func(m *dns.Msg, rr dns.RR) { m.Insert([]dns.RR{rr}) }, "publish", value)
}

// Withdraw deletes exactly the challenge record with value. Other values at
// the same name, such as a concurrent validation of the same domain, stay.
func (d *DDNS) Withdraw(ctx context.Context, domain, value string) error {
	return d.update(ctx, domain, func(m *dns.Msg, rr dns.RR) { m.Remove([]dns.RR{rr}) }, "withdraw", value)
}

func (d *DDNS) update(ctx context.Context, domain string, op func(*dns.Msg, dns.RR), what, value string) error {
	zone, err := d.zones.FindZone(ctx, domain)
	if err != nil {
		return berrors.ChallengePublishError("finding zone of %s: %s", domain, err)
	}

	m := new(dns.Msg)
	m.SetUpdate(dns.Fqdn(zone))
	op(m, d.record(domain, value))
	m.SetTsig(d.key.Name, d.key.Algorithm, 300, d.clk.Now().Unix())

	resp, _, err := d.client.ExchangeContext(ctx, m, d.server)
	if err != nil {
		return berrors.ChallengePublishError("sending %s update for %s to %s: %s", what, domain, d.server, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return berrors.ChallengePublishError("%s update for %s refused by %s: %s",
			what, domain, d.server, dns.RcodeToString[resp.Rcode])
	}
	blog.Debug(ctx, "Sent dynamic update", blog.Domain(domain),
		slog.String("op", what), slog.String("zone", zone), slog.String("server", d.server))
	return nil
}
