package bdns

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// Error wraps a DNS error with the query it belongs to.
type Error struct {
	recordType uint16
	hostname   string
	// Exactly one of rCode or underlying should be set.
	underlying error
	rCode      int
}

func (d Error) Unwrap() error {
	return d.underlying
}

func (d Error) Error() string {
	var detail, additional string
	if d.underlying != nil {
		switch {
		case d.Timeout():
			detail = detailDNSTimeout
		case isNetError(d.underlying):
			detail = detailDNSNetFailure
		default:
			detail = detailServerFailure
		}
	} else if d.rCode != dns.RcodeSuccess {
		detail = dns.RcodeToString[d.rCode]
		if explanation, ok := rcodeExplanations[d.rCode]; ok {
			additional = " - " + explanation
		}
	} else {
		detail = detailServerFailure
	}
	return fmt.Sprintf("DNS problem: %s looking up %s for %s%s", detail,
		dns.TypeToString[d.recordType], d.hostname, additional)
}

// Timeout returns true if the underlying error was a timeout
func (d Error) Timeout() bool {
	if errors.Is(d.underlying, context.Canceled) || errors.Is(d.underlying, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(d.underlying, &netErr) && netErr.Timeout()
}

func isNetError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

const detailDNSTimeout = "query timed out"
const detailDNSNetFailure = "networking error"
const detailServerFailure = "server failure at resolver"

// rcodeExplanations provide additional friendly explanatory text to be
// included in DNS error messages, for select inscrutable RCODEs.
var rcodeExplanations = map[int]string{
	dns.RcodeNameError:     "check that the zone exists on the configured name server",
	dns.RcodeServerFailure: "the name server may be malfunctioning",
	dns.RcodeRefused:       "the name server does not serve this zone to us",
}
