package bdns

import (
	"context"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/miekg/dns"
)

// MockClient is an in-memory Client. TXT maps a fully qualified lower case
// name without trailing dot to its records; Zones lists the zone apexes
// FindZone knows about.
type MockClient struct {
	sync.Mutex
	TXT   map[string][]string
	Zones []string
	// Lookups counts LookupTXT calls per name.
	Lookups map[string]int
}

var _ Client = &MockClient{}

// NewMockClient returns an empty MockClient serving zones.
func NewMockClient(zones ...string) *MockClient {
	return &MockClient{TXT: make(map[string][]string), Zones: zones, Lookups: make(map[string]int)}
}

// SetTXT replaces the records of name.
func (mock *MockClient) SetTXT(name string, values ...string) {
	mock.Lock()
	defer mock.Unlock()
	mock.TXT[strings.ToLower(strings.TrimSuffix(name, "."))] = values
}

// LookupTXT is a mock
func (mock *MockClient) LookupTXT(_ context.Context, hostname string) ([]string, error) {
	mock.Lock()
	defer mock.Unlock()
	name := strings.ToLower(strings.TrimSuffix(hostname, "."))
	mock.Lookups[name]++
	if strings.HasSuffix(name, ".servfail.test") {
		return nil, Error{recordType: dns.TypeTXT, hostname: hostname, rCode: dns.RcodeServerFailure}
	}
	return append([]string(nil), mock.TXT[name]...), nil
}

// FindZone is a mock. It returns the longest configured zone domain is in.
func (mock *MockClient) FindZone(_ context.Context, domain string) (string, error) {
	mock.Lock()
	defer mock.Unlock()
	name := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(domain, "*."), "."))
	best := ""
	for _, z := range mock.Zones {
		if (name == z || strings.HasSuffix(name, "."+z)) && len(z) > len(best) {
			best = z
		}
	}
	if best == "" {
		return "", Error{recordType: dns.TypeSOA, hostname: domain, rCode: dns.RcodeNameError}
	}
	return best, nil
}

// MockTimeoutError returns a a net.OpError for which Timeout() returns true.
func MockTimeoutError() *net.OpError {
	return &net.OpError{
		Err: os.NewSyscallError("ugh timeout", timeoutError{}),
	}
}

type timeoutError struct{}

func (t timeoutError) Error() string {
	return "so sloooow"
}
func (t timeoutError) Timeout() bool {
	return true
}
