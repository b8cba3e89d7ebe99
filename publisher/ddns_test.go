package publisher

import (
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/miekg/dns"

	"github.com/serverpki/serverpki/bdns"
	"github.com/serverpki/serverpki/blog"
	berrors "github.com/serverpki/serverpki/errors"
	"github.com/serverpki/serverpki/test"
)

const testKeyFile = `# generated by tsig-keygen
key "acme-update" {
	algorithm hmac-sha256;
	secret "c2VydmVycGtpLXRlc3Qtc2VjcmV0LTAxMjM0NTY3ODk=";
};
`

func TestParseTSIGKey(t *testing.T) {
	key, err := ParseTSIGKey([]byte(testKeyFile))
	test.AssertNotError(t, err, "parsing key file")
	test.AssertEquals(t, key.Name, "acme-update.")
	test.AssertEquals(t, key.Algorithm, dns.HmacSHA256)
	test.AssertEquals(t, key.Secret, "c2VydmVycGtpLXRlc3Qtc2VjcmV0LTAxMjM0NTY3ODk=")

	for _, bad := range []string{
		"",
		`key "k" { secret "c2VjcmV0"; };`,
		`key "k" { algorithm hmac-rot13; secret "c2VjcmV0"; };`,
		`key "k" { algorithm hmac-sha256; };`,
	} {
		_, err := ParseTSIGKey([]byte(bad))
		test.AssertError(t, err, "parsing "+bad)
	}

	path := filepath.Join(t.TempDir(), "ddns.key")
	test.AssertNotError(t, os.WriteFile(path, []byte(testKeyFile), 0o600), "writing key file")
	loaded, err := LoadTSIGKey(path)
	test.AssertNotError(t, err, "loading key file")
	test.AssertEquals(t, loaded, key)
}

// updateServer is a primary name server accepting TSIG signed updates for
// example.com. It keeps the TXT values per owner name.
type updateServer struct {
	sync.Mutex
	txt  map[string][]string
	addr string
}

func newUpdateServer(t *testing.T, key TSIGKey) *updateServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	test.AssertNotError(t, err, "listening")
	us := &updateServer{txt: make(map[string][]string), addr: l.Addr().String()}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if r.IsTsig() == nil || w.TsigStatus() != nil {
			m.Rcode = dns.RcodeNotAuth
			_ = w.WriteMsg(m)
			return
		}
		if r.Opcode != dns.OpcodeUpdate || r.Question[0].Name != "example.com." {
			m.Rcode = dns.RcodeNotZone
		} else {
			us.apply(r.Ns)
		}
		m.SetTsig(key.Name, key.Algorithm, 300, time.Now().Unix())
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	server := &dns.Server{
		Listener:          l,
		Handler:           mux,
		TsigSecret:        map[string]string{key.Name: key.Secret},
		NotifyStartedFunc: func() { close(started) },
		// The default accept func refuses UPDATE messages.
		MsgAcceptFunc:     func(dns.Header) dns.MsgAcceptAction { return dns.MsgAccept },
	}
	go func() { _ = server.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = server.Shutdown() })
	return us
}

func (us *updateServer) apply(rrs []dns.RR) {
	us.Lock()
	defer us.Unlock()
	for _, rr := range rrs {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		name := txt.Hdr.Name
		value := txt.Txt[0]
		switch txt.Hdr.Class {
		case dns.ClassINET:
			if !slices.Contains(us.txt[name], value) {
				us.txt[name] = append(us.txt[name], value)
			}
		case dns.ClassNONE:
			us.txt[name] = slices.DeleteFunc(us.txt[name], func(v string) bool { return v == value })
		}
	}
}

func (us *updateServer) values(name string) []string {
	us.Lock()
	defer us.Unlock()
	return append([]string(nil), us.txt[name]...)
}

func TestDDNSPublishWithdraw(t *testing.T) {
	ctx := blog.NewTestContext(t)
	key, err := ParseTSIGKey([]byte(testKeyFile))
	test.AssertNotError(t, err, "parsing key file")
	us := newUpdateServer(t, key)

	d := NewDDNS(us.addr, key, bdns.NewMockClient("example.com"), 5*time.Second, clock.New())
	owner := "_acme-challenge.www.example.com."

	test.AssertNotError(t, d.Publish(ctx, "www.example.com", "one"), "publishing one")
	test.AssertNotError(t, d.Publish(ctx, "www.example.com", "two"), "publishing two")
	test.AssertNotError(t, d.Publish(ctx, "www.example.com", "two"), "publishing two again")
	test.AssertDeepEquals(t, us.values(owner), []string{"one", "two"})

	test.AssertNotError(t, d.Withdraw(ctx, "www.example.com", "one"), "withdrawing one")
	test.AssertDeepEquals(t, us.values(owner), []string{"two"})
	test.AssertNotError(t, d.Withdraw(ctx, "www.example.com", "one"), "withdrawing one again")

	err = d.Publish(ctx, "www.example.org", "x")
	test.AssertError(t, err, "publishing outside every known zone should fail")
	test.Assert(t, berrors.Is(err, berrors.ChallengePublish), "expected a ChallengePublish error")
}

func TestDDNSWrongKey(t *testing.T) {
	ctx := blog.NewTestContext(t)
	key, err := ParseTSIGKey([]byte(testKeyFile))
	test.AssertNotError(t, err, "parsing key file")
	us := newUpdateServer(t, key)

	wrong := key
	wrong.Secret = "d3Jvbmctc2VjcmV0LXdyb25nLXNlY3JldC13cm9uZw=="
	d := NewDDNS(us.addr, wrong, bdns.NewMockClient("example.com"), 5*time.Second, clock.New())
	err = d.Publish(ctx, "www.example.com", "one")
	test.AssertError(t, err, "an update signed with the wrong key should fail")
	test.Assert(t, berrors.Is(err, berrors.ChallengePublish), "expected a ChallengePublish error")
	test.AssertEquals(t, len(us.values("_acme-challenge.www.example.com.")), 0)
}
