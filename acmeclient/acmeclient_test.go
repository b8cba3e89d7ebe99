package acmeclient

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eggsampler/acme/v3"

	"github.com/serverpki/serverpki/authz"
	"github.com/serverpki/serverpki/blog"
	"github.com/serverpki/serverpki/core"
	"github.com/serverpki/serverpki/test"
)

func TestStatusOf(t *testing.T) {
	for in, want := range map[string]core.AuthzStatus{
		"pending":     core.AuthzPending,
		"processing":  core.AuthzPending,
		"valid":       core.AuthzValid,
		"invalid":     core.AuthzInvalid,
		"deactivated": core.AuthzInvalid,
		"revoked":     core.AuthzInvalid,
		"expired":     core.AuthzExpired,
		"":            core.AuthzPending,
	} {
		test.AssertEquals(t, statusOf(in), want)
	}
}

func TestAccountFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "account.json")

	_, _, err := readAccount(path)
	test.Assert(t, errors.Is(err, os.ErrNotExist), "missing file should be ErrNotExist")

	key, jwk, err := newAccountKey()
	test.AssertNotError(t, err, "generating key")
	err = writeAccount(path, &accountFile{URL: "https://acme.test/acct/1", Contact: []string{"mailto:pki@example.com"}, Key: jwk})
	test.AssertNotError(t, err, "writing account")
	test.AssertFileMode(t, path, 0o600)

	af, signer, err := readAccount(path)
	test.AssertNotError(t, err, "reading account")
	test.AssertEquals(t, af.URL, "https://acme.test/acct/1")
	test.AssertDeepEquals(t, af.Contact, []string{"mailto:pki@example.com"})
	loaded, ok := signer.(*ecdsa.PrivateKey)
	test.Assert(t, ok, "expected an ECDSA key")
	test.Assert(t, loaded.Equal(key), "loaded key differs")
}

func TestReadAccountRejectsPublicKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "account.json")
	key, jwk, err := newAccountKey()
	test.AssertNotError(t, err, "generating key")
	jwk.Key = key.Public()
	test.AssertNotError(t, writeAccount(path, &accountFile{URL: "u", Key: jwk}), "writing account")

	_, _, err = readAccount(path)
	test.AssertError(t, err, "a public key cannot sign requests")

	test.AssertNotError(t, os.WriteFile(path, []byte("{not json"), 0o600), "writing garbage")
	_, _, err = readAccount(path)
	test.AssertError(t, err, "garbage should not parse")
}

// challengeServer is an ACME server whose dns-01 challenge answers with the
// given status code and body.
func challengeServer(t *testing.T, code int, challenge string) *Client {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	nonce := func(w http.ResponseWriter) { w.Header().Set("Replay-Nonce", "bm9uY2U") }
	mux.HandleFunc("/dir", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"newNonce": %q, "newAccount": %q, "newOrder": %q}`, srv.URL+"/nonce", srv.URL+"/acct", srv.URL+"/order")
	})
	mux.HandleFunc("/nonce", func(w http.ResponseWriter, r *http.Request) {
		nonce(w)
	})
	mux.HandleFunc("/chall/1", func(w http.ResponseWriter, r *http.Request) {
		nonce(w)
		if code != http.StatusOK {
			w.Header().Set("Content-Type", "application/problem+json")
		}
		w.WriteHeader(code)
		fmt.Fprint(w, challenge)
	})
	mux.HandleFunc("/authz/1", func(w http.ResponseWriter, r *http.Request) {
		nonce(w)
		fmt.Fprintf(w, `{"status": "invalid", "identifier": {"type": "dns", "value": "www.example.com"}, "challenges": [%s]}`, challenge)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := acme.NewClient(srv.URL + "/dir")
	test.AssertNotError(t, err, "connecting to directory")
	key, _, err := newAccountKey()
	test.AssertNotError(t, err, "generating key")
	return &Client{client: c, account: acme.Account{URL: srv.URL + "/acct/1", PrivateKey: key}}
}

func TestAcceptInvalidChallenge(t *testing.T) {
	ctx := blog.NewTestContext(t)
	c := challengeServer(t, http.StatusOK, `{"type": "dns-01", "status": "invalid", "token": "tok",
		"error": {"type": "urn:ietf:params:acme:error:unauthorized", "detail": "no TXT record found"}}`)
	base := strings.TrimSuffix(c.client.Directory().URL, "/dir")
	ch := authz.Challenge{Domain: "www.example.com", ChallengeURL: base + "/chall/1", AuthzURL: base + "/authz/1"}

	err := c.Accept(ctx, ch)
	test.AssertNotError(t, err, "an already invalid challenge is reported through Status")
	status, err := c.Status(ctx, ch)
	test.AssertNotError(t, err, "fetching status")
	test.AssertEquals(t, status, core.AuthzInvalid)
}

func TestAcceptRejected(t *testing.T) {
	ctx := blog.NewTestContext(t)
	c := challengeServer(t, http.StatusForbidden, `{"type": "urn:ietf:params:acme:error:unauthorized", "detail": "account is deactivated", "status": 403}`)
	base := strings.TrimSuffix(c.client.Directory().URL, "/dir")
	err := c.Accept(ctx, authz.Challenge{Domain: "www.example.com", ChallengeURL: base + "/chall/1", AuthzURL: base + "/authz/1"})
	test.AssertError(t, err, "a refused challenge update should fail")
	test.AssertContains(t, err.Error(), "account is deactivated")
}
