package core

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"math/big"
	"testing"
	"time"

	"github.com/serverpki/serverpki/test"
)

func TestSerialToString(t *testing.T) {
	serial := SerialToString(big.NewInt(255))
	test.AssertEquals(t, serial, "0000000000000000000000000000000000ff")
}

func TestTLSAHash(t *testing.T) {
	// sha256("") is a well known constant.
	test.AssertEquals(t, TLSAHash(nil), "E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855")
}

func TestPublicKeysEqual(t *testing.T) {
	k1, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating key")
	k2, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating key")

	equal, err := PublicKeysEqual(k1.Public(), k1.Public())
	test.AssertNotError(t, err, "comparing keys")
	test.Assert(t, equal, "same key should be equal")

	equal, err = PublicKeysEqual(k1.Public(), k2.Public())
	test.AssertNotError(t, err, "comparing keys")
	test.Assert(t, !equal, "different keys should not be equal")
}

func TestUniqueLowerNames(t *testing.T) {
	u := UniqueLowerNames([]string{"foobar.com", "fooBAR.com", "baz.com.", "foobar.com", "bar.com", " bar.com", ""})
	test.AssertDeepEquals(t, u, []string{"bar.com", "baz.com", "foobar.com"})
}

func TestChallengeName(t *testing.T) {
	test.AssertEquals(t, ChallengeName("WWW.Example.com."), "_acme-challenge.www.example.com")
	test.AssertEquals(t, ChallengeName("*.example.com"), "_acme-challenge.example.com")
}

func TestCertificateNames(t *testing.T) {
	c := Certificate{Name: "www.example.com", AltNames: []string{"Example.com", "www.example.com."}}
	test.AssertDeepEquals(t, c.Names(), []string{"example.com", "www.example.com"})
}

func TestKeyAlgorithms(t *testing.T) {
	test.AssertDeepEquals(t, AlgorithmRSAPlusEC.KeyAlgorithms(), []KeyAlgorithm{KeyRSA, KeyEC})
	test.AssertDeepEquals(t, AlgorithmEC.KeyAlgorithms(), []KeyAlgorithm{KeyEC})
	test.AssertEquals(t, len(Algorithm("dsa").KeyAlgorithms()), 0)
}

func TestRemainingDays(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ci := CertInstance{NotAfter: now.Add(10*24*time.Hour + time.Hour)}
	test.AssertEquals(t, ci.RemainingDays(now), 10)
}

func TestRetryBackoff(t *testing.T) {
	assertBetween := func(a, b, c float64) {
		t.Helper()
		if a < b || a > c {
			t.Fatalf("%f is not between %f and %f", a, b, c)
		}
	}

	factor := 1.5
	base := 2 * time.Second
	max := 30 * time.Second

	backoff := RetryBackoff(0, base, max, factor)
	assertBetween(float64(backoff), 0, 0)

	expected := base
	backoff = RetryBackoff(1, base, max, factor)
	assertBetween(float64(backoff), float64(expected)*0.8, float64(expected)*1.2)

	expected = 3 * time.Second
	backoff = RetryBackoff(2, base, max, factor)
	assertBetween(float64(backoff), float64(expected)*0.8, float64(expected)*1.2)

	expected = max
	// should be truncated
	backoff = RetryBackoff(20, base, max, factor)
	assertBetween(float64(backoff), float64(expected)*0.8, float64(expected)*1.2)
}
