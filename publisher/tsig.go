package publisher

import (
	"encoding/base64"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/miekg/dns"
)

// TSIGKey is a shared secret used to sign dynamic updates.
type TSIGKey struct {
	// Name is the fully qualified key name.
	Name string
	// Algorithm is one of the dns.Hmac* constants.
	Algorithm string
	// Secret is base64 encoded.
	Secret string
}

var tsigAlgorithms = map[string]string{
	"hmac-md5":                 dns.HmacMD5,
	"hmac-md5.sig-alg.reg.int": dns.HmacMD5,
	"hmac-sha1":                dns.HmacSHA1,
	"hmac-sha224":              dns.HmacSHA224,
	"hmac-sha256":              dns.HmacSHA256,
	"hmac-sha384":              dns.HmacSHA384,
	"hmac-sha512":              dns.HmacSHA512,
}

var (
	keyClauseRE = regexp.MustCompile(`(?s)key\s+"?([A-Za-z0-9._-]+)"?\s*\{(.*?)\}\s*;`)
	algorithmRE = regexp.MustCompile(`algorithm\s+"?([A-Za-z0-9.-]+)"?\s*;`)
	secretRE    = regexp.MustCompile(`secret\s+"([A-Za-z0-9+/=]+)"\s*;`)
)

// ParseTSIGKey parses the first key clause of a BIND key file, as written by
// tsig-keygen or ddns-confgen:
//
//	key "name" { algorithm hmac-sha256; secret "base64"; };
func ParseTSIGKey(data []byte) (TSIGKey, error) {
	m := keyClauseRE.FindSubmatch(data)
	if m == nil {
		return TSIGKey{}, fmt.Errorf("no key clause found")
	}
	body := m[2]
	alg := algorithmRE.FindSubmatch(body)
	if alg == nil {
		return TSIGKey{}, fmt.Errorf("key %q has no algorithm", m[1])
	}
	algorithm, ok := tsigAlgorithms[strings.ToLower(string(alg[1]))]
	if !ok {
		return TSIGKey{}, fmt.Errorf("key %q has unsupported algorithm %q", m[1], alg[1])
	}
	secret := secretRE.FindSubmatch(body)
	if secret == nil {
		return TSIGKey{}, fmt.Errorf("key %q has no secret", m[1])
	}
	_, err := base64.StdEncoding.DecodeString(string(secret[1]))
	if err != nil {
		return TSIGKey{}, fmt.Errorf("key %q has a malformed secret: %w", m[1], err)
	}
	return TSIGKey{
		Name:      dns.Fqdn(strings.ToLower(string(m[1]))),
		Algorithm: algorithm,
		Secret:    string(secret[1]),
	}, nil
}

// LoadTSIGKey reads a BIND key file.
func LoadTSIGKey(path string) (TSIGKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TSIGKey{}, err
	}
	key, err := ParseTSIGKey(data)
	if err != nil {
		return TSIGKey{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return key, nil
}
