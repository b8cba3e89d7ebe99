// Package publisher makes DNS-01 challenge records visible in DNS and takes
// them away again. Two strategies exist: dynamic updates sent to the primary
// name server, and an include file next to locally maintained zone files.
package publisher

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/weppos/publicsuffix-go/publicsuffix"

	"github.com/serverpki/serverpki/core"
	berrors "github.com/serverpki/serverpki/errors"
)

// Publisher publishes and withdraws the TXT record "_acme-challenge.<domain>"
// with the given value. Both operations are idempotent: publishing a record
// that exists and withdrawing one that does not are no-ops. Failures are
// ChallengePublish errors.
type Publisher interface {
	Publish(ctx context.Context, domain, value string) error
	Withdraw(ctx context.Context, domain, value string) error
}

// Method names, as configured in leZoneUpdateMethod.
const (
	MethodDDNS     = "ddns"
	MethodZoneFile = "zone_file"
)

// registrableDomain returns the shortest name below the public suffix that
// name belongs to, or name itself if it has none.
func registrableDomain(name string) string {
	d, err := publicsuffix.DomainFromListWithOptions(publicsuffix.DefaultList, name,
		&publicsuffix.FindOptions{IgnorePrivate: true, DefaultRule: publicsuffix.DefaultRule})
	if err != nil || d == "" {
		return name
	}
	return d
}

// FindZoneDir returns the zone of domain that has a directory below root.
// The most specific suffix wins, and no suffix shorter than the registrable
// domain is tried.
func FindZoneDir(root, domain string) (string, error) {
	name := strings.TrimPrefix(core.NormalizeDomain(domain), "*.")
	bound := registrableDomain(name)
	for candidate := name; ; {
		fi, err := os.Stat(filepath.Join(root, candidate))
		if err == nil && fi.IsDir() {
			return candidate, nil
		}
		if candidate == bound {
			break
		}
		_, parent, ok := strings.Cut(candidate, ".")
		if !ok {
			break
		}
		candidate = parent
	}
	return "", berrors.ChallengePublishError("no zone directory for %s below %s", domain, root)
}
