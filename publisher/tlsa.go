package publisher

import (
	"context"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/serverpki/serverpki/blog"
	"github.com/serverpki/serverpki/core"
	berrors "github.com/serverpki/serverpki/errors"
	"github.com/serverpki/serverpki/fileutil"
)

// TLSAWriter maintains the TLSA records of certificates in per name files
// "<root>/<zone>/<fqdn>.tlsa" that the zone files include.
type TLSAWriter struct {
	cfg ZoneFileConfig
}

// NewTLSAWriter returns a writer using the zone directories below cfg.Root.
// IncludeName is ignored.
func NewTLSAWriter(cfg ZoneFileConfig) *TLSAWriter {
	if cfg.Mode == 0 {
		cfg.Mode = 0o644
	}
	return &TLSAWriter{cfg: cfg}
}

// RenderTLSA returns the records of one name. Every prefix, e.g.
// "_443._tcp.{} IN TLSA 3 0 1", gets one line for the active hash and, when
// given and different, one for the prepublished hash.
func RenderTLSA(prefixes []string, fqdn, active, prepublished string) []byte {
	var b strings.Builder
	for _, prefix := range prefixes {
		owner := strings.ReplaceAll(prefix, "{}", fqdn)
		if active != "" {
			b.WriteString(owner + " " + active + "\n")
		}
		if prepublished != "" && prepublished != active {
			b.WriteString(owner + " " + prepublished + "\n")
		}
	}
	return []byte(b.String())
}

// Write writes the TLSA files of every name of cert. Each zone that changed
// gets its serial advanced and is reloaded once. Names without a zone directory are skipped with a
// warning. A certificate without TLSA prefixes is a no-op.
func (w *TLSAWriter) Write(ctx context.Context, cert *core.Certificate, active, prepublished string) error {
	if len(cert.TLSAPrefixes) == 0 {
		return nil
	}
	var zones []string
	for _, name := range cert.Names() {
		zone, err := FindZoneDir(w.cfg.Root, name)
		if err != nil {
			blog.Warn(ctx, "No zone directory for TLSA records", blog.Cert(cert.Name), blog.Domain(name))
			continue
		}
		path := filepath.Join(w.cfg.Root, zone, name+".tlsa")
		content := RenderTLSA(cert.TLSAPrefixes, name, active, prepublished)
		before, err := fileutil.ReadIfExists(path)
		if err != nil {
			return berrors.ChallengePublishError("reading %s: %s", path, err)
		}
		if string(before) == string(content) {
			continue
		}
		err = fileutil.WriteAtomic(path, content, w.cfg.Mode, w.cfg.UID, w.cfg.GID)
		if err != nil {
			return berrors.ChallengePublishError("writing %s: %s", path, err)
		}
		blog.Info(ctx, "Wrote TLSA records", blog.Cert(cert.Name), slog.String("path", path))
		if !slices.Contains(zones, zone) {
			zones = append(zones, zone)
		}
	}
	for _, zone := range zones {
		err := w.cfg.refreshZone(ctx, zone)
		if err != nil {
			return err
		}
	}
	return nil
}
