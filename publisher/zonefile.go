package publisher

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jmhodges/clock"

	"github.com/serverpki/serverpki/blog"
	"github.com/serverpki/serverpki/core"
	berrors "github.com/serverpki/serverpki/errors"
	"github.com/serverpki/serverpki/fileutil"
)

// DefaultIncludeName is the include file challenges are kept in when no
// other name is configured.
const DefaultIncludeName = "acme_challenges.inc"

// ZoneFileConfig describes the zone file layout on the local name server.
type ZoneFileConfig struct {
	// Root holds one directory per zone, named after the zone.
	Root string
	// IncludeName is the file below each zone directory that the zone file
	// includes.
	IncludeName string
	Mode        os.FileMode
	// UID and GID own written files; -1 leaves them unchanged.
	UID, GID int
	// ZoneFileName is the zone file below each zone directory, with "{}"
	// replaced by the zone name. When set, the SOA serial in it is advanced
	// before every reload. Empty leaves zone files alone.
	ZoneFileName string
	// ReloadCommand is run after every change with "{}" replaced by the
	// zone name.
	ReloadCommand string
	// Clock dates new SOA serials. Nil means the wall clock.
	Clock clock.Clock
}

// refreshZone advances the serial of zone and reloads it.
func (c *ZoneFileConfig) refreshZone(ctx context.Context, zone string) error {
	if c.ZoneFileName != "" {
		clk := c.Clock
		if clk == nil {
			clk = clock.New()
		}
		path := filepath.Join(c.Root, zone, strings.ReplaceAll(c.ZoneFileName, "{}", zone))
		serial, err := BumpZoneFileSerial(path, clk.Now(), c.UID, c.GID)
		if err != nil {
			return berrors.ChallengePublishError("updating SOA of zone %s: %s", zone, err)
		}
		blog.Debug(ctx, "Advanced zone serial", slog.String("zone", zone), slog.Uint64("serial", uint64(serial)))
	}
	err := fileutil.RunCommand(ctx, c.ReloadCommand, zone)
	if err != nil {
		return berrors.ChallengePublishError("reloading zone %s: %s", zone, err)
	}
	return nil
}

// ZoneFile publishes challenges by maintaining the include file of each
// zone and reloading the zone.
type ZoneFile struct {
	cfg ZoneFileConfig
	// mu serializes changes; concurrent validations share include files.
	mu sync.Mutex
	// includes tracks, per include file, what the records published by
	// this process changed about it.
	includes map[string]*includeState
}

type includeState struct {
	// existed is whether the file was there before the first record.
	existed bool
	// separated is whether a newline was appended to content that did not
	// end in one.
	separated bool
	records   map[string]bool
}

var _ Publisher = (*ZoneFile)(nil)

// NewZoneFile returns a zone file publisher.
func NewZoneFile(cfg ZoneFileConfig) *ZoneFile {
	if cfg.IncludeName == "" {
		cfg.IncludeName = DefaultIncludeName
	}
	if cfg.Mode == 0 {
		cfg.Mode = 0o644
	}
	return &ZoneFile{cfg: cfg, includes: make(map[string]*includeState)}
}

// challengeLine renders one record of the include file.
func challengeLine(domain, value string) []byte {
	return fmt.Appendf(nil, "%s. 60 IN TXT \"%s\"\n", core.ChallengeName(domain), value)
}

// Publish appends the challenge record to the include file of the zone of
// domain and reloads the zone. A record that is already present is left
// alone.
func (z *ZoneFile) Publish(ctx context.Context, domain, value string) error {
	line := challengeLine(domain, value)
	return z.change(ctx, domain, func(path string, content []byte, existed bool) ([]byte, bool, func()) {
		if containsLine(content, line) {
			return content, false, nil
		}
		out := append([]byte(nil), content...)
		separated := len(out) > 0 && out[len(out)-1] != '\n'
		if separated {
			out = append(out, '\n')
		}
		out = append(out, line...)
		return out, false, func() {
			st := z.includes[path]
			if st == nil {
				st = &includeState{existed: existed, separated: separated, records: make(map[string]bool)}
				z.includes[path] = st
			}
			st.records[string(line)] = true
		}
	})
}

// Withdraw removes the challenge record from the include file. Once the
// last record published here is withdrawn the file is byte for byte what it
// was before, and a file that did not exist is removed.
func (z *ZoneFile) Withdraw(ctx context.Context, domain, value string) error {
	line := challengeLine(domain, value)
	return z.change(ctx, domain, func(path string, content []byte, _ bool) ([]byte, bool, func()) {
		var out []byte
		for _, l := range bytes.SplitAfter(content, []byte("\n")) {
			if !bytes.Equal(l, line) {
				out = append(out, l...)
			}
		}
		st := z.includes[path]
		if st == nil || !st.records[string(line)] {
			return out, false, nil
		}
		last := len(st.records) == 1
		if last && st.separated && bytes.HasSuffix(out, []byte("\n")) {
			out = out[:len(out)-1]
		}
		remove := last && !st.existed && len(out) == 0
		return out, remove, func() {
			delete(st.records, string(line))
			if len(st.records) == 0 {
				delete(z.includes, path)
			}
		}
	})
}

func containsLine(content, line []byte) bool {
	for _, l := range bytes.SplitAfter(content, []byte("\n")) {
		if bytes.Equal(l, line) {
			return true
		}
	}
	return false
}

// change applies edit to the include file of the zone of domain. edit
// returns the new content, whether the file is to be removed instead, and a
// func run once the change is on disk.
func (z *ZoneFile) change(ctx context.Context, domain string, edit func(path string, content []byte, existed bool) ([]byte, bool, func())) error {
	zone, err := FindZoneDir(z.cfg.Root, domain)
	if err != nil {
		return err
	}
	path := filepath.Join(z.cfg.Root, zone, z.cfg.IncludeName)

	z.mu.Lock()
	defer z.mu.Unlock()

	_, err = os.Lstat(path)
	existed := err == nil
	before, err := fileutil.ReadIfExists(path)
	if err != nil {
		return berrors.ChallengePublishError("reading %s: %s", path, err)
	}
	after, remove, done := edit(path, before, existed)
	if remove {
		err = os.Remove(path)
		if err != nil && !os.IsNotExist(err) {
			return berrors.ChallengePublishError("removing %s: %s", path, err)
		}
	} else {
		if bytes.Equal(before, after) {
			if done != nil {
				done()
			}
			return nil
		}
		err = fileutil.WriteAtomic(path, after, z.cfg.Mode, z.cfg.UID, z.cfg.GID)
		if err != nil {
			return berrors.ChallengePublishError("writing %s: %s", path, err)
		}
	}
	if done != nil {
		done()
	}
	err = z.cfg.refreshZone(ctx, zone)
	if err != nil {
		return err
	}
	blog.Debug(ctx, "Updated challenge include file", blog.Domain(domain), slog.String("path", path))
	return nil
}
