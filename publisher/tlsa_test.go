package publisher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmhodges/clock"

	"github.com/serverpki/serverpki/blog"
	"github.com/serverpki/serverpki/core"
	"github.com/serverpki/serverpki/test"
)

func TestRenderTLSA(t *testing.T) {
	prefixes := []string{"_443._tcp.{}. IN TLSA 3 0 1", "_25._tcp.{}. IN TLSA 3 0 1"}
	got := RenderTLSA(prefixes, "mail.example.com", "AAAA", "BBBB")
	test.AssertEquals(t, string(got),
		"_443._tcp.mail.example.com. IN TLSA 3 0 1 AAAA\n"+
			"_443._tcp.mail.example.com. IN TLSA 3 0 1 BBBB\n"+
			"_25._tcp.mail.example.com. IN TLSA 3 0 1 AAAA\n"+
			"_25._tcp.mail.example.com. IN TLSA 3 0 1 BBBB\n")

	got = RenderTLSA(prefixes[:1], "mail.example.com", "AAAA", "AAAA")
	test.AssertEquals(t, string(got), "_443._tcp.mail.example.com. IN TLSA 3 0 1 AAAA\n")
}

func TestTLSAWrite(t *testing.T) {
	ctx := blog.NewTestContext(t)
	root := makeZones(t, "example.com")
	marker := filepath.Join(root, "reloaded")
	w := NewTLSAWriter(ZoneFileConfig{Root: root, UID: -1, GID: -1, ReloadCommand: "touch " + marker + "-{}"})

	cert := &core.Certificate{
		Name:         "mail.example.com",
		AltNames:     []string{"smtp.example.com", "mail.example.net"},
		TLSAPrefixes: []string{"_25._tcp.{}. IN TLSA 3 0 1"},
	}
	err := w.Write(ctx, cert, "AAAA", "BBBB")
	test.AssertNotError(t, err, "writing TLSA")
	test.AssertFileEquals(t, filepath.Join(root, "example.com", "mail.example.com.tlsa"),
		[]byte("_25._tcp.mail.example.com. IN TLSA 3 0 1 AAAA\n_25._tcp.mail.example.com. IN TLSA 3 0 1 BBBB\n"))
	test.AssertFileEquals(t, filepath.Join(root, "example.com", "smtp.example.com.tlsa"),
		[]byte("_25._tcp.smtp.example.com. IN TLSA 3 0 1 AAAA\n_25._tcp.smtp.example.com. IN TLSA 3 0 1 BBBB\n"))
	_, err = os.Stat(marker + "-example.com")
	test.AssertNotError(t, err, "zone was not reloaded")

	// Unchanged content does not reload.
	test.AssertNotError(t, os.Remove(marker+"-example.com"), "removing marker")
	test.AssertNotError(t, w.Write(ctx, cert, "AAAA", "BBBB"), "rewriting TLSA")
	_, err = os.Stat(marker + "-example.com")
	test.Assert(t, os.IsNotExist(err), "unchanged records should not reload the zone")

	noTLSA := &core.Certificate{Name: "www.example.com"}
	test.AssertNotError(t, w.Write(ctx, noTLSA, "AAAA", ""), "no prefixes is a no-op")
	_, err = os.Stat(filepath.Join(root, "example.com", "www.example.com.tlsa"))
	test.Assert(t, os.IsNotExist(err), "no file should be written without prefixes")
}

func TestTLSAWriteAdvancesSerialOncePerZone(t *testing.T) {
	ctx := blog.NewTestContext(t)
	root := makeZones(t, "example.com", "example.net")
	for _, zone := range []string{"example.com", "example.net"} {
		err := os.WriteFile(filepath.Join(root, zone, zone+".zone"), []byte(testZone), 0o644)
		test.AssertNotError(t, err, "writing zone")
	}
	clk := clock.NewFake()
	clk.Set(time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC))
	w := NewTLSAWriter(ZoneFileConfig{Root: root, UID: -1, GID: -1, ZoneFileName: "{}.zone", Clock: clk})

	cert := &core.Certificate{
		Name:         "mail.example.com",
		AltNames:     []string{"smtp.example.com", "mail.example.net"},
		TLSAPrefixes: []string{"_25._tcp.{}. IN TLSA 3 0 1"},
	}
	test.AssertNotError(t, w.Write(ctx, cert, "AAAA", ""), "writing TLSA")
	for _, zone := range []string{"example.com", "example.net"} {
		content, err := os.ReadFile(filepath.Join(root, zone, zone+".zone"))
		test.AssertNotError(t, err, "reading zone")
		test.AssertContains(t, string(content), "2026101801 ; serial")
	}

	// Unchanged records leave the serial alone.
	test.AssertNotError(t, w.Write(ctx, cert, "AAAA", ""), "rewriting TLSA")
	content, err := os.ReadFile(filepath.Join(root, "example.com", "example.com.zone"))
	test.AssertNotError(t, err, "reading zone")
	test.AssertContains(t, string(content), "2026101801 ; serial")
}
