package scheduler

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/serverpki/serverpki/blog"
	"github.com/serverpki/serverpki/core"
	"github.com/serverpki/serverpki/mocks"
	"github.com/serverpki/serverpki/test"
	"github.com/serverpki/serverpki/tracker"
)

const day = 24 * time.Hour

func setup(t *testing.T) (context.Context, clock.FakeClock, *mocks.Store, *Scheduler) {
	t.Helper()
	fc := clock.NewFake()
	fc.Set(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	store := mocks.NewStore(fc)
	tr := tracker.New(store, 0, prometheus.NewRegistry(), fc)
	return blog.NewTestContext(t), fc, store, New(tr)
}

func withActive(store *mocks.Store, fc clock.Clock, name string, certType core.CertType, disabled bool, left time.Duration) {
	cert := store.AddCertificateFixture(core.Certificate{Name: name, Type: certType, Algorithm: core.AlgorithmEC, Disabled: disabled})
	store.AddInstanceFixture(core.CertInstance{
		CertificateID: cert.ID,
		KeyAlgorithm:  core.KeyEC,
		State:         core.StateActive,
		NotAfter:      fc.Now().Add(left),
	})
}

func names(cands []tracker.Candidate) []string {
	var out []string
	for _, c := range cands {
		out = append(out, c.Certificate.Name)
	}
	return out
}

func TestPlanOrdersByUrgency(t *testing.T) {
	ctx, fc, store, s := setup(t)
	withActive(store, fc, "in25.example.com", core.CertTypeACME, false, 25*day)
	withActive(store, fc, "in10.example.com", core.CertTypeACME, false, 10*day)
	withActive(store, fc, "in90.example.com", core.CertTypeLocal, false, 90*day)
	store.AddCertificateFixture(core.Certificate{Name: "fresh.example.com", Type: core.CertTypeLocal, Algorithm: core.AlgorithmEC})

	plan, err := s.Plan(ctx, 30)
	test.AssertNotError(t, err, "planning")
	test.AssertDeepEquals(t, names(plan), []string{"fresh.example.com", "in10.example.com", "in25.example.com"})
}

func TestPlanNeverIncludesDisabled(t *testing.T) {
	ctx, fc, store, s := setup(t)
	withActive(store, fc, "expired.example.com", core.CertTypeLocal, true, -5*day)
	withActive(store, fc, "soon.example.com", core.CertTypeLocal, true, day)
	store.AddCertificateFixture(core.Certificate{Name: "never.example.com", Algorithm: core.AlgorithmEC, Disabled: true})

	for _, threshold := range []int{0, 30, 10000} {
		plan, err := s.Plan(ctx, threshold)
		test.AssertNotError(t, err, "planning")
		test.AssertEquals(t, len(plan), 0)
	}
}

func TestOfType(t *testing.T) {
	ctx, fc, store, s := setup(t)
	withActive(store, fc, "acme.example.com", core.CertTypeACME, false, day)
	withActive(store, fc, "local.example.com", core.CertTypeLocal, false, 2*day)

	plan, err := s.Plan(ctx, 30)
	test.AssertNotError(t, err, "planning")
	test.AssertDeepEquals(t, names(OfType(plan, core.CertTypeLocal)), []string{"local.example.com"})
	test.AssertDeepEquals(t, names(OfType(plan, core.CertTypeACME)), []string{"acme.example.com"})
}

func TestReport(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	rows := []Row{
		{Name: "fresh.example.com", Action: "issued"},
		{Name: "db.example.com", CA: "Internal CA 2026", Expiry: now.Add(10 * day), Action: "prepublished"},
	}
	var buf bytes.Buffer
	err := Report(&buf, rows, now)
	test.AssertNotError(t, err, "rendering")

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	test.AssertEquals(t, len(lines), 3)
	test.AssertEquals(t, strings.Fields(lines[0])[0], "CERTIFICATE")
	test.AssertDeepEquals(t, strings.Fields(lines[1]), []string{"fresh.example.com", "-", "-", "-", "issued"})
	test.AssertContains(t, lines[2], "2026-06-11")
	test.AssertContains(t, lines[2], " 10 ")
	// Columns line up.
	test.AssertEquals(t, strings.Index(lines[1], "-"), strings.Index(lines[2], "Internal"))
}
