package mail_test

import (
	"testing"
	"time"

	"github.com/jmhodges/clock"

	"github.com/serverpki/serverpki/blog"
	"github.com/serverpki/serverpki/core"
	"github.com/serverpki/serverpki/mail"
	"github.com/serverpki/serverpki/mocks"
	"github.com/serverpki/serverpki/test"
)

func setupReminder(t *testing.T) (*mocks.Store, *mocks.Mailer, clock.FakeClock) {
	t.Helper()
	fc := clock.NewFake()
	fc.Set(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	return mocks.NewStore(fc), &mocks.Mailer{}, fc
}

func addActive(store *mocks.Store, cert *core.Certificate, notAfter time.Time) {
	store.AddInstanceFixture(core.CertInstance{
		CertificateID: cert.ID,
		Serial:        "0a",
		NotBefore:     notAfter.Add(-365 * 24 * time.Hour),
		NotAfter:      notAfter,
		KeyAlgorithm:  core.KeyRSA,
		State:         core.StateActive,
	})
}

func TestReminderSendsOnce(t *testing.T) {
	store, mailer, fc := setupReminder(t)
	ctx := blog.NewTestContext(t)
	cert := store.AddCertificateFixture(core.Certificate{
		Name:     "mail.example.com",
		AltNames: []string{"smtp.example.com"},
		Type:     core.CertTypeLocal,
	})
	addActive(store, cert, fc.Now().Add(10*24*time.Hour))

	r := mail.NewReminder(store, mailer, []string{"admin@example.com"}, 30, fc)
	sent, err := r.Run(ctx)
	test.AssertNotError(t, err, "running reminder")
	test.AssertDeepEquals(t, sent, []string{"mail.example.com"})
	test.AssertEquals(t, len(mailer.Messages), 1)
	test.AssertEquals(t, mailer.Messages[0].To, "admin@example.com")
	test.AssertEquals(t, mailer.Messages[0].Subject, "Local certificate mail.example.com expires in 10 days")
	test.AssertContains(t, mailer.Messages[0].Body, "mail.example.com, smtp.example.com")

	stored, err := store.GetCertificate(ctx, cert.ID)
	test.AssertNotError(t, err, "reading certificate")
	test.AssertNotNil(t, stored.AuthorizedUntil, "reminder was not recorded")

	sent, err = r.Run(ctx)
	test.AssertNotError(t, err, "running reminder again")
	test.AssertEquals(t, len(sent), 0)
	test.AssertEquals(t, len(mailer.Messages), 1)
}

func TestReminderSkips(t *testing.T) {
	store, mailer, fc := setupReminder(t)
	ctx := blog.NewTestContext(t)

	far := store.AddCertificateFixture(core.Certificate{Name: "far.example.com", Type: core.CertTypeLocal})
	addActive(store, far, fc.Now().Add(200*24*time.Hour))

	acme := store.AddCertificateFixture(core.Certificate{Name: "acme.example.com", Type: core.CertTypeACME})
	addActive(store, acme, fc.Now().Add(5*24*time.Hour))

	off := store.AddCertificateFixture(core.Certificate{Name: "off.example.com", Type: core.CertTypeLocal, Disabled: true})
	addActive(store, off, fc.Now().Add(5*24*time.Hour))

	store.AddCertificateFixture(core.Certificate{Name: "never.example.com", Type: core.CertTypeLocal})

	sent, err := mail.NewReminder(store, mailer, []string{"admin@example.com"}, 30, fc).Run(ctx)
	test.AssertNotError(t, err, "running reminder")
	test.AssertEquals(t, len(sent), 0)
	test.AssertEquals(t, len(mailer.Messages), 0)
}

func TestReminderFailedMailIsRetried(t *testing.T) {
	store, mailer, fc := setupReminder(t)
	ctx := blog.NewTestContext(t)
	cert := store.AddCertificateFixture(core.Certificate{Name: "mail.example.com", Type: core.CertTypeLocal})
	addActive(store, cert, fc.Now().Add(3*24*time.Hour))

	mailer.Fail = true
	r := mail.NewReminder(store, mailer, []string{"admin@example.com"}, 30, fc)
	sent, err := r.Run(ctx)
	test.AssertNotError(t, err, "a failed mail should not fail the run")
	test.AssertEquals(t, len(sent), 0)
	stored, err := store.GetCertificate(ctx, cert.ID)
	test.AssertNotError(t, err, "reading certificate")
	test.Assert(t, stored.AuthorizedUntil == nil, "failed reminder was recorded")

	mailer.Fail = false
	sent, err = r.Run(ctx)
	test.AssertNotError(t, err, "running reminder")
	test.AssertDeepEquals(t, sent, []string{"mail.example.com"})
}
