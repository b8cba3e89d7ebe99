package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/serverpki/serverpki/blog"
	"github.com/serverpki/serverpki/cmd"
	"github.com/serverpki/serverpki/config"
	"github.com/serverpki/serverpki/lock"
	"github.com/serverpki/serverpki/publisher"
	"github.com/serverpki/serverpki/test"
)

func testEnv(t *testing.T) *Env {
	t.Helper()
	c := &cmd.PKIConfig{}
	c.ServerPKI.Misc.LEZoneUpdateMethod = "zone_file"
	return &Env{
		Config: c,
		Stats:  prometheus.NewRegistry(),
		Clock:  clock.NewFake(),
	}
}

func TestProfile(t *testing.T) {
	e := testEnv(t)
	e.Config.ServerPKI.X509Atts.Lifetime = config.Duration{Duration: 90 * 24 * time.Hour}
	e.Config.ServerPKI.X509Atts.Names.C = "DE"
	_, err := e.Profile()
	test.AssertNotError(t, err, "building profile")

	e.Config.ServerPKI.X509Atts.Lifetime = config.Duration{Duration: time.Minute}
	_, err = e.Profile()
	test.AssertError(t, err, "a lifetime below one hour should be rejected")
}

func TestTLSAWriter(t *testing.T) {
	e := testEnv(t)
	w, err := e.TLSAWriter()
	test.AssertNotError(t, err, "no roots configured")
	test.Assert(t, w == nil, "no writer without a root")

	e.Config.ServerPKI.Pathes.ZoneFileRoot = t.TempDir()
	w, err = e.TLSAWriter()
	test.AssertNotError(t, err, "zone file root")
	test.AssertNotNil(t, w, "writer with a zone file root")

	e.Config.ServerPKI.Misc.ZoneFileMode = "abc"
	_, err = e.TLSAWriter()
	test.AssertError(t, err, "a bad mode should be rejected")
}

func TestChallengePublisher(t *testing.T) {
	e := testEnv(t)
	e.Config.ServerPKI.Pathes.ZoneFileRoot = t.TempDir()
	pub, err := e.challengePublisher()
	test.AssertNotError(t, err, "zone_file publisher")
	_, ok := pub.(*publisher.ZoneFile)
	test.Assert(t, ok, "zone_file should select the zone file publisher")

	e.Config.ServerPKI.Misc.LEZoneUpdateMethod = "ddns"
	_, err = e.challengePublisher()
	test.AssertError(t, err, "ddns without a server")

	e.Config.ServerPKI.Misc.LEZoneUpdateMethod = "http"
	_, err = e.challengePublisher()
	test.AssertError(t, err, "unknown method")
}

func TestAuthorizerNeedsServer(t *testing.T) {
	e := testEnv(t)
	_, _, err := e.Authorizer(blog.NewTestContext(t))
	test.AssertError(t, err, "no ACME server configured")
}

func TestReminder(t *testing.T) {
	e := testEnv(t)
	r, err := e.Reminder()
	test.AssertNotError(t, err, "no smtp section")
	test.Assert(t, r == nil, "no reminder without smtp")

	pwFile := filepath.Join(t.TempDir(), "smtp_pass")
	test.AssertNotError(t, os.WriteFile(pwFile, []byte("hunter2\n"), 0o600), "writing password")
	e.Config.ServerPKI.SMTP = &cmd.SMTPConfig{
		PasswordConfig: cmd.PasswordConfig{PasswordFile: pwFile},
		Server:         "smtp.example.com",
		Port:           "587",
		Username:       "pki",
		From:           "serverpki <pki@example.com>",
		To:             []string{"hostmaster@example.com"},
	}
	r, err = e.Reminder()
	test.AssertNotError(t, err, "zero days disables the reminder")
	test.Assert(t, r == nil, "no reminder without localIssueMailDays")

	e.Config.ServerPKI.Misc.LocalIssueMailDays = 14
	r, err = e.Reminder()
	test.AssertNotError(t, err, "building reminder")
	test.AssertNotNil(t, r, "reminder")

	e.Stats = prometheus.NewRegistry()
	e.Config.ServerPKI.SMTP.From = "not an address"
	_, err = e.Reminder()
	test.AssertError(t, err, "a bad from address should be rejected")
}

func TestDistributor(t *testing.T) {
	ctx := blog.NewTestContext(t)
	e := testEnv(t)
	d, err := e.Distributor(ctx)
	test.AssertNotError(t, err, "without s3")
	test.AssertNotNil(t, d, "distributor")

	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	e.Stats = prometheus.NewRegistry()
	e.Config.ServerPKI.Misc.S3 = &cmd.S3Config{Region: "eu-central-1", Endpoint: "http://127.0.0.1:9000", UsePathStyle: true}
	d, err = e.Distributor(ctx)
	test.AssertNotError(t, err, "with s3")
	test.AssertNotNil(t, d, "distributor")
}

func TestLockerRedis(t *testing.T) {
	e := testEnv(t)
	e.Config.ServerPKI.Misc.LockRedis = &cmd.RedisConfig{Addr: "127.0.0.1:6379"}
	l, err := e.Locker()
	test.AssertNotError(t, err, "redis locker")
	_, ok := l.(*lock.Redis)
	test.Assert(t, ok, "lockRedis should select the redis lock")

	e.Config.ServerPKI.Misc.LockRedis.PasswordFile = filepath.Join(t.TempDir(), "missing")
	_, err = e.Locker()
	test.AssertError(t, err, "a missing password file should fail")
}
