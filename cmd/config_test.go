package cmd

import (
	"os"
	"testing"
	"time"

	"github.com/serverpki/serverpki/test"
)

func TestDBConfigURL(t *testing.T) {
	tests := []struct {
		description string
		conf        DBConfig
		expected    string
	}{
		{
			description: "inline connect string",
			conf:        DBConfig{DBConnect: "pki@tcp(db:3306)/serverpki"},
			expected:    "pki@tcp(db:3306)/serverpki",
		},
		{
			description: "file without trailing newline",
			conf:        DBConfig{DBConnectFile: "testdata/test_dburl"},
			expected:    "mysql+tcp://pki@dbhost:3306/serverpki?readTimeout=800ms",
		},
		{
			description: "file with trailing newline",
			conf:        DBConfig{DBConnectFile: "testdata/test_dburl_newline"},
			expected:    "mysql+tcp://pki@dbhost:3306/serverpki?readTimeout=800ms",
		},
	}

	for _, tc := range tests {
		t.Run(tc.description, func(t *testing.T) {
			url, err := tc.conf.URL()
			test.AssertNotError(t, err, "Failed calling URL() on DBConfig")
			test.AssertEquals(t, url, tc.expected)
		})
	}
}

func TestPasswordConfig(t *testing.T) {
	pc := PasswordConfig{PasswordFile: "testdata/test_secret"}
	password, err := pc.Pass()
	test.AssertNotError(t, err, "Failed to retrieve password")
	test.AssertEquals(t, password, "secret")

	_, err = (&PasswordConfig{PasswordFile: "testdata/missing"}).Pass()
	test.AssertError(t, err, "a missing password file should fail")

	rc := RedisConfig{Addr: "127.0.0.1:6379"}
	password, err = rc.Pass()
	test.AssertNotError(t, err, "Redis without password file")
	test.AssertEquals(t, password, "")
}

func TestMiscFileModeAndOwner(t *testing.T) {
	var m MiscConfig
	mode, err := m.FileMode()
	test.AssertNotError(t, err, "default mode")
	test.AssertEquals(t, mode.Perm(), os.FileMode(0o644))
	uid, gid := m.Owner()
	test.AssertEquals(t, uid, -1)
	test.AssertEquals(t, gid, -1)

	m.ZoneFileMode = "0640"
	gidValue := 25
	m.ZoneFileGID = &gidValue
	mode, err = m.FileMode()
	test.AssertNotError(t, err, "octal mode")
	test.AssertEquals(t, mode.Perm(), os.FileMode(0o640))
	uid, gid = m.Owner()
	test.AssertEquals(t, uid, -1)
	test.AssertEquals(t, gid, 25)

	m.ZoneFileMode = "rw-r-----"
	_, err = m.FileMode()
	test.AssertError(t, err, "symbolic modes are not accepted")
}

func TestReadConfigFile(t *testing.T) {
	var c PKIConfig
	err := ReadConfigFile("testdata/serverpki.yaml", &c)
	test.AssertNotError(t, err, "reading YAML config")
	test.AssertEquals(t, c.ServerPKI.Misc.LEZoneUpdateMethod, "zone_file")
	test.AssertEquals(t, c.ServerPKI.Misc.Patience.Duration, 5*time.Minute)
	test.AssertEquals(t, c.ServerPKI.X509Atts.Lifetime.Duration, 8760*time.Hour)
	test.AssertEquals(t, c.ServerPKI.X509Atts.Names.C, "DE")
	test.AssertDeepEquals(t, c.ServerPKI.Pathes.CACertFiles, []string{"/etc/serverpki/ca_cert.pem"})
	test.AssertEquals(t, c.Syslog.SyslogLevel, -1)
	test.Assert(t, c.ServerPKI.SMTP == nil, "no smtp section was configured")

	err = ReadConfigFile("testdata/unknown_key.yaml", &PKIConfig{})
	test.AssertError(t, err, "unknown keys should be rejected")

	err = ReadConfigFile("testdata/missing.yaml", &PKIConfig{})
	test.AssertError(t, err, "a missing file should fail")
}
