//go:build integration

package sa

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmhodges/clock"

	"github.com/serverpki/serverpki/core"
	berrors "github.com/serverpki/serverpki/errors"
	"github.com/serverpki/serverpki/test"
	"github.com/serverpki/serverpki/test/vars"
)

func initSA(t *testing.T) (*SQLStorageAuthority, clock.FakeClock) {
	t.Helper()
	ctx := context.Background()

	admin, err := sql.Open("mysql", vars.DBConnSAFullPerms+"?parseTime=true")
	test.AssertNotError(t, err, "opening admin connection")
	_, err = Migrate(ctx, admin)
	test.AssertNotError(t, err, "migrating test database")
	_ = admin.Close()

	conf, err := mysql.ParseDSN(vars.DBConnSA)
	test.AssertNotError(t, err, "parsing DSN")
	dbMap, err := newDbMapFromMySQLConfig(conf, DbSettings{MaxOpenConns: 4})
	test.AssertNotError(t, err, "creating dbMap")

	t.Cleanup(test.ResetTestDatabase(t))

	fc := clock.NewFake()
	fc.Set(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	return NewSQLStorageAuthority(dbMap, fc), fc
}

// addCertificate inserts a subject and a certificate with the given places.
func addCertificate(t *testing.T, ssa *SQLStorageAuthority, name string, disabled bool, placeNames ...string) int64 {
	t.Helper()
	ctx := context.Background()
	res, err := ssa.dbMap.ExecContext(ctx, "INSERT INTO subjects (name, type) VALUES (?, 'server')", name)
	test.AssertNotError(t, err, "inserting subject")
	subjectID, _ := res.LastInsertId()

	res, err = ssa.dbMap.ExecContext(ctx,
		"INSERT INTO certificates (subjectID, altNames, certType, algorithm, disabled, tlsaPrefixes) VALUES (?, ?, 'local', 'rsa plus ec', ?, '[]')",
		subjectID, `["alt.`+name+`"]`, disabled)
	test.AssertNotError(t, err, "inserting certificate")
	certID, _ := res.LastInsertId()

	for _, pn := range placeNames {
		res, err = ssa.dbMap.ExecContext(ctx,
			"INSERT INTO places (name, layout, certPath) VALUES (?, 'separate', '/etc/ssl/{}')", pn)
		test.AssertNotError(t, err, "inserting place")
		placeID, _ := res.LastInsertId()
		_, err = ssa.dbMap.ExecContext(ctx, "INSERT INTO certificatePlaces (certificateID, placeID) VALUES (?, ?)", certID, placeID)
		test.AssertNotError(t, err, "linking place")
	}
	return certID
}

func TestRevision(t *testing.T) {
	ssa, _ := initSA(t)
	rev, err := ssa.GetRevision(context.Background())
	test.AssertNotError(t, err, "GetRevision")
	test.AssertEquals(t, rev.SchemaVersion, SchemaVersion)
	test.Assert(t, !rev.KeysEncrypted, "fresh store should not be encrypted")
	test.AssertNotError(t, CheckSchema(context.Background(), ssa), "CheckSchema")
}

func TestListCertificates(t *testing.T) {
	ssa, _ := initSA(t)
	ctx := context.Background()
	enabled := addCertificate(t, ssa, "www.example.com", false, "web1", "web2")
	addCertificate(t, ssa, "old.example.com", true)

	certs, err := ssa.ListCertificates(ctx, false)
	test.AssertNotError(t, err, "ListCertificates")
	test.AssertEquals(t, len(certs), 1)
	test.AssertEquals(t, certs[0].ID, enabled)
	test.AssertEquals(t, certs[0].Name, "www.example.com")
	test.AssertDeepEquals(t, certs[0].AltNames, []string{"alt.www.example.com"})
	test.AssertEquals(t, certs[0].Algorithm, core.AlgorithmRSAPlusEC)

	certs, err = ssa.ListCertificates(ctx, true)
	test.AssertNotError(t, err, "ListCertificates with disabled")
	test.AssertEquals(t, len(certs), 2)

	places, err := ssa.PlacesForCertificate(ctx, enabled)
	test.AssertNotError(t, err, "PlacesForCertificate")
	test.AssertEquals(t, len(places), 2)
	test.AssertEquals(t, places[0].Layout, core.LayoutSeparate)
	test.Assert(t, places[0].Enabled, "places are enabled by default")

	_, err = ssa.GetCertificate(ctx, 9999)
	test.Assert(t, berrors.Is(err, berrors.NotFound), "expected NotFound")
}

func TestInstanceLifecycle(t *testing.T) {
	ssa, fc := initSA(t)
	ctx := context.Background()
	certID := addCertificate(t, ssa, "www.example.com", false)

	issue := func() *core.CertInstance {
		ci, err := ssa.AddInstance(ctx, &core.CertInstance{CertificateID: certID, KeyAlgorithm: core.KeyEC, KeyPEM: []byte("key")})
		test.AssertNotError(t, err, "AddInstance")
		test.AssertEquals(t, ci.State, core.StateRequested)
		test.AssertNotError(t, ssa.SetInstanceState(ctx, ci.ID, core.StateRequested, core.StateValidating), "-> validating")
		ci.Serial = "01"
		ci.NotBefore = fc.Now()
		ci.NotAfter = fc.Now().Add(90 * 24 * time.Hour)
		ci.CertDER = []byte{1}
		ci.TLSAHash = core.TLSAHash(ci.CertDER)
		test.AssertNotError(t, ssa.SetInstanceIssued(ctx, ci), "-> issued")
		test.AssertNotError(t, ssa.SetInstanceState(ctx, ci.ID, core.StateIssued, core.StatePrepublished), "-> prepublished")
		return ci
	}

	first := issue()
	test.AssertNotError(t, ssa.ActivateInstance(ctx, first.ID, fc.Now()), "activating first")

	fc.Add(time.Hour)
	second := issue()

	// The first instance stays active until the second is activated.
	got, err := ssa.GetInstance(ctx, first.ID)
	test.AssertNotError(t, err, "GetInstance")
	test.AssertEquals(t, got.State, core.StateActive)

	test.AssertNotError(t, ssa.ActivateInstance(ctx, second.ID, fc.Now()), "activating second")
	got, err = ssa.GetInstance(ctx, first.ID)
	test.AssertNotError(t, err, "GetInstance")
	test.AssertEquals(t, got.State, core.StateSuperseded)

	active, err := ssa.ListInstances(ctx, certID, core.StateActive)
	test.AssertNotError(t, err, "ListInstances")
	test.AssertEquals(t, len(active), 1)
	test.AssertEquals(t, active[0].ID, second.ID)
	test.AssertNotNil(t, active[0].Activated, "activated should be stamped")

	// A stale conditional update is refused.
	err = ssa.SetInstanceState(ctx, first.ID, core.StateActive, core.StateExpiring)
	test.Assert(t, berrors.Is(err, berrors.Conflict), "expected Conflict for stale transition")

	// Material-bearing instances cannot be abandoned.
	err = ssa.DeleteInstance(ctx, second.ID)
	test.Assert(t, berrors.Is(err, berrors.Conflict), "expected Conflict deleting an active instance")
}

func TestRewriteKeys(t *testing.T) {
	ssa, _ := initSA(t)
	ctx := context.Background()
	certID := addCertificate(t, ssa, "www.example.com", false)
	for range 3 {
		_, err := ssa.AddInstance(ctx, &core.CertInstance{CertificateID: certID, KeyAlgorithm: core.KeyRSA, KeyPEM: []byte("plain")})
		test.AssertNotError(t, err, "AddInstance")
	}

	upper := func(_ int64, in []byte) ([]byte, error) { return append([]byte("sealed:"), in...), nil }
	n, changed, err := ssa.RewriteKeys(ctx, true, upper)
	test.AssertNotError(t, err, "RewriteKeys")
	test.Assert(t, changed, "first rewrite should change the flag")
	test.AssertEquals(t, n, 3)

	n, changed, err = ssa.RewriteKeys(ctx, true, upper)
	test.AssertNotError(t, err, "second RewriteKeys")
	test.Assert(t, !changed, "second rewrite should be a no-op")
	test.AssertEquals(t, n, 0)

	rev, err := ssa.GetRevision(ctx)
	test.AssertNotError(t, err, "GetRevision")
	test.Assert(t, rev.KeysEncrypted, "flag should be set")
}

func TestRetireCA(t *testing.T) {
	ssa, fc := initSA(t)
	ctx := context.Background()
	ca, err := ssa.AddCA(ctx, &core.CA{Name: "old", Subject: "CN=old", NotBefore: fc.Now(), NotAfter: fc.Now().AddDate(5, 0, 0), IsLocal: true, CertDER: []byte("old")})
	test.AssertNotError(t, err, "AddCA")
	again, err := ssa.AddCA(ctx, &core.CA{Name: "old", Subject: "CN=old", NotBefore: fc.Now(), NotAfter: fc.Now().AddDate(5, 0, 0), IsLocal: true, CertDER: []byte("old")})
	test.AssertNotError(t, err, "AddCA again")
	test.AssertEquals(t, again.ID, ca.ID)

	certID := addCertificate(t, ssa, "www.example.com", false)
	ci, err := ssa.AddInstance(ctx, &core.CertInstance{CertificateID: certID, KeyAlgorithm: core.KeyRSA})
	test.AssertNotError(t, err, "AddInstance")
	test.AssertNotError(t, ssa.SetInstanceState(ctx, ci.ID, core.StateRequested, core.StateValidating), "-> validating")
	ci.CAID = ca.ID
	ci.CertDER = []byte{1}
	ci.NotAfter = fc.Now().AddDate(1, 0, 0)
	test.AssertNotError(t, ssa.SetInstanceIssued(ctx, ci), "-> issued")

	err = ssa.RetireCA(ctx, ca.ID)
	test.Assert(t, berrors.Is(err, berrors.Conflict), "a CA with live instances must not retire")

	test.AssertNotError(t, ssa.SetInstanceState(ctx, ci.ID, core.StateIssued, core.StateRevoked), "-> revoked")
	test.AssertNotError(t, ssa.RetireCA(ctx, ca.ID), "RetireCA")
	got, err := ssa.GetCA(ctx, ca.ID)
	test.AssertNotError(t, err, "GetCA")
	test.Assert(t, got.Retired, "CA should be retired")
}
