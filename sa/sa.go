package sa

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmhodges/clock"

	"github.com/serverpki/serverpki/core"
	"github.com/serverpki/serverpki/db"
	berrors "github.com/serverpki/serverpki/errors"
)

// SchemaVersion is the revision.schemaVersion this build reads and writes.
const SchemaVersion = 1

// SQLStorageAuthority defines a Storage Authority backed by MySQL.
type SQLStorageAuthority struct {
	dbMap *db.WrappedMap
	clk   clock.Clock
}

var _ Storage = (*SQLStorageAuthority)(nil)

// NewSQLStorageAuthority provides persistence using a SQL backend.
func NewSQLStorageAuthority(dbMap *db.WrappedMap, clk clock.Clock) *SQLStorageAuthority {
	return &SQLStorageAuthority{dbMap: dbMap, clk: clk}
}

// GetRevision reads the singleton revision row.
func (ssa *SQLStorageAuthority) GetRevision(ctx context.Context) (core.Revision, error) {
	var rev revisionModel
	err := ssa.dbMap.SelectOne(ctx, &rev, "SELECT id, schemaVersion, keysEncrypted FROM revision WHERE id = 1")
	if db.IsNoRows(err) {
		return core.Revision{}, berrors.SchemaVersionError(0, SchemaVersion)
	}
	if err != nil {
		return core.Revision{}, err
	}
	return core.Revision{SchemaVersion: rev.SchemaVersion, KeysEncrypted: rev.KeysEncrypted}, nil
}

// RewriteKeys passes every stored instance key through fn and sets
// keysEncrypted to encrypted, in one transaction. The revision row is locked
// for the duration, so a concurrent rewrite waits. When keysEncrypted already
// equals encrypted nothing is written and changed is false.
func (ssa *SQLStorageAuthority) RewriteKeys(ctx context.Context, encrypted bool, fn KeyRewriter) (int, bool, error) {
	type result struct {
		rewritten int
		changed   bool
	}
	res, err := db.WithTransaction(ctx, ssa.dbMap, func(tx db.Executor) (any, error) {
		var rev revisionModel
		err := tx.SelectOne(ctx, &rev, "SELECT id, schemaVersion, keysEncrypted FROM revision WHERE id = 1 FOR UPDATE")
		if err != nil {
			return nil, err
		}
		if rev.SchemaVersion != SchemaVersion {
			return nil, berrors.SchemaVersionError(rev.SchemaVersion, SchemaVersion)
		}
		if rev.KeysEncrypted == encrypted {
			return result{}, nil
		}

		var keys []struct {
			ID     int64  `db:"id"`
			KeyPEM []byte `db:"keyPEM"`
		}
		_, err = tx.Select(ctx, &keys, "SELECT id, keyPEM FROM certInstances WHERE keyPEM IS NOT NULL FOR UPDATE")
		if err != nil {
			return nil, err
		}
		var rewritten int
		for _, k := range keys {
			out, err := fn(k.ID, k.KeyPEM)
			if err != nil {
				return nil, err
			}
			if bytes.Equal(out, k.KeyPEM) {
				continue
			}
			_, err = tx.ExecContext(ctx, "UPDATE certInstances SET keyPEM = ? WHERE id = ?", out, k.ID)
			if err != nil {
				return nil, err
			}
			rewritten++
		}
		_, err = tx.ExecContext(ctx, "UPDATE revision SET keysEncrypted = ? WHERE id = 1", encrypted)
		if err != nil {
			return nil, err
		}
		return result{rewritten: rewritten, changed: true}, nil
	})
	if err != nil {
		return 0, false, err
	}
	r := res.(result)
	return r.rewritten, r.changed, nil
}

// GetCertificate loads one certificate definition.
func (ssa *SQLStorageAuthority) GetCertificate(ctx context.Context, id int64) (*core.Certificate, error) {
	var m certificateModel
	err := ssa.dbMap.SelectOne(ctx, &m, certificateQuery+" WHERE c.id = ?", id)
	if db.IsNoRows(err) {
		return nil, berrors.NotFoundError("no certificate with id %d", id)
	}
	if err != nil {
		return nil, err
	}
	return modelToCertificate(&m), nil
}

// ListCertificates loads every certificate definition, ordered by id.
// Disabled certificates are left out unless includeDisabled is set.
func (ssa *SQLStorageAuthority) ListCertificates(ctx context.Context, includeDisabled bool) ([]*core.Certificate, error) {
	query := certificateQuery
	if !includeDisabled {
		query += " WHERE c.disabled = false"
	}
	query += " ORDER BY c.id"
	var models []certificateModel
	_, err := ssa.dbMap.Select(ctx, &models, query)
	if err != nil {
		return nil, err
	}
	certs := make([]*core.Certificate, 0, len(models))
	for i := range models {
		certs = append(certs, modelToCertificate(&models[i]))
	}
	return certs, nil
}

// SetAuthorizedUntil records when the last validation of a certificate's
// names lapses. A nil until clears it.
func (ssa *SQLStorageAuthority) SetAuthorizedUntil(ctx context.Context, certID int64, until *time.Time) error {
	res, err := ssa.dbMap.ExecContext(ctx, "UPDATE certificates SET authorizedUntil = ? WHERE id = ?", until, certID)
	if err != nil {
		return err
	}
	return requireOneRow(res, "certificate %d", certID)
}

// PlacesForCertificate lists every place a certificate is distributed to,
// disabled ones included.
func (ssa *SQLStorageAuthority) PlacesForCertificate(ctx context.Context, certID int64) ([]*core.Place, error) {
	var models []placeModel
	_, err := ssa.dbMap.Select(ctx, &models,
		"SELECT "+placeFields+" FROM places AS p JOIN certificatePlaces AS cp ON cp.placeID = p.id WHERE cp.certificateID = ? ORDER BY p.id",
		certID)
	if err != nil {
		return nil, err
	}
	places := make([]*core.Place, 0, len(models))
	for i := range models {
		places = append(places, modelToPlace(&models[i]))
	}
	return places, nil
}

// ListCAs returns every CA, retired ones included, oldest first.
func (ssa *SQLStorageAuthority) ListCAs(ctx context.Context) ([]*core.CA, error) {
	var models []caModel
	_, err := ssa.dbMap.Select(ctx, &models, "SELECT "+caFields+" FROM cas ORDER BY notBefore, id")
	if err != nil {
		return nil, err
	}
	cas := make([]*core.CA, 0, len(models))
	for i := range models {
		cas = append(cas, modelToCA(&models[i]))
	}
	return cas, nil
}

// GetCA loads one CA.
func (ssa *SQLStorageAuthority) GetCA(ctx context.Context, id int64) (*core.CA, error) {
	var m caModel
	err := ssa.dbMap.SelectOne(ctx, &m, "SELECT "+caFields+" FROM cas WHERE id = ?", id)
	if db.IsNoRows(err) {
		return nil, berrors.NotFoundError("no CA with id %d", id)
	}
	if err != nil {
		return nil, err
	}
	return modelToCA(&m), nil
}

// AddCA stores a CA certificate. Adding a certificate that is already stored
// returns the existing row.
func (ssa *SQLStorageAuthority) AddCA(ctx context.Context, ca *core.CA) (*core.CA, error) {
	m := caToModel(ca)
	m.ID = 0
	err := ssa.dbMap.Insert(ctx, m)
	if db.IsDuplicate(err) {
		var existing caModel
		err = ssa.dbMap.SelectOne(ctx, &existing, "SELECT "+caFields+" FROM cas WHERE certDigest = ?", m.CertDigest)
		if err != nil {
			return nil, err
		}
		return modelToCA(&existing), nil
	}
	if err != nil {
		return nil, err
	}
	return modelToCA(m), nil
}

// RetireCA marks a CA retired. It fails with a Conflict error while any live
// instance still depends on the CA.
func (ssa *SQLStorageAuthority) RetireCA(ctx context.Context, id int64) error {
	_, err := db.WithTransaction(ctx, ssa.dbMap, func(tx db.Executor) (any, error) {
		var m caModel
		err := tx.SelectOne(ctx, &m, "SELECT "+caFields+" FROM cas WHERE id = ? FOR UPDATE", id)
		if db.IsNoRows(err) {
			return nil, berrors.NotFoundError("no CA with id %d", id)
		}
		if err != nil {
			return nil, err
		}
		var live []struct {
			ID int64 `db:"id"`
		}
		_, err = tx.Select(ctx, &live,
			"SELECT id FROM certInstances WHERE caID = ? AND state IN (?, ?, ?, ?) LIMIT 1",
			id, string(core.StateIssued), string(core.StatePrepublished), string(core.StateActive), string(core.StateExpiring))
		if err != nil {
			return nil, err
		}
		if len(live) > 0 {
			return nil, berrors.ConflictError("CA %q still has live instance %d", m.Name, live[0].ID)
		}
		_, err = tx.ExecContext(ctx, "UPDATE cas SET retired = true WHERE id = ?", id)
		return nil, err
	})
	return err
}

// AddInstance stores a new instance in state requested. The stored copy
// gets an id and creation time.
func (ssa *SQLStorageAuthority) AddInstance(ctx context.Context, ci *core.CertInstance) (*core.CertInstance, error) {
	if ci.State != "" && ci.State != core.StateRequested {
		return nil, berrors.MalformedError("new instances must be %s, not %s", core.StateRequested, ci.State)
	}
	m := instanceToModel(ci)
	m.ID = 0
	m.State = string(core.StateRequested)
	m.Created = ssa.clk.Now().UTC().Truncate(time.Second)
	err := ssa.dbMap.Insert(ctx, m)
	if err != nil {
		return nil, err
	}
	return modelToInstance(m)
}

// GetInstance loads one instance.
func (ssa *SQLStorageAuthority) GetInstance(ctx context.Context, id int64) (*core.CertInstance, error) {
	var m instanceModel
	err := ssa.dbMap.SelectOne(ctx, &m, "SELECT "+instanceFields+" FROM certInstances WHERE id = ?", id)
	if db.IsNoRows(err) {
		return nil, berrors.NotFoundError("no instance with id %d", id)
	}
	if err != nil {
		return nil, err
	}
	return modelToInstance(&m)
}

// ListInstances returns the instances of a certificate in creation order.
// When states are given only instances in one of them are returned.
func (ssa *SQLStorageAuthority) ListInstances(ctx context.Context, certID int64, states ...core.InstanceState) ([]*core.CertInstance, error) {
	query := "SELECT " + instanceFields + " FROM certInstances WHERE certificateID = ?"
	args := []any{certID}
	if len(states) > 0 {
		query += " AND state IN (" + qmarks(len(states)) + ")"
		for _, s := range states {
			args = append(args, string(s))
		}
	}
	query += " ORDER BY id"
	return ssa.selectInstances(ctx, query, args...)
}

// ListInstancesByState returns every instance in one of states, across all
// certificates, in creation order.
func (ssa *SQLStorageAuthority) ListInstancesByState(ctx context.Context, states ...core.InstanceState) ([]*core.CertInstance, error) {
	if len(states) == 0 {
		return nil, berrors.MalformedError("at least one state is required")
	}
	args := make([]any, 0, len(states))
	for _, s := range states {
		args = append(args, string(s))
	}
	query := "SELECT " + instanceFields + " FROM certInstances WHERE state IN (" + qmarks(len(states)) + ") ORDER BY id"
	return ssa.selectInstances(ctx, query, args...)
}

func (ssa *SQLStorageAuthority) selectInstances(ctx context.Context, query string, args ...any) ([]*core.CertInstance, error) {
	var models []instanceModel
	_, err := ssa.dbMap.Select(ctx, &models, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]*core.CertInstance, 0, len(models))
	for i := range models {
		ci, err := modelToInstance(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, ci)
	}
	return out, nil
}

// SetInstanceState moves an instance from one state to another. The update
// is conditional on the current state, so a concurrent writer that moved the
// instance first causes a Conflict error rather than a lost update.
func (ssa *SQLStorageAuthority) SetInstanceState(ctx context.Context, id int64, from, to core.InstanceState) error {
	if !core.ValidTransition(from, to) {
		return berrors.MalformedError("invalid transition %s -> %s", from, to)
	}
	res, err := ssa.dbMap.ExecContext(ctx, "UPDATE certInstances SET state = ? WHERE id = ? AND state = ?", string(to), id, string(from))
	if err != nil {
		return err
	}
	return ssa.checkTransition(ctx, res, id, from)
}

// SetInstanceIssued stores signed material for a validating instance and
// moves it to issued.
func (ssa *SQLStorageAuthority) SetInstanceIssued(ctx context.Context, ci *core.CertInstance) error {
	if len(ci.CertDER) == 0 {
		return berrors.MalformedError("instance %d has no certificate", ci.ID)
	}
	m := instanceToModel(ci)
	res, err := ssa.dbMap.ExecContext(ctx, `
		UPDATE certInstances
		SET state = ?, serial = ?, notBefore = ?, notAfter = ?, certDER = ?, chainPEM = ?, caID = ?, tlsaHash = ?
		WHERE id = ? AND state = ?`,
		string(core.StateIssued), m.Serial, m.NotBefore, m.NotAfter, m.CertDER, m.ChainPEM, m.CAID, m.TLSAHash,
		ci.ID, string(core.StateValidating))
	if err != nil {
		return err
	}
	return ssa.checkTransition(ctx, res, ci.ID, core.StateValidating)
}

// ActivateInstance makes a prepublished instance the active one for its
// certificate and key algorithm. In the same transaction every other active
// or expiring instance, and every older prepublished one, is superseded.
func (ssa *SQLStorageAuthority) ActivateInstance(ctx context.Context, id int64, at time.Time) error {
	_, err := db.WithTransaction(ctx, ssa.dbMap, func(tx db.Executor) (any, error) {
		var m instanceModel
		err := tx.SelectOne(ctx, &m, "SELECT "+instanceFields+" FROM certInstances WHERE id = ? FOR UPDATE", id)
		if db.IsNoRows(err) {
			return nil, berrors.NotFoundError("no instance with id %d", id)
		}
		if err != nil {
			return nil, err
		}
		if m.State != string(core.StatePrepublished) {
			return nil, berrors.ConflictError("instance %d is %s, not %s", id, m.State, core.StatePrepublished)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE certInstances SET state = ?
			WHERE certificateID = ? AND keyAlgorithm = ? AND id != ?
			AND (state IN (?, ?) OR (state = ? AND id < ?))`,
			string(core.StateSuperseded), m.CertificateID, m.KeyAlgorithm, id,
			string(core.StateActive), string(core.StateExpiring), string(core.StatePrepublished), id)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, "UPDATE certInstances SET state = ?, activated = ? WHERE id = ?",
			string(core.StateActive), at.UTC().Truncate(time.Second), id)
		return nil, err
	})
	return err
}

// DeleteInstance removes an instance that never got signed material.
func (ssa *SQLStorageAuthority) DeleteInstance(ctx context.Context, id int64) error {
	res, err := ssa.dbMap.ExecContext(ctx, "DELETE FROM certInstances WHERE id = ? AND state IN (?, ?)",
		id, string(core.StateRequested), string(core.StateValidating))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		_, err := ssa.GetInstance(ctx, id)
		if err != nil {
			return err
		}
		return berrors.ConflictError("instance %d has material and cannot be deleted", id)
	}
	return nil
}

// checkTransition turns a conditional update that matched no row into a
// NotFound or Conflict error.
func (ssa *SQLStorageAuthority) checkTransition(ctx context.Context, res sql.Result, id int64, from core.InstanceState) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	current, err := ssa.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	return berrors.ConflictError("instance %d is %s, expected %s", id, current.State, from)
}

func requireOneRow(res sql.Result, what string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return berrors.NotFoundError("no "+what, args...)
	}
	return nil
}

// qmarks returns a string of n comma separated placeholders.
func qmarks(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// CheckSchema fails with a SchemaVersion error unless the store was migrated
// to exactly SchemaVersion.
func CheckSchema(ctx context.Context, s interface {
	GetRevision(context.Context) (core.Revision, error)
}) error {
	rev, err := s.GetRevision(ctx)
	if err != nil {
		return fmt.Errorf("reading revision: %w", err)
	}
	if rev.SchemaVersion != SchemaVersion {
		return berrors.SchemaVersionError(rev.SchemaVersion, SchemaVersion)
	}
	return nil
}
