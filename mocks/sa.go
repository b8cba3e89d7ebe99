// Package mocks holds in-memory fakes of the engine's external collaborators.
package mocks

import (
	"bytes"
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jmhodges/clock"

	"github.com/serverpki/serverpki/core"
	berrors "github.com/serverpki/serverpki/errors"
	"github.com/serverpki/serverpki/sa"
)

// Store is an in-memory sa.Storage. It applies the same conditional update
// rules as the SQL implementation. Everything returned is a copy.
type Store struct {
	sync.Mutex
	clk clock.Clock

	Revision     core.Revision
	Certificates map[int64]*core.Certificate
	Places       map[int64]*core.Place
	// CertPlaces maps a certificate id to the ids of its places.
	CertPlaces map[int64][]int64
	CAs        map[int64]*core.CA
	Instances  map[int64]*core.CertInstance

	nextID int64
}

var _ sa.Storage = (*Store)(nil)

// NewStore returns an empty store at the current schema version.
func NewStore(clk clock.Clock) *Store {
	return &Store{
		clk:          clk,
		Revision:     core.Revision{SchemaVersion: sa.SchemaVersion},
		Certificates: make(map[int64]*core.Certificate),
		Places:       make(map[int64]*core.Place),
		CertPlaces:   make(map[int64][]int64),
		CAs:          make(map[int64]*core.CA),
		Instances:    make(map[int64]*core.CertInstance),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// AddCertificateFixture stores a certificate definition and links it to
// places, which are stored too if they have no id yet.
func (s *Store) AddCertificateFixture(cert core.Certificate, places ...*core.Place) *core.Certificate {
	s.Lock()
	defer s.Unlock()
	if cert.ID == 0 {
		cert.ID = s.id()
	}
	if cert.SubjectID == 0 {
		cert.SubjectID = cert.ID
	}
	s.Certificates[cert.ID] = &cert
	for _, p := range places {
		if p.ID == 0 {
			p.ID = s.id()
		}
		cp := *p
		s.Places[p.ID] = &cp
		s.CertPlaces[cert.ID] = append(s.CertPlaces[cert.ID], p.ID)
	}
	c := cert
	return &c
}

// AddInstanceFixture stores an instance as is, in whatever state it has.
func (s *Store) AddInstanceFixture(ci core.CertInstance) *core.CertInstance {
	s.Lock()
	defer s.Unlock()
	if ci.ID == 0 {
		ci.ID = s.id()
	}
	if ci.Created.IsZero() {
		ci.Created = s.clk.Now()
	}
	s.Instances[ci.ID] = &ci
	c := ci
	return &c
}

func (s *Store) GetRevision(_ context.Context) (core.Revision, error) {
	s.Lock()
	defer s.Unlock()
	return s.Revision, nil
}

func (s *Store) RewriteKeys(_ context.Context, encrypted bool, fn sa.KeyRewriter) (int, bool, error) {
	s.Lock()
	defer s.Unlock()
	if s.Revision.SchemaVersion != sa.SchemaVersion {
		return 0, false, berrors.SchemaVersionError(s.Revision.SchemaVersion, sa.SchemaVersion)
	}
	if s.Revision.KeysEncrypted == encrypted {
		return 0, false, nil
	}
	// Work on copies so a failure leaves everything as it was.
	updated := make(map[int64][]byte)
	for _, id := range s.sortedInstanceIDs() {
		ci := s.Instances[id]
		if ci.KeyPEM == nil {
			continue
		}
		out, err := fn(id, ci.KeyPEM)
		if err != nil {
			return 0, false, err
		}
		if !bytes.Equal(out, ci.KeyPEM) {
			updated[id] = out
		}
	}
	for id, key := range updated {
		s.Instances[id].KeyPEM = key
	}
	s.Revision.KeysEncrypted = encrypted
	return len(updated), true, nil
}

func (s *Store) sortedInstanceIDs() []int64 {
	ids := make([]int64, 0, len(s.Instances))
	for id := range s.Instances {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Store) GetCertificate(_ context.Context, id int64) (*core.Certificate, error) {
	s.Lock()
	defer s.Unlock()
	c, ok := s.Certificates[id]
	if !ok {
		return nil, berrors.NotFoundError("no certificate with id %d", id)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListCertificates(_ context.Context, includeDisabled bool) ([]*core.Certificate, error) {
	s.Lock()
	defer s.Unlock()
	var out []*core.Certificate
	for _, c := range s.Certificates {
		if c.Disabled && !includeDisabled {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *core.Certificate) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Store) SetAuthorizedUntil(_ context.Context, certID int64, until *time.Time) error {
	s.Lock()
	defer s.Unlock()
	c, ok := s.Certificates[certID]
	if !ok {
		return berrors.NotFoundError("no certificate %d", certID)
	}
	c.AuthorizedUntil = until
	return nil
}

func (s *Store) PlacesForCertificate(_ context.Context, certID int64) ([]*core.Place, error) {
	s.Lock()
	defer s.Unlock()
	var out []*core.Place
	for _, id := range s.CertPlaces[certID] {
		p := *s.Places[id]
		out = append(out, &p)
	}
	return out, nil
}

func (s *Store) ListCAs(_ context.Context) ([]*core.CA, error) {
	s.Lock()
	defer s.Unlock()
	var out []*core.CA
	for _, ca := range s.CAs {
		cp := *ca
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *core.CA) int {
		if c := a.NotBefore.Compare(b.NotBefore); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) GetCA(_ context.Context, id int64) (*core.CA, error) {
	s.Lock()
	defer s.Unlock()
	ca, ok := s.CAs[id]
	if !ok {
		return nil, berrors.NotFoundError("no CA with id %d", id)
	}
	cp := *ca
	return &cp, nil
}

func (s *Store) AddCA(_ context.Context, ca *core.CA) (*core.CA, error) {
	s.Lock()
	defer s.Unlock()
	for _, existing := range s.CAs {
		if bytes.Equal(existing.CertDER, ca.CertDER) {
			cp := *existing
			return &cp, nil
		}
	}
	stored := *ca
	stored.ID = s.id()
	s.CAs[stored.ID] = &stored
	cp := stored
	return &cp, nil
}

func (s *Store) RetireCA(_ context.Context, id int64) error {
	s.Lock()
	defer s.Unlock()
	ca, ok := s.CAs[id]
	if !ok {
		return berrors.NotFoundError("no CA with id %d", id)
	}
	for _, ci := range s.Instances {
		if ci.CAID == id && (ci.State == core.StateIssued || ci.State.IsLive()) {
			return berrors.ConflictError("CA %q still has live instance %d", ca.Name, ci.ID)
		}
	}
	ca.Retired = true
	return nil
}

func (s *Store) AddInstance(_ context.Context, ci *core.CertInstance) (*core.CertInstance, error) {
	s.Lock()
	defer s.Unlock()
	if ci.State != "" && ci.State != core.StateRequested {
		return nil, berrors.MalformedError("new instances must be %s, not %s", core.StateRequested, ci.State)
	}
	stored := *ci
	stored.ID = s.id()
	stored.State = core.StateRequested
	stored.Created = s.clk.Now().UTC().Truncate(time.Second)
	s.Instances[stored.ID] = &stored
	cp := stored
	return &cp, nil
}

func (s *Store) GetInstance(_ context.Context, id int64) (*core.CertInstance, error) {
	s.Lock()
	defer s.Unlock()
	ci, ok := s.Instances[id]
	if !ok {
		return nil, berrors.NotFoundError("no instance with id %d", id)
	}
	cp := *ci
	return &cp, nil
}

func (s *Store) ListInstances(_ context.Context, certID int64, states ...core.InstanceState) ([]*core.CertInstance, error) {
	s.Lock()
	defer s.Unlock()
	var out []*core.CertInstance
	for _, id := range s.sortedInstanceIDs() {
		ci := s.Instances[id]
		if ci.CertificateID != certID {
			continue
		}
		if len(states) > 0 && !slices.Contains(states, ci.State) {
			continue
		}
		cp := *ci
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) ListInstancesByState(_ context.Context, states ...core.InstanceState) ([]*core.CertInstance, error) {
	s.Lock()
	defer s.Unlock()
	if len(states) == 0 {
		return nil, berrors.MalformedError("at least one state is required")
	}
	var out []*core.CertInstance
	for _, id := range s.sortedInstanceIDs() {
		ci := s.Instances[id]
		if slices.Contains(states, ci.State) {
			cp := *ci
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) transition(id int64, from, to core.InstanceState) (*core.CertInstance, error) {
	ci, ok := s.Instances[id]
	if !ok {
		return nil, berrors.NotFoundError("no instance with id %d", id)
	}
	if ci.State != from {
		return nil, berrors.ConflictError("instance %d is %s, expected %s", id, ci.State, from)
	}
	ci.State = to
	return ci, nil
}

func (s *Store) SetInstanceState(_ context.Context, id int64, from, to core.InstanceState) error {
	s.Lock()
	defer s.Unlock()
	if !core.ValidTransition(from, to) {
		return berrors.MalformedError("invalid transition %s -> %s", from, to)
	}
	_, err := s.transition(id, from, to)
	return err
}

func (s *Store) SetInstanceIssued(_ context.Context, in *core.CertInstance) error {
	s.Lock()
	defer s.Unlock()
	if len(in.CertDER) == 0 {
		return berrors.MalformedError("instance %d has no certificate", in.ID)
	}
	ci, err := s.transition(in.ID, core.StateValidating, core.StateIssued)
	if err != nil {
		return err
	}
	ci.Serial = in.Serial
	ci.NotBefore = in.NotBefore
	ci.NotAfter = in.NotAfter
	ci.CertDER = in.CertDER
	ci.ChainDER = in.ChainDER
	ci.CAID = in.CAID
	ci.TLSAHash = in.TLSAHash
	return nil
}

func (s *Store) ActivateInstance(_ context.Context, id int64, at time.Time) error {
	s.Lock()
	defer s.Unlock()
	ci, ok := s.Instances[id]
	if !ok {
		return berrors.NotFoundError("no instance with id %d", id)
	}
	if ci.State != core.StatePrepublished {
		return berrors.ConflictError("instance %d is %s, not %s", id, ci.State, core.StatePrepublished)
	}
	for _, other := range s.Instances {
		if other.ID == id || other.CertificateID != ci.CertificateID || other.KeyAlgorithm != ci.KeyAlgorithm {
			continue
		}
		if other.State == core.StateActive || other.State == core.StateExpiring ||
			(other.State == core.StatePrepublished && other.ID < id) {
			other.State = core.StateSuperseded
		}
	}
	ci.State = core.StateActive
	activated := at.UTC().Truncate(time.Second)
	ci.Activated = &activated
	return nil
}

func (s *Store) DeleteInstance(_ context.Context, id int64) error {
	s.Lock()
	defer s.Unlock()
	ci, ok := s.Instances[id]
	if !ok {
		return berrors.NotFoundError("no instance with id %d", id)
	}
	if ci.State != core.StateRequested && ci.State != core.StateValidating {
		return berrors.ConflictError("instance %d has material and cannot be deleted", id)
	}
	delete(s.Instances, id)
	return nil
}
