package sa

import (
	"context"
	"time"

	"github.com/serverpki/serverpki/core"
)

// KeyRewriter transforms one stored private key during a key maintenance
// run. Returning the input unchanged leaves the row alone.
type KeyRewriter func(instanceID int64, stored []byte) ([]byte, error)

// Storage is the narrow repository interface the engine uses for all shared
// state. Every call is its own transaction; nothing is cached between calls.
type Storage interface {
	GetRevision(ctx context.Context) (core.Revision, error)
	RewriteKeys(ctx context.Context, encrypted bool, fn KeyRewriter) (rewritten int, changed bool, err error)

	GetCertificate(ctx context.Context, id int64) (*core.Certificate, error)
	ListCertificates(ctx context.Context, includeDisabled bool) ([]*core.Certificate, error)
	SetAuthorizedUntil(ctx context.Context, certID int64, until *time.Time) error
	PlacesForCertificate(ctx context.Context, certID int64) ([]*core.Place, error)

	ListCAs(ctx context.Context) ([]*core.CA, error)
	GetCA(ctx context.Context, id int64) (*core.CA, error)
	AddCA(ctx context.Context, ca *core.CA) (*core.CA, error)
	RetireCA(ctx context.Context, id int64) error

	AddInstance(ctx context.Context, ci *core.CertInstance) (*core.CertInstance, error)
	GetInstance(ctx context.Context, id int64) (*core.CertInstance, error)
	ListInstances(ctx context.Context, certID int64, states ...core.InstanceState) ([]*core.CertInstance, error)
	ListInstancesByState(ctx context.Context, states ...core.InstanceState) ([]*core.CertInstance, error)
	SetInstanceState(ctx context.Context, id int64, from, to core.InstanceState) error
	SetInstanceIssued(ctx context.Context, ci *core.CertInstance) error
	ActivateInstance(ctx context.Context, id int64, at time.Time) error
	DeleteInstance(ctx context.Context, id int64) error
}
