package keystore

import (
	"context"
	"log/slog"

	"github.com/serverpki/serverpki/blog"
	"github.com/serverpki/serverpki/core"
	berrors "github.com/serverpki/serverpki/errors"
	"github.com/serverpki/serverpki/lock"
	"github.com/serverpki/serverpki/sa"
)

// keyStorage is the part of sa.Storage the key store needs.
type keyStorage interface {
	GetRevision(ctx context.Context) (core.Revision, error)
	RewriteKeys(ctx context.Context, encrypted bool, fn sa.KeyRewriter) (int, bool, error)
}

// Result reports the outcome of a key maintenance run.
type Result struct {
	// NoOp is set when keysEncrypted already had the requested value.
	NoOp      bool
	Rewritten int
}

// Store applies or bypasses encryption on every key read and write,
// following the revision's keysEncrypted flag. The flag is read again on
// every call, since a maintenance run may have flipped it.
type Store struct {
	sa         keyStorage
	passphrase []byte
	lease      lock.Lease
}

// New returns a Store. passphrase may be nil when keys are not encrypted;
// touching a key then fails once the flag is set.
func New(sa keyStorage, passphrase []byte) *Store {
	return &Store{sa: sa, passphrase: passphrase}
}

// Guard makes Seal and the maintenance runs fail with a Locked error once
// lease is lost. A nil lease turns the check off.
func (s *Store) Guard(lease lock.Lease) {
	s.lease = lease
}

func (s *Store) checkLease() error {
	if s.lease == nil {
		return nil
	}
	return lock.Check(s.lease)
}

func (s *Store) encrypted(ctx context.Context) (bool, error) {
	rev, err := s.sa.GetRevision(ctx)
	if err != nil {
		return false, err
	}
	if rev.KeysEncrypted && len(s.passphrase) == 0 {
		return false, berrors.KeyStoreError("keys are encrypted but no passphrase was configured")
	}
	return rev.KeysEncrypted, nil
}

// Seal returns the form of plainPEM that should be written to storage.
func (s *Store) Seal(ctx context.Context, plainPEM []byte) ([]byte, error) {
	err := s.checkLease()
	if err != nil {
		return nil, err
	}
	enc, err := s.encrypted(ctx)
	if err != nil {
		return nil, err
	}
	if !enc {
		return plainPEM, nil
	}
	return Encrypt(plainPEM, s.passphrase)
}

// Open returns the plain PEM key for a value read from storage.
func (s *Store) Open(ctx context.Context, stored []byte) ([]byte, error) {
	enc, err := s.encrypted(ctx)
	if err != nil {
		return nil, err
	}
	if !enc {
		if IsEncrypted(stored) {
			return nil, berrors.KeyStoreError("key is encrypted but keysEncrypted is not set")
		}
		return stored, nil
	}
	return Decrypt(stored, s.passphrase)
}

// EncryptAll encrypts every stored key and sets keysEncrypted, atomically.
// Keys that are already encrypted are left alone.
func (s *Store) EncryptAll(ctx context.Context) (Result, error) {
	if len(s.passphrase) == 0 {
		return Result{}, berrors.KeyStoreError("encrypting keys requires a passphrase")
	}
	return s.rewrite(ctx, true, func(_ int64, stored []byte) ([]byte, error) {
		if IsEncrypted(stored) {
			return stored, nil
		}
		return Encrypt(stored, s.passphrase)
	})
}

// DecryptAll decrypts every stored key and clears keysEncrypted, atomically.
// One key failing to decrypt aborts the run with nothing changed.
func (s *Store) DecryptAll(ctx context.Context) (Result, error) {
	if len(s.passphrase) == 0 {
		return Result{}, berrors.KeyStoreError("decrypting keys requires a passphrase")
	}
	return s.rewrite(ctx, false, func(id int64, stored []byte) ([]byte, error) {
		if !IsEncrypted(stored) {
			return stored, nil
		}
		plain, err := Decrypt(stored, s.passphrase)
		if err != nil {
			return nil, berrors.KeyStoreError("instance %d: %s", id, err)
		}
		return plain, nil
	})
}

func (s *Store) rewrite(ctx context.Context, encrypt bool, fn sa.KeyRewriter) (Result, error) {
	err := s.checkLease()
	if err != nil {
		return Result{}, err
	}
	n, changed, err := s.sa.RewriteKeys(ctx, encrypt, func(id int64, stored []byte) ([]byte, error) {
		err := s.checkLease()
		if err != nil {
			return nil, err
		}
		return fn(id, stored)
	})
	if err != nil {
		return Result{}, err
	}
	if !changed {
		blog.Info(ctx, "Key maintenance found nothing to do", slog.Bool("keysEncrypted", encrypt))
		return Result{NoOp: true}, nil
	}
	blog.AuditInfo(ctx, "Rewrote stored keys", slog.Bool("keysEncrypted", encrypt), slog.Int("rewritten", n))
	return Result{Rewritten: n}, nil
}
