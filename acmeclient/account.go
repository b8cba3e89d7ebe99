package acmeclient

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/eggsampler/acme/v3"
	"github.com/go-jose/go-jose/v4"

	"github.com/serverpki/serverpki/blog"
	"github.com/serverpki/serverpki/fileutil"
)

// accountFile is the on-disk form of an ACME account: its URL and its
// private key as a JWK.
type accountFile struct {
	URL     string          `json:"url"`
	Contact []string        `json:"contact,omitempty"`
	Key     jose.JSONWebKey `json:"key"`
}

// readAccount loads an account file. A missing file is an os.ErrNotExist
// error.
func readAccount(path string) (*accountFile, crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var af accountFile
	err = json.Unmarshal(data, &af)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing account file %s: %w", path, err)
	}
	if !af.Key.Valid() || af.Key.IsPublic() {
		return nil, nil, fmt.Errorf("account file %s has no valid private key", path)
	}
	signer, ok := af.Key.Key.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("account file %s holds an unsupported %T key", path, af.Key.Key)
	}
	return &af, signer, nil
}

// writeAccount stores the account with mode 0600.
func writeAccount(path string, af *accountFile) error {
	data, err := json.MarshalIndent(af, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.WriteAtomic(path, append(data, '\n'), 0o600, -1, -1)
}

// newAccountKey returns a fresh account key and its JWK.
func newAccountKey() (crypto.Signer, jose.JSONWebKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, jose.JSONWebKey{}, err
	}
	return key, jose.JSONWebKey{Key: key, Algorithm: string(jose.ES256), Use: "sig"}, nil
}

// loadOrRegister looks the account of the key in path up at the CA. Without
// a file, a new key is generated, registered and saved.
func loadOrRegister(ctx context.Context, c acme.Client, path, email string) (acme.Account, error) {
	af, key, err := readAccount(path)
	if err == nil {
		account, err := c.NewAccount(key, true, true)
		if err != nil {
			return acme.Account{}, fmt.Errorf("looking up ACME account %s: %w", af.URL, err)
		}
		blog.Debug(ctx, "Loaded ACME account", slog.String("account", account.URL))
		return account, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return acme.Account{}, err
	}

	key, jwk, err := newAccountKey()
	if err != nil {
		return acme.Account{}, err
	}
	var contact []string
	if email != "" {
		contact = append(contact, "mailto:"+email)
	}
	account, err := c.NewAccount(key, false, true, contact...)
	if err != nil {
		return acme.Account{}, fmt.Errorf("registering ACME account: %w", err)
	}
	err = writeAccount(path, &accountFile{URL: account.URL, Contact: contact, Key: jwk})
	if err != nil {
		return acme.Account{}, fmt.Errorf("saving ACME account: %w", err)
	}
	blog.AuditInfo(ctx, "Registered ACME account", slog.String("account", account.URL))
	return account, nil
}
