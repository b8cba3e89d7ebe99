// Package keystore encrypts private keys at rest with a single passphrase
// and keeps the stored keys in step with the revision's keysEncrypted flag.
package keystore

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"strconv"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	berrors "github.com/serverpki/serverpki/errors"
)

// PEMType is the block type of an encrypted key envelope.
const PEMType = "SERVERPKI ENCRYPTED KEY"

const (
	scryptN   = 1 << 15
	scryptR   = 8
	scryptP   = 1
	saltBytes = 16
)

// Encrypt seals plain under a key derived from passphrase and returns the
// PEM envelope. Every call uses a fresh salt and nonce.
func Encrypt(plain, passphrase []byte) ([]byte, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	aead, err := newAEAD(passphrase, salt, scryptN, scryptR, scryptP)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	block := &pem.Block{
		Type: PEMType,
		Headers: map[string]string{
			"KDF":  "scrypt",
			"N":    strconv.Itoa(scryptN),
			"r":    strconv.Itoa(scryptR),
			"p":    strconv.Itoa(scryptP),
			"Salt": base64.StdEncoding.EncodeToString(salt),
		},
		Bytes: aead.Seal(nonce, nonce, plain, []byte(PEMType)),
	}
	return pem.EncodeToMemory(block), nil
}

// Decrypt opens an envelope produced by Encrypt. A wrong passphrase and a
// damaged envelope are indistinguishable and both return a KeyStore error.
func Decrypt(envelope, passphrase []byte) ([]byte, error) {
	block, _ := pem.Decode(envelope)
	if block == nil || block.Type != PEMType {
		return nil, berrors.KeyStoreError("key is not an encrypted envelope")
	}
	if block.Headers["KDF"] != "scrypt" {
		return nil, berrors.KeyStoreError("unsupported key derivation %q", block.Headers["KDF"])
	}
	n, errN := strconv.Atoi(block.Headers["N"])
	r, errR := strconv.Atoi(block.Headers["r"])
	p, errP := strconv.Atoi(block.Headers["p"])
	salt, errS := base64.StdEncoding.DecodeString(block.Headers["Salt"])
	if errN != nil || errR != nil || errP != nil || errS != nil {
		return nil, berrors.KeyStoreError("malformed envelope headers")
	}
	aead, err := newAEAD(passphrase, salt, n, r, p)
	if err != nil {
		return nil, berrors.KeyStoreError("deriving key: %s", err)
	}
	if len(block.Bytes) < aead.NonceSize() {
		return nil, berrors.KeyStoreError("envelope too short")
	}
	nonce, sealed := block.Bytes[:aead.NonceSize()], block.Bytes[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, []byte(PEMType))
	if err != nil {
		return nil, berrors.KeyStoreError("wrong passphrase or corrupted key")
	}
	return plain, nil
}

// IsEncrypted reports whether stored is an encrypted envelope.
func IsEncrypted(stored []byte) bool {
	block, _ := pem.Decode(stored)
	return block != nil && block.Type == PEMType
}

func newAEAD(passphrase, salt []byte, n, r, p int) (cipher.AEAD, error) {
	key, err := scrypt.Key(passphrase, salt, n, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	return chacha20poly1305.NewX(key)
}
