// Package privatekey generates, encodes and decodes the private keys of
// certificate instances and local CAs.
package privatekey

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"hash"
	"os"

	"github.com/serverpki/serverpki/core"
	"github.com/serverpki/serverpki/goodkey"
)

// verifyRSA is broken out of Verify for testing purposes.
func verifyRSA(privKey *rsa.PrivateKey, pubKey *rsa.PublicKey, msgHash hash.Hash) error {
	sig, err := rsa.SignPSS(rand.Reader, privKey, crypto.SHA256, msgHash.Sum(nil), nil)
	if err != nil {
		return fmt.Errorf("failed to sign using the provided RSA private key: %s", err)
	}
	err = rsa.VerifyPSS(pubKey, crypto.SHA256, msgHash.Sum(nil), sig, nil)
	if err != nil {
		return fmt.Errorf("the provided RSA private key failed signature verification: %s", err)
	}
	return nil
}

// verifyECDSA is broken out of Verify for testing purposes.
func verifyECDSA(privKey *ecdsa.PrivateKey, pubKey *ecdsa.PublicKey, msgHash hash.Hash) error {
	sig, err := ecdsa.SignASN1(rand.Reader, privKey, msgHash.Sum(nil))
	if err != nil {
		return fmt.Errorf("failed to sign using the provided ECDSA private key: %s", err)
	}
	if !ecdsa.VerifyASN1(pubKey, msgHash.Sum(nil), sig) {
		return errors.New("the provided ECDSA private key failed signature verification")
	}
	return nil
}

// Verify ensures that the embedded PublicKey of the provided privateKey is
// actually a match for the private key.
func Verify(privateKey crypto.Signer) error {
	msgHash := sha256.New()
	msgHash.Write([]byte("verifiable"))

	switch k := privateKey.(type) {
	case *rsa.PrivateKey:
		return verifyRSA(k, &k.PublicKey, msgHash)
	case *ecdsa.PrivateKey:
		return verifyECDSA(k, &k.PublicKey, msgHash)
	default:
		return fmt.Errorf("unsupported private key type %T", privateKey)
	}
}

// Generate creates a key for alg. rsaBits and curve select the size; zero
// values mean 2048 bits and P-256. The key is checked against
// goodkey.Default before it is returned.
func Generate(alg core.KeyAlgorithm, rsaBits int, curve string) (crypto.Signer, error) {
	var key crypto.Signer
	var err error
	switch alg {
	case core.KeyRSA:
		if rsaBits == 0 {
			rsaBits = 2048
		}
		key, err = rsa.GenerateKey(rand.Reader, rsaBits)
	case core.KeyEC:
		var c elliptic.Curve
		switch curve {
		case "", "P-256":
			c = elliptic.P256()
		case "P-384":
			c = elliptic.P384()
		default:
			return nil, fmt.Errorf("unsupported curve %q", curve)
		}
		key, err = ecdsa.GenerateKey(c, rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported key algorithm %q", alg)
	}
	if err != nil {
		return nil, fmt.Errorf("generating %s key: %w", alg, err)
	}
	err = goodkey.Default.GoodKey(key.Public())
	if err != nil {
		return nil, err
	}
	return key, nil
}

// MarshalPEM encodes key as a PKCS #8 "PRIVATE KEY" block.
func MarshalPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// Parse decodes a PEM formatted RSA or ECDSA private key in a PKCS #1,
// PKCS #8, or SEC 1 container. Leading "EC PARAMETERS" blocks are skipped.
func Parse(keyPEM []byte) (crypto.Signer, error) {
	var block *pem.Block
	for {
		block, keyPEM = pem.Decode(keyPEM)
		if block == nil || block.Type != "EC PARAMETERS" {
			break
		}
	}
	if block == nil {
		return nil, errors.New("no PEM formatted block found")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		switch k := key.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case *ecdsa.PrivateKey:
			return k, nil
		}
		return nil, fmt.Errorf("unsupported PKCS #8 key type %T", key)
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	return nil, fmt.Errorf("unable to parse %q block as a private key", block.Type)
}

// Load reads and parses the key file at path, then checks that the key is
// internally consistent.
func Load(path string) (crypto.Signer, error) {
	keyPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read key file %q: %w", path, err)
	}
	key, err := Parse(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	err = Verify(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}
