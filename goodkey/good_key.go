// Package goodkey rejects public keys that are too weak to be issued for,
// whether freshly generated or loaded from a CA key file.
package goodkey

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"math/big"
	"sync"

	"github.com/titanous/rocacheck"

	berrors "github.com/serverpki/serverpki/errors"
)

// To generate, run: primes 2 752 | tr '\n' ,
var smallPrimeInts = []int64{
	2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37, 41, 43, 47,
	53, 59, 61, 67, 71, 73, 79, 83, 89, 97, 101, 103, 107,
	109, 113, 127, 131, 137, 139, 149, 151, 157, 163, 167,
	173, 179, 181, 191, 193, 197, 199, 211, 223, 227, 229,
	233, 239, 241, 251, 257, 263, 269, 271, 277, 281, 283,
	293, 307, 311, 313, 317, 331, 337, 347, 349, 353, 359,
	367, 373, 379, 383, 389, 397, 401, 409, 419, 421, 431,
	433, 439, 443, 449, 457, 461, 463, 467, 479, 487, 491,
	499, 503, 509, 521, 523, 541, 547, 557, 563, 569, 571,
	577, 587, 593, 599, 601, 607, 613, 617, 619, 631, 641,
	643, 647, 653, 659, 661, 673, 677, 683, 691, 701, 709,
	719, 727, 733, 739, 743, 751,
}

var smallPrimes = sync.OnceValue(func() []*big.Int {
	out := make([]*big.Int, len(smallPrimeInts))
	for i, p := range smallPrimeInts {
		out[i] = big.NewInt(p)
	}
	return out
})

// KeyPolicy determines which keys may be certified.
type KeyPolicy struct {
	AllowRSA  bool
	AllowP256 bool
	AllowP384 bool
	// MinRSABits is the smallest accepted modulus. Zero means 2048.
	MinRSABits int
}

// Default allows RSA of 2048 bits and up, P-256 and P-384.
var Default = KeyPolicy{AllowRSA: true, AllowP256: true, AllowP384: true}

// GoodKey returns a Malformed error if key is not acceptable.
func (policy KeyPolicy) GoodKey(key crypto.PublicKey) error {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return policy.goodKeyRSA(k)
	case *ecdsa.PublicKey:
		return policy.goodKeyECDSA(k)
	default:
		return berrors.MalformedError("unsupported key type %T", key)
	}
}

func (policy KeyPolicy) goodKeyECDSA(key *ecdsa.PublicKey) error {
	switch {
	case policy.AllowP256 && key.Curve == elliptic.P256():
	case policy.AllowP384 && key.Curve == elliptic.P384():
	default:
		return berrors.MalformedError("ECDSA curve %s not allowed", key.Curve.Params().Name)
	}
	// ECDH performs the NIST SP800-56A public key validation: the point is
	// on the curve and is not the point at infinity.
	if _, err := key.ECDH(); err != nil {
		return berrors.MalformedError("invalid ECDSA public key: %s", err)
	}
	return nil
}

func (policy KeyPolicy) goodKeyRSA(key *rsa.PublicKey) error {
	if !policy.AllowRSA {
		return berrors.MalformedError("RSA keys are not allowed")
	}
	minBits := policy.MinRSABits
	if minBits == 0 {
		minBits = 2048
	}
	const maxBits = 4096
	bits := key.N.BitLen()
	if bits < minBits {
		return berrors.MalformedError("key too small: %d", bits)
	}
	if bits > maxBits {
		return berrors.MalformedError("key too large: %d > %d", bits, maxBits)
	}
	if bits%8 != 0 {
		return berrors.MalformedError("key length wasn't a multiple of 8: %d", bits)
	}
	if key.E%2 == 0 || key.E < (1<<16)+1 {
		return berrors.MalformedError("key exponent should be odd and >2^16: %d", key.E)
	}
	if checkSmallPrimes(key.N) {
		return berrors.MalformedError("key divisible by small prime")
	}
	if rocacheck.IsWeak(key) {
		return berrors.MalformedError("key generated by vulnerable Infineon-based hardware")
	}
	return nil
}

// checkSmallPrimes short circuits; do not use it on secret values.
func checkSmallPrimes(i *big.Int) bool {
	var r big.Int
	for _, prime := range smallPrimes() {
		if r.Mod(i, prime).Sign() == 0 {
			return true
		}
	}
	return false
}
