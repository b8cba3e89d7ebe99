package goodkey

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"math/big"
	"testing"

	berrors "github.com/serverpki/serverpki/errors"
	"github.com/serverpki/serverpki/test"
)

func TestUnknownKeyType(t *testing.T) {
	err := Default.GoodKey(struct{}{})
	test.Assert(t, berrors.Is(err, berrors.Malformed), "unknown key type should be Malformed")
}

func TestRSASizes(t *testing.T) {
	small, err := rsa.GenerateKey(rand.Reader, 1024)
	test.AssertNotError(t, err, "generating key")
	test.AssertError(t, Default.GoodKey(&small.PublicKey), "1024 bit key should be rejected")

	good, err := rsa.GenerateKey(rand.Reader, 2048)
	test.AssertNotError(t, err, "generating key")
	test.AssertNotError(t, Default.GoodKey(&good.PublicKey), "2048 bit key should be accepted")

	strict := Default
	strict.MinRSABits = 3072
	test.AssertError(t, strict.GoodKey(&good.PublicKey), "2048 bit key below the policy minimum")

	noRSA := KeyPolicy{AllowP256: true}
	test.AssertError(t, noRSA.GoodKey(&good.PublicKey), "RSA disallowed")
}

func TestRSAExponentAndModulus(t *testing.T) {
	one := big.NewInt(1)

	notByteAligned := &rsa.PublicKey{N: new(big.Int).Lsh(one, 2049), E: 65537}
	test.AssertError(t, Default.GoodKey(notByteAligned), "modulus length not divisible by 8")

	smallE := &rsa.PublicKey{N: new(big.Int).Lsh(one, 2047), E: 5}
	test.AssertError(t, Default.GoodKey(smallE), "small exponent")

	// 2^2047 is even, so it is divisible by the small prime 2.
	even := &rsa.PublicKey{N: new(big.Int).Lsh(one, 2047), E: 65537}
	test.AssertError(t, Default.GoodKey(even), "modulus divisible by 2")
}

func TestECDSACurves(t *testing.T) {
	for _, curve := range []elliptic.Curve{elliptic.P256(), elliptic.P384()} {
		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		test.AssertNotError(t, err, "generating key")
		test.AssertNotError(t, Default.GoodKey(&key.PublicKey), curve.Params().Name+" should be accepted")
	}

	p521, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	test.AssertNotError(t, err, "generating key")
	test.AssertError(t, Default.GoodKey(&p521.PublicKey), "P-521 should be rejected")

	onlyP384 := KeyPolicy{AllowP384: true}
	p256, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating key")
	test.AssertError(t, onlyP384.GoodKey(&p256.PublicKey), "P-256 disallowed by policy")
}

func TestECDSAPointNotOnCurve(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	test.AssertNotError(t, err, "generating key")
	bad := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     key.X,
		Y:     new(big.Int).Add(key.Y, big.NewInt(1)),
	}
	test.AssertError(t, Default.GoodKey(bad), "point off the curve should be rejected")
}
