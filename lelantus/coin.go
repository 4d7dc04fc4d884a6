package lelantus

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lelantusuite/lelantuswallet/internal/zero"
)

// PublicCoin is a mint's public commitment g^serial * h^randomness.  Its
// compressed encoding is what appears on chain and inside anonymity
// groups.
type PublicCoin struct {
	point *btcec.PublicKey
}

// Commit computes the Pedersen commitment to serial under randomness.
func (p *Params) Commit(serial, randomness *btcec.ModNScalar) *PublicCoin {
	var h, sG, rH, sum btcec.JacobianPoint
	p.H.AsJacobian(&h)
	btcec.ScalarBaseMultNonConst(serial, &sG)
	btcec.ScalarMultNonConst(randomness, &h, &rH)
	btcec.AddNonConst(&sG, &rH, &sum)
	sum.ToAffine()
	return &PublicCoin{point: btcec.NewPublicKey(&sum.X, &sum.Y)}
}

// ParsePubCoin decodes a compressed coin encoding, rejecting anything
// that is not a canonical point on the curve.
func ParsePubCoin(b []byte) (*PublicCoin, error) {
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, err
	}
	return &PublicCoin{point: pub}, nil
}

// Bytes returns the 33-byte compressed encoding of the coin.
func (c *PublicCoin) Bytes() []byte {
	return c.point.SerializeCompressed()
}

// IsEqual reports whether both coins are the same curve point.
func (c *PublicCoin) IsEqual(other *PublicCoin) bool {
	return c.point.IsEqual(other.point)
}

// PrivateKey is the secret material behind a single mint: the serial and
// randomness committed by the public coin plus the signing key the serial
// is bound to.  Private keys are always rederived from wallet seed
// material and never stored.
type PrivateKey struct {
	Params     *Params
	Serial     btcec.ModNScalar
	Randomness btcec.ModNScalar
	SigningKey [32]byte
}

// NewPrivateKey derives the mint private key for a 64-byte mint seed.
//
// The second half of the seed feeds the randomness scalar directly.  The
// first half is hashed with SHA-256 at least once, and rehashed until the
// digest encodes a valid secp256k1 signing key.  The serial scalar is
// then derived from the SHA-256 digest of the signing key's compressed
// public key.  Every step is deterministic in the seed.
func NewPrivateKey(params *Params, seed *[64]byte) (*PrivateKey, error) {
	var randSeed [32]byte
	copy(randSeed[:], seed[32:])
	randomness, err := ScalarFromSeed(randSeed)
	if err != nil {
		return nil, err
	}

	// The signing key is always a digest of the seed half, never the
	// half itself.
	var keyBytes [32]byte
	copy(keyBytes[:], seed[:32])
	var key btcec.ModNScalar
	valid := false
	for i := 0; i < maxRejectionRounds; i++ {
		keyBytes = sha256.Sum256(keyBytes[:])
		if overflow := key.SetBytes(&keyBytes); overflow == 0 && !key.IsZero() {
			valid = true
			break
		}
	}
	if !valid {
		return nil, ErrRejectionLimit
	}

	_, pub := btcec.PrivKeyFromBytes(keyBytes[:])
	serialSeed := sha256.Sum256(pub.SerializeCompressed())
	serial, err := ScalarFromSeed(serialSeed)
	if err != nil {
		return nil, err
	}

	return &PrivateKey{
		Params:     params,
		Serial:     serial,
		Randomness: randomness,
		SigningKey: keyBytes,
	}, nil
}

// PublicCoin returns the commitment to the key's serial under its
// randomness.
func (k *PrivateKey) PublicCoin() *PublicCoin {
	return k.Params.Commit(&k.Serial, &k.Randomness)
}

// Zero wipes the key's secret material.  The key is unusable afterwards.
func (k *PrivateKey) Zero() {
	k.Serial.Zero()
	k.Randomness.Zero()
	zero.Bytea32(&k.SigningKey)
}
