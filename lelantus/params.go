// Package lelantus implements the group primitives the wallet needs to
// form mints: Pedersen commitments over secp256k1, deterministic scalar
// derivation, and the identifier types shared between the wallet and the
// anonymity group database.
package lelantus

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
)

// PubCoinSize is the length of a serialized public coin, which uses the
// compressed point encoding.
const PubCoinSize = 33

// maxRejectionRounds bounds the rejection sampling loops used during
// derivation.  A single rejection happens with probability around 2^-128,
// so reaching the bound means the input material is broken rather than
// unlucky.
const maxRejectionRounds = 256

// hTag seeds the derivation of the secondary generator H.
var hTag = []byte("lelantus secondary generator")

// Params holds the two generators Pedersen commitments are formed over.
type Params struct {
	// G is the secp256k1 base point.
	G *btcec.PublicKey

	// H is the secondary generator.  It is derived by hashing a fixed
	// tag until the digest decodes as a curve point, so its discrete log
	// with respect to G is unknown.
	H *btcec.PublicKey
}

var (
	paramsOnce    sync.Once
	defaultParams *Params
)

// DefaultParams returns the shared commitment parameters.  The secondary
// generator is computed once on first use.
func DefaultParams() *Params {
	paramsOnce.Do(func() {
		defaultParams = &Params{
			G: basePoint(),
			H: deriveH(),
		}
	})
	return defaultParams
}

func basePoint() *btcec.PublicKey {
	var one btcec.ModNScalar
	one.SetInt(1)
	var g btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&one, &g)
	g.ToAffine()
	return btcec.NewPublicKey(&g.X, &g.Y)
}

// deriveH finds the first counter for which 0x02 || SHA-256(hTag || ctr)
// parses as a valid compressed point.  Roughly half of all digests
// decode, so the loop ends after a couple of iterations.
func deriveH() *btcec.PublicKey {
	msg := make([]byte, len(hTag)+4)
	copy(msg, hTag)
	enc := make([]byte, PubCoinSize)
	enc[0] = 0x02
	for ctr := uint32(0); ; ctr++ {
		binary.BigEndian.PutUint32(msg[len(hTag):], ctr)
		digest := sha256.Sum256(msg)
		copy(enc[1:], digest[:])
		if pub, err := btcec.ParsePubKey(enc); err == nil {
			return pub
		}
	}
}
