package lelantus

import (
	"crypto/sha256"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
)

// ErrRejectionLimit is returned when a derivation rejection loop fails to
// find usable material within the iteration bound.
var ErrRejectionLimit = errors.New("lelantus: derivation rejection limit reached")

// ScalarFromSeed maps a 32-byte seed to a non-zero scalar modulo the
// secp256k1 group order.  Seeds that do not already encode a canonical
// non-zero scalar are rehashed with SHA-256 and retried, so the result is
// unbiased and fully determined by the seed.
func ScalarFromSeed(seed [32]byte) (btcec.ModNScalar, error) {
	b := seed
	var s btcec.ModNScalar
	for i := 0; i < maxRejectionRounds; i++ {
		if overflow := s.SetBytes(&b); overflow == 0 && !s.IsZero() {
			return s, nil
		}
		b = sha256.Sum256(b[:])
	}
	return btcec.ModNScalar{}, ErrRejectionLimit
}

// ScalarBytes returns the canonical 32-byte big-endian encoding of a
// scalar.  This is the form serials take in database keys.
func ScalarBytes(s *btcec.ModNScalar) [32]byte {
	return s.Bytes()
}
