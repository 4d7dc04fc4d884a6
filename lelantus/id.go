package lelantus

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// SerialIdSize is the length of a serialized serial id.
const SerialIdSize = 20

// MintEntryId identifies one wallet mint.  It commits to both the public
// coin and the 20-byte seed id that derived it, so a wallet can recognize
// its own mints on chain without revealing which seed produced them.
type MintEntryId chainhash.Hash

// NewMintEntryId hashes the coin's compressed encoding together with the
// seed id.
func NewMintEntryId(coin *PublicCoin, seedId []byte) MintEntryId {
	buf := make([]byte, 0, PubCoinSize+len(seedId))
	buf = append(buf, coin.Bytes()...)
	buf = append(buf, seedId...)
	return MintEntryId(chainhash.DoubleHashH(buf))
}

// String returns the id in the byte-reversed hex form hashes are
// conventionally displayed in.
func (id MintEntryId) String() string {
	h := chainhash.Hash(id)
	return h.String()
}

// IsZero reports whether the id is the all-zero value.
func (id *MintEntryId) IsZero() bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}

// SerialId is the 20-byte lookup key for a serial: RIPEMD-160(SHA-256) of
// the scalar's canonical encoding.  The wallet indexes mints by serial id
// so spends observed on chain can be matched to records without keeping
// raw serials around.
type SerialId [SerialIdSize]byte

// NewSerialId computes the serial id of a serial scalar.
func NewSerialId(serial *btcec.ModNScalar) SerialId {
	b := serial.Bytes()
	var id SerialId
	copy(id[:], btcutil.Hash160(b[:]))
	return id
}

// String returns the serial id as hex.
func (id SerialId) String() string {
	return hex.EncodeToString(id[:])
}
