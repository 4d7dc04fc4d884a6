package lelantusdb

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lelantusuite/lelantuswallet/lelantus"
	"github.com/pkg/errors"
)

// Everything lives in a single ordered keyspace, partitioned by a
// one-byte prefix.  Integers inside keys are fixed-width big-endian so
// that lexicographic key order equals tuple order, which the backward
// seek in nextSequence depends on.
//
//   'B' || block(4) || seq(8)                  -> journal entry
//   'C' || property(8) || group(4) || index(8) -> coin record
//   'I' || property(8) || id(32)               -> placement
//   'P' || property(8) || pubcoin(33)          -> placement
//   'S' || property(8) || serial(32)           -> serial record
//   0xF0 'c'                                   -> group size config
//
// Coin records hold the serialized public coin, the mint id, the block
// the coin confirmed in, the amount, and any extra payload.  Placements
// point back at the coin's (group, index) slot.  The journal keeps one
// entry per written coin and serial, keyed by block, so a reorg purge
// can find everything recorded at or past a block without scanning the
// data itself.

const (
	prefixJournal = 'B'
	prefixCoin    = 'C'
	prefixEntryId = 'I'
	prefixPubCoin = 'P'
	prefixSerial  = 'S'
)

// keyGroupConfig sorts after every data prefix.
var keyGroupConfig = []byte{0xf0, 'c'}

var byteOrder = binary.BigEndian

const (
	placementValueLen = 12
	serialValueLen    = 4 + chainhash.HashSize
	coinValueMinLen   = lelantus.PubCoinSize + chainhash.HashSize + 4 + 8
)

// Journal entry kinds.
const (
	journalCoin   = byte(prefixCoin)
	journalSerial = byte(prefixSerial)
)

func journalKeyPrefix(block int32) []byte {
	k := make([]byte, 5)
	k[0] = prefixJournal
	byteOrder.PutUint32(k[1:5], uint32(block))
	return k
}

func journalKey(block int32, seq uint64) []byte {
	k := make([]byte, 13)
	k[0] = prefixJournal
	byteOrder.PutUint32(k[1:5], uint32(block))
	byteOrder.PutUint64(k[5:13], seq)
	return k
}

func coinKeyPrefix(property uint64) []byte {
	k := make([]byte, 9)
	k[0] = prefixCoin
	byteOrder.PutUint64(k[1:9], property)
	return k
}

func coinGroupKeyPrefix(property uint64, group uint32) []byte {
	k := make([]byte, 13)
	k[0] = prefixCoin
	byteOrder.PutUint64(k[1:9], property)
	byteOrder.PutUint32(k[9:13], group)
	return k
}

func coinKey(property uint64, group uint32, index uint64) []byte {
	k := make([]byte, 21)
	k[0] = prefixCoin
	byteOrder.PutUint64(k[1:9], property)
	byteOrder.PutUint32(k[9:13], group)
	byteOrder.PutUint64(k[13:21], index)
	return k
}

// readCoinKey decodes the (group, index) slot out of a coin key.
func readCoinKey(k []byte) (uint32, uint64, error) {
	if len(k) != 21 || k[0] != prefixCoin {
		return 0, 0, errors.Errorf("malformed coin key of len %d", len(k))
	}
	return byteOrder.Uint32(k[9:13]), byteOrder.Uint64(k[13:21]), nil
}

func entryIdKey(property uint64, id lelantus.MintEntryId) []byte {
	k := make([]byte, 9+chainhash.HashSize)
	k[0] = prefixEntryId
	byteOrder.PutUint64(k[1:9], property)
	copy(k[9:], id[:])
	return k
}

func pubCoinKey(property uint64, pubCoin []byte) []byte {
	k := make([]byte, 9+len(pubCoin))
	k[0] = prefixPubCoin
	byteOrder.PutUint64(k[1:9], property)
	copy(k[9:], pubCoin)
	return k
}

func serialKey(property uint64, serial [32]byte) []byte {
	k := make([]byte, 41)
	k[0] = prefixSerial
	byteOrder.PutUint64(k[1:9], property)
	copy(k[9:41], serial[:])
	return k
}

// coinValue serializes a coin record:
//
//   [0:33]  serialized public coin
//   [33:65] mint entry id
//   [65:69] block
//   [69:77] amount
//   [77:]   extra payload
func coinValue(pubCoin []byte, id lelantus.MintEntryId, block int32, amount uint64, extra []byte) []byte {
	v := make([]byte, coinValueMinLen+len(extra))
	copy(v[0:33], pubCoin)
	copy(v[33:65], id[:])
	byteOrder.PutUint32(v[65:69], uint32(block))
	byteOrder.PutUint64(v[69:77], amount)
	copy(v[77:], extra)
	return v
}

type coinRecord struct {
	pubCoin []byte
	id      lelantus.MintEntryId
	block   int32
	amount  uint64
	extra   []byte
}

func readCoinValue(v []byte) (*coinRecord, error) {
	if len(v) < coinValueMinLen {
		return nil, errors.Errorf("malformed coin record of len %d", len(v))
	}
	rec := &coinRecord{
		pubCoin: make([]byte, lelantus.PubCoinSize),
		block:   int32(byteOrder.Uint32(v[65:69])),
		amount:  byteOrder.Uint64(v[69:77]),
	}
	copy(rec.pubCoin, v[0:33])
	copy(rec.id[:], v[33:65])
	if len(v) > coinValueMinLen {
		rec.extra = make([]byte, len(v)-coinValueMinLen)
		copy(rec.extra, v[coinValueMinLen:])
	}
	return rec, nil
}

func placementValue(group uint32, index uint64) []byte {
	v := make([]byte, placementValueLen)
	byteOrder.PutUint32(v[0:4], group)
	byteOrder.PutUint64(v[4:12], index)
	return v
}

func readPlacementValue(v []byte) (uint32, uint64, error) {
	if len(v) != placementValueLen {
		return 0, 0, errors.Errorf("malformed placement of len %d", len(v))
	}
	return byteOrder.Uint32(v[0:4]), byteOrder.Uint64(v[4:12]), nil
}

func serialValue(block int32, spendTx chainhash.Hash) []byte {
	v := make([]byte, serialValueLen)
	byteOrder.PutUint32(v[0:4], uint32(block))
	copy(v[4:], spendTx[:])
	return v
}

func readSerialValue(v []byte) (int32, chainhash.Hash, error) {
	var spendTx chainhash.Hash
	if len(v) != serialValueLen {
		return 0, spendTx, errors.Errorf("malformed serial record of "+
			"len %d", len(v))
	}
	copy(spendTx[:], v[4:])
	return int32(byteOrder.Uint32(v[0:4])), spendTx, nil
}

// journalCoinValue records a written coin's slot for reorg rollback.
//
//   [0]     journalCoin
//   [1:9]   property
//   [9:13]  group
//   [13:21] index
func journalCoinValue(property uint64, group uint32, index uint64) []byte {
	v := make([]byte, 21)
	v[0] = journalCoin
	byteOrder.PutUint64(v[1:9], property)
	byteOrder.PutUint32(v[9:13], group)
	byteOrder.PutUint64(v[13:21], index)
	return v
}

// journalSerialValue records a written serial for reorg rollback.
//
//   [0]    journalSerial
//   [1:9]  property
//   [9:41] serial
func journalSerialValue(property uint64, serial [32]byte) []byte {
	v := make([]byte, 41)
	v[0] = journalSerial
	byteOrder.PutUint64(v[1:9], property)
	copy(v[9:41], serial[:])
	return v
}

// groupConfigValue serializes the immutable group sizing:
//
//   [0:4] groupSize
//   [4:8] startGroupSize
func groupConfigValue(groupSize, startGroupSize uint32) []byte {
	v := make([]byte, 8)
	byteOrder.PutUint32(v[0:4], groupSize)
	byteOrder.PutUint32(v[4:8], startGroupSize)
	return v
}

func readGroupConfigValue(v []byte) (uint32, uint32, error) {
	if len(v) != 8 {
		return 0, 0, errors.Errorf("malformed group config of len %d",
			len(v))
	}
	return byteOrder.Uint32(v[0:4]), byteOrder.Uint32(v[4:8]), nil
}
