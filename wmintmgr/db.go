package wmintmgr

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lelantusuite/lelantuswallet/lelantus"
	"github.com/lelantusuite/lelantuswallet/walletdb"
)

// Naming
//
// The following variables are commonly used in this file and given
// reserved names:
//
//   ns: The namespace bucket for this package
//   b:  The primary bucket being operated on
//   k:  A single bucket key
//   v:  A single bucket value
//
// Functions use the naming scheme Op[Type][Field], which performs the
// operation Op on the type Type.  The following operations are used:
//
//   key:    return a db key for some data
//   value:  return a db value for some data
//   put:    insert or replace a value into a bucket
//   fetch:  read and return a value
//   read:   read a value into an out parameter
//   exists: return whether a value is present
//   delete: remove a k/v pair

// Big endian is the preferred byte order, due to cursor scans over
// integer keys iterating in order.
var byteOrder = binary.BigEndian

// This package assumes the width of a chainhash.Hash is always 32 bytes.
// If this is ever changed, offsets have to be rewritten.  Use a
// compile-time assertion that this assumption holds true.
var _ [32]byte = chainhash.Hash{}

// Bucket names
var (
	bucketMints    = []byte("mints")
	bucketSerials  = []byte("serialids")
	bucketMintPool = []byte("mintpool")
)

// Root (namespace) bucket keys
var (
	rootCreateDate = []byte("date")
	rootVersion    = []byte("vers")
)

// maybeConvertDbError converts the passed error to a ManagerError with an
// error code of ErrDatabase if it is not already a ManagerError.  This is
// useful for potential errors returned from managed transaction an
// underlying database access may generate.
func maybeConvertDbError(err error) error {
	// When the error is already a ManagerError, just return it.
	if _, ok := err.(ManagerError); ok {
		return err
	}

	return managerError(ErrDatabase, err.Error(), err)
}

// The version key of the namespace holds the manager version the data was
// written with.  The value is serialized as a uint32.
func fetchVersion(ns walletdb.ReadBucket) (uint32, error) {
	v := ns.Get(rootVersion)
	if len(v) != 4 {
		str := fmt.Sprintf("version: short read (expected 4 bytes, "+
			"read %v)", len(v))
		return 0, managerError(ErrDatabase, str, nil)
	}
	return byteOrder.Uint32(v), nil
}

func putVersion(ns walletdb.ReadWriteBucket, version uint32) error {
	v := make([]byte, 4)
	byteOrder.PutUint32(v, version)
	err := ns.Put(rootVersion, v)
	if err != nil {
		str := "failed to put version"
		return managerError(ErrDatabase, str, err)
	}
	return nil
}

// The create date key holds the unix time the manager namespace was
// initialized at, serialized as a uint64.
func putCreateDate(ns walletdb.ReadWriteBucket, t time.Time) error {
	v := make([]byte, 8)
	byteOrder.PutUint64(v, uint64(t.Unix()))
	err := ns.Put(rootCreateDate, v)
	if err != nil {
		str := "failed to put create date"
		return managerError(ErrDatabase, str, err)
	}
	return nil
}

func fetchCreateDate(ns walletdb.ReadBucket) (time.Time, error) {
	v := ns.Get(rootCreateDate)
	if len(v) != 8 {
		str := fmt.Sprintf("create date: short read (expected 8 bytes, "+
			"read %v)", len(v))
		return time.Time{}, managerError(ErrDatabase, str, nil)
	}
	return time.Unix(int64(byteOrder.Uint64(v)), 0), nil
}

// Mint records are keyed by the 32-byte mint entry id.  The value layout
// is fixed width:
//
//   [0:8]     property (8 bytes)
//   [8:16]    amount (8 bytes)
//   [16:36]   seed id (20 bytes)
//   [36:56]   serial id (20 bytes)
//   [56:64]   created unix time (8 bytes)
//   [64:68]   chain block (4 bytes, signed)
//   [68:72]   chain group (4 bytes)
//   [72:80]   chain index (8 bytes)
//   [80:112]  created tx hash (32 bytes)
//   [112:144] spend tx hash (32 bytes)
const mintRecordSize = 144

func valueMint(m *Mint) []byte {
	v := make([]byte, mintRecordSize)
	byteOrder.PutUint64(v[0:8], m.Property)
	byteOrder.PutUint64(v[8:16], m.Amount)
	copy(v[16:36], m.SeedId[:])
	copy(v[36:56], m.SerialId[:])
	byteOrder.PutUint64(v[56:64], uint64(m.Created.Unix()))
	byteOrder.PutUint32(v[64:68], uint32(m.ChainState.Block))
	byteOrder.PutUint32(v[68:72], m.ChainState.Group)
	byteOrder.PutUint64(v[72:80], m.ChainState.Index)
	copy(v[80:112], m.CreatedTx[:])
	copy(v[112:144], m.SpendTx[:])
	return v
}

func readMint(v []byte, m *Mint) error {
	if len(v) != mintRecordSize {
		str := fmt.Sprintf("mint record: short read (expected %d bytes, "+
			"read %d)", mintRecordSize, len(v))
		return managerError(ErrDatabase, str, nil)
	}
	m.Property = byteOrder.Uint64(v[0:8])
	m.Amount = byteOrder.Uint64(v[8:16])
	copy(m.SeedId[:], v[16:36])
	copy(m.SerialId[:], v[36:56])
	m.Created = time.Unix(int64(byteOrder.Uint64(v[56:64])), 0)
	m.ChainState.Block = int32(byteOrder.Uint32(v[64:68]))
	m.ChainState.Group = byteOrder.Uint32(v[68:72])
	m.ChainState.Index = byteOrder.Uint64(v[72:80])
	copy(m.CreatedTx[:], v[80:112])
	copy(m.SpendTx[:], v[112:144])
	return nil
}

func putMint(ns walletdb.ReadWriteBucket, id *lelantus.MintEntryId, m *Mint) error {
	err := ns.NestedReadWriteBucket(bucketMints).Put(id[:], valueMint(m))
	if err != nil {
		str := fmt.Sprintf("failed to put mint %v", id)
		return managerError(ErrDatabase, str, err)
	}
	return nil
}

func existsMint(ns walletdb.ReadBucket, id *lelantus.MintEntryId) bool {
	return ns.NestedReadBucket(bucketMints).Get(id[:]) != nil
}

func fetchMint(ns walletdb.ReadBucket, id *lelantus.MintEntryId) (*Mint, error) {
	v := ns.NestedReadBucket(bucketMints).Get(id[:])
	if v == nil {
		str := fmt.Sprintf("mint %v not found", id)
		return nil, managerError(ErrNoExist, str, nil)
	}
	var m Mint
	if err := readMint(v, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func deleteMint(ns walletdb.ReadWriteBucket, id *lelantus.MintEntryId) error {
	err := ns.NestedReadWriteBucket(bucketMints).Delete(id[:])
	if err != nil {
		str := fmt.Sprintf("failed to delete mint %v", id)
		return managerError(ErrDatabase, str, err)
	}
	return nil
}

// forEachMint invokes fn with every recorded mint.  The iteration order
// follows the raw id bytes and carries no meaning.
func forEachMint(ns walletdb.ReadBucket, fn func(lelantus.MintEntryId, *Mint) error) error {
	b := ns.NestedReadBucket(bucketMints)
	return b.ForEach(func(k, v []byte) error {
		if len(k) != chainhash.HashSize {
			str := fmt.Sprintf("mint key: short read (expected %d "+
				"bytes, read %d)", chainhash.HashSize, len(k))
			return managerError(ErrDatabase, str, nil)
		}
		var id lelantus.MintEntryId
		copy(id[:], k)
		var m Mint
		if err := readMint(v, &m); err != nil {
			return err
		}
		return fn(id, &m)
	})
}

// The serial index maps the 20-byte serial id of every recorded mint back
// to its 32-byte mint entry id, so a spend seen on chain can be matched
// without scanning all records.
func putSerialId(ns walletdb.ReadWriteBucket, serialId *lelantus.SerialId, id *lelantus.MintEntryId) error {
	err := ns.NestedReadWriteBucket(bucketSerials).Put(serialId[:], id[:])
	if err != nil {
		str := fmt.Sprintf("failed to put serial id %v", serialId)
		return managerError(ErrDatabase, str, err)
	}
	return nil
}

func existsSerialId(ns walletdb.ReadBucket, serialId *lelantus.SerialId) bool {
	return ns.NestedReadBucket(bucketSerials).Get(serialId[:]) != nil
}

func fetchSerialId(ns walletdb.ReadBucket, serialId *lelantus.SerialId) (lelantus.MintEntryId, error) {
	var id lelantus.MintEntryId
	v := ns.NestedReadBucket(bucketSerials).Get(serialId[:])
	if v == nil {
		str := fmt.Sprintf("serial id %v not found", serialId)
		return id, managerError(ErrNoExist, str, nil)
	}
	if len(v) != chainhash.HashSize {
		str := fmt.Sprintf("serial index: short read (expected %d "+
			"bytes, read %d)", chainhash.HashSize, len(v))
		return id, managerError(ErrDatabase, str, nil)
	}
	copy(id[:], v)
	return id, nil
}

func deleteSerialId(ns walletdb.ReadWriteBucket, serialId *lelantus.SerialId) error {
	err := ns.NestedReadWriteBucket(bucketSerials).Delete(serialId[:])
	if err != nil {
		str := fmt.Sprintf("failed to delete serial id %v", serialId)
		return managerError(ErrDatabase, str, err)
	}
	return nil
}

// Pool entries are keyed by the big-endian HD index so a cursor walks the
// persisted pool oldest first.  The value layout is fixed width:
//
//   [0:32]  mint entry id (32 bytes)
//   [32:52] seed id (20 bytes)
const poolEntrySize = 52

func keyPoolEntry(index uint32) []byte {
	k := make([]byte, 4)
	byteOrder.PutUint32(k, index)
	return k
}

func valuePoolEntry(e *MintPoolEntry) []byte {
	v := make([]byte, poolEntrySize)
	copy(v[0:32], e.Id[:])
	copy(v[32:52], e.SeedId[:])
	return v
}

func readPoolEntry(k, v []byte, e *MintPoolEntry) error {
	if len(k) != 4 {
		str := fmt.Sprintf("pool key: short read (expected 4 bytes, "+
			"read %d)", len(k))
		return managerError(ErrDatabase, str, nil)
	}
	if len(v) != poolEntrySize {
		str := fmt.Sprintf("pool entry: short read (expected %d bytes, "+
			"read %d)", poolEntrySize, len(v))
		return managerError(ErrDatabase, str, nil)
	}
	e.Index = byteOrder.Uint32(k)
	copy(e.Id[:], v[0:32])
	copy(e.SeedId[:], v[32:52])
	return nil
}

// putMintPool replaces the persisted pool snapshot with the passed
// entries.  The old bucket is dropped and rewritten so the snapshot never
// mixes entries from different pool generations.
func putMintPool(ns walletdb.ReadWriteBucket, entries []MintPoolEntry) error {
	if err := ns.DeleteNestedBucket(bucketMintPool); err != nil &&
		err != walletdb.ErrBucketNotFound {

		str := "failed to clear mint pool bucket"
		return managerError(ErrDatabase, str, err)
	}
	b, err := ns.CreateBucket(bucketMintPool)
	if err != nil {
		str := "failed to recreate mint pool bucket"
		return managerError(ErrDatabase, str, err)
	}
	for i := range entries {
		e := &entries[i]
		if err := b.Put(keyPoolEntry(e.Index), valuePoolEntry(e)); err != nil {
			str := fmt.Sprintf("failed to put pool entry %d", e.Index)
			return managerError(ErrDatabase, str, err)
		}
	}
	return nil
}

// forEachPoolEntry invokes fn with every persisted pool entry in
// ascending index order.
func forEachPoolEntry(ns walletdb.ReadBucket, fn func(*MintPoolEntry) error) error {
	b := ns.NestedReadBucket(bucketMintPool)
	return b.ForEach(func(k, v []byte) error {
		var e MintPoolEntry
		if err := readPoolEntry(k, v, &e); err != nil {
			return err
		}
		return fn(&e)
	})
}

// createBuckets creates all of the buckets required for the manager.
func createBuckets(ns walletdb.ReadWriteBucket) error {
	if _, err := ns.CreateBucket(bucketMints); err != nil {
		str := "failed to create mints bucket"
		return managerError(ErrDatabase, str, err)
	}
	if _, err := ns.CreateBucket(bucketSerials); err != nil {
		str := "failed to create serial index bucket"
		return managerError(ErrDatabase, str, err)
	}
	if _, err := ns.CreateBucket(bucketMintPool); err != nil {
		str := "failed to create mint pool bucket"
		return managerError(ErrDatabase, str, err)
	}
	return nil
}
