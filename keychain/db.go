package keychain

import (
	"encoding/binary"

	"github.com/lelantusuite/lelantuswallet/walletdb"
	"github.com/lelantusuite/lelantuswallet/wmintmgr"
	"github.com/pkg/errors"
)

// Namespace layout.  Branch counters and key metadata are tiny and read
// once at open; everything else is derived on demand.
//
//   branches bucket: branch(4)  -> next child index(4)
//   keys bucket:     key id(20) -> {account(4), branch(4), index(4), master id(20)}
//   "master" key:    master id(20)
//   "vers" key:      version(4)
//
// Integers are big-endian.

var (
	bucketBranches = []byte("branches")
	bucketKeys     = []byte("keys")

	rootMasterId = []byte("master")
	rootVersion  = []byte("vers")
)

var byteOrder = binary.BigEndian

const (
	latestVersion = 1

	keyMetaSize = 12 + wmintmgr.KeyIdSize
)

func fetchVersion(ns walletdb.ReadBucket) (uint32, error) {
	v := ns.Get(rootVersion)
	if len(v) != 4 {
		return 0, errors.New("malformed key chain version")
	}
	return byteOrder.Uint32(v), nil
}

func putVersion(ns walletdb.ReadWriteBucket, version uint32) error {
	v := make([]byte, 4)
	byteOrder.PutUint32(v, version)
	return errors.Wrap(ns.Put(rootVersion, v),
		"failed to store key chain version")
}

func fetchMasterId(ns walletdb.ReadBucket) (wmintmgr.MasterKeyId, error) {
	var id wmintmgr.MasterKeyId
	v := ns.Get(rootMasterId)
	if len(v) != wmintmgr.KeyIdSize {
		return id, errors.New("malformed master key id")
	}
	copy(id[:], v)
	return id, nil
}

func putMasterId(ns walletdb.ReadWriteBucket, id wmintmgr.MasterKeyId) error {
	return errors.Wrap(ns.Put(rootMasterId, id[:]),
		"failed to store master key id")
}

func putBranchIndex(ns walletdb.ReadWriteBucket, branch, nextIndex uint32) error {
	k := make([]byte, 4)
	byteOrder.PutUint32(k, branch)
	v := make([]byte, 4)
	byteOrder.PutUint32(v, nextIndex)
	err := ns.NestedReadWriteBucket(bucketBranches).Put(k, v)
	return errors.Wrapf(err, "failed to store branch %d counter", branch)
}

func forEachBranch(ns walletdb.ReadBucket, fn func(branch, nextIndex uint32) error) error {
	return ns.NestedReadBucket(bucketBranches).ForEach(func(k, v []byte) error {
		if len(k) != 4 || len(v) != 4 {
			return errors.New("malformed branch counter")
		}
		return fn(byteOrder.Uint32(k), byteOrder.Uint32(v))
	})
}

func valueKeyMeta(meta *wmintmgr.KeyMeta) []byte {
	v := make([]byte, keyMetaSize)
	byteOrder.PutUint32(v[0:4], meta.Path.Account)
	byteOrder.PutUint32(v[4:8], meta.Path.Branch)
	byteOrder.PutUint32(v[8:12], meta.Path.Index)
	copy(v[12:], meta.MasterId[:])
	return v
}

func readKeyMeta(v []byte) (wmintmgr.KeyMeta, error) {
	var meta wmintmgr.KeyMeta
	if len(v) != keyMetaSize {
		return meta, errors.Errorf("malformed key metadata of len %d",
			len(v))
	}
	meta.Path.Account = byteOrder.Uint32(v[0:4])
	meta.Path.Branch = byteOrder.Uint32(v[4:8])
	meta.Path.Index = byteOrder.Uint32(v[8:12])
	copy(meta.MasterId[:], v[12:])
	return meta, nil
}

func putKeyMeta(ns walletdb.ReadWriteBucket, id wmintmgr.KeyId, meta *wmintmgr.KeyMeta) error {
	err := ns.NestedReadWriteBucket(bucketKeys).Put(id[:], valueKeyMeta(meta))
	return errors.Wrapf(err, "failed to store key %v metadata", id)
}

func forEachKeyMeta(ns walletdb.ReadBucket, fn func(wmintmgr.KeyId, wmintmgr.KeyMeta) error) error {
	return ns.NestedReadBucket(bucketKeys).ForEach(func(k, v []byte) error {
		if len(k) != wmintmgr.KeyIdSize {
			return errors.Errorf("malformed key id of len %d", len(k))
		}
		var id wmintmgr.KeyId
		copy(id[:], k)
		meta, err := readKeyMeta(v)
		if err != nil {
			return err
		}
		return fn(id, meta)
	})
}

func createBuckets(ns walletdb.ReadWriteBucket) error {
	if _, err := ns.CreateBucket(bucketBranches); err != nil {
		return errors.Wrap(err, "failed to create branches bucket")
	}
	if _, err := ns.CreateBucket(bucketKeys); err != nil {
		return errors.Wrap(err, "failed to create keys bucket")
	}
	return nil
}
