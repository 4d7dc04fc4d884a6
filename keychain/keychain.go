// Package keychain implements the wallet's hierarchical-deterministic
// key store.
//
// Keys derive under m/44'/136'/account'/branch/index from a BIP39
// compatible seed.  Only the account-level private key is held in
// memory, and only while the chain is unlocked; individual child keys
// are rederived on demand and handed out as raw signing material the
// caller must wipe.  Key ids are the Hash160 of the child's compressed
// public key, so a key is recognizable from public material alone.
package keychain

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lelantusuite/lelantuswallet/walletdb"
	"github.com/lelantusuite/lelantuswallet/wmintmgr"
	"github.com/pkg/errors"
)

const (
	// Purpose is the BIP44 purpose field of every derived key.
	Purpose uint32 = 44

	// CoinType is the coin type field of every derived key.
	CoinType uint32 = 136

	// DefaultAccount is the account the key chain derives under.
	DefaultAccount uint32 = 0
)

var (
	// ErrLocked is returned when key material is requested while the
	// chain is locked.
	ErrLocked = errors.New("key chain is locked")

	// ErrAlreadyExists is returned when creating a key chain in a
	// namespace that already holds one.
	ErrAlreadyExists = errors.New("key chain already exists")

	// ErrNoExist is returned when opening a namespace that holds no key
	// chain.
	ErrNoExist = errors.New("key chain does not exist")

	// ErrUpgrade is returned when the namespace version is not the one
	// this package handles.
	ErrUpgrade = errors.New("key chain version mismatch")

	// ErrWrongSeed is returned by Unlock when the seed does not derive
	// the stored master key.
	ErrWrongSeed = errors.New("seed does not match the master key")

	// ErrForeignKey is returned by GetKey for a key that was derived
	// under a different master key than the current one.
	ErrForeignKey = errors.New("key belongs to a different master key")
)

// KeyChain derives and tracks mint keys.  It satisfies
// wmintmgr.KeyStore.  All exported methods are safe for concurrent
// access.
type KeyChain struct {
	mtx sync.RWMutex

	net *chaincfg.Params

	masterId wmintmgr.MasterKeyId

	// accountKey is the m/44'/136'/0' private key, held only while
	// unlocked.
	accountKey *hdkeychain.ExtendedKey
	locked     bool

	nextIndex map[uint32]uint32
	keys      map[wmintmgr.KeyId]wmintmgr.KeyMeta
}

// A compile-time check that KeyChain satisfies the mint manager's key
// store boundary.
var _ wmintmgr.KeyStore = (*KeyChain)(nil)

// deriveAccountKey walks master -> purpose' -> coin type' -> account',
// wiping the intermediate keys.
func deriveAccountKey(master *hdkeychain.ExtendedKey, account uint32) (*hdkeychain.ExtendedKey, error) {
	purpose, err := master.Derive(hdkeychain.HardenedKeyStart + Purpose)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive purpose key")
	}
	defer purpose.Zero()

	coinType, err := purpose.Derive(hdkeychain.HardenedKeyStart + CoinType)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive coin type key")
	}
	defer coinType.Zero()

	acct, err := coinType.Derive(hdkeychain.HardenedKeyStart + account)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to derive account %d key",
			account)
	}
	return acct, nil
}

// masterIdFromKey identifies a master key by the Hash160 of its
// compressed public key.
func masterIdFromKey(master *hdkeychain.ExtendedKey) (wmintmgr.MasterKeyId, error) {
	var id wmintmgr.MasterKeyId
	pub, err := master.ECPubKey()
	if err != nil {
		return id, errors.Wrap(err, "failed to derive master public key")
	}
	copy(id[:], btcutil.Hash160(pub.SerializeCompressed()))
	return id, nil
}

// Create initializes a new key chain from the given seed in the passed
// namespace and returns it unlocked.  The seed is the caller's to wipe.
func Create(ns walletdb.ReadWriteBucket, seed []byte, net *chaincfg.Params) (*KeyChain, error) {
	if ns.Get(rootMasterId) != nil {
		return nil, ErrAlreadyExists
	}

	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive master key")
	}
	defer master.Zero()

	masterId, err := masterIdFromKey(master)
	if err != nil {
		return nil, err
	}
	accountKey, err := deriveAccountKey(master, DefaultAccount)
	if err != nil {
		return nil, err
	}

	if err := createBuckets(ns); err != nil {
		accountKey.Zero()
		return nil, err
	}
	if err := putVersion(ns, latestVersion); err != nil {
		accountKey.Zero()
		return nil, err
	}
	if err := putMasterId(ns, masterId); err != nil {
		accountKey.Zero()
		return nil, err
	}

	log.Infof("Created key chain with master %v", masterId)
	return &KeyChain{
		net:        net,
		masterId:   masterId,
		accountKey: accountKey,
		nextIndex:  make(map[uint32]uint32),
		keys:       make(map[wmintmgr.KeyId]wmintmgr.KeyMeta),
	}, nil
}

// Open loads an existing key chain from the passed namespace.  The
// chain starts locked; Unlock provides the seed.
func Open(ns walletdb.ReadBucket, net *chaincfg.Params) (*KeyChain, error) {
	if ns.Get(rootMasterId) == nil {
		return nil, ErrNoExist
	}
	version, err := fetchVersion(ns)
	if err != nil {
		return nil, err
	}
	if version != latestVersion {
		return nil, errors.Wrapf(ErrUpgrade, "namespace has version %d, "+
			"expected %d", version, latestVersion)
	}

	masterId, err := fetchMasterId(ns)
	if err != nil {
		return nil, err
	}

	nextIndex := make(map[uint32]uint32)
	err = forEachBranch(ns, func(branch, next uint32) error {
		nextIndex[branch] = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	keys := make(map[wmintmgr.KeyId]wmintmgr.KeyMeta)
	err = forEachKeyMeta(ns, func(id wmintmgr.KeyId, meta wmintmgr.KeyMeta) error {
		keys[id] = meta
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("Opened key chain with master %v, %d keys", masterId,
		len(keys))
	return &KeyChain{
		net:       net,
		masterId:  masterId,
		locked:    true,
		nextIndex: nextIndex,
		keys:      keys,
	}, nil
}

// Unlock derives the account key from the seed after verifying that the
// seed reproduces the stored master key.
func (k *KeyChain) Unlock(seed []byte) error {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	master, err := hdkeychain.NewMaster(seed, k.net)
	if err != nil {
		return errors.Wrap(err, "failed to derive master key")
	}
	defer master.Zero()

	masterId, err := masterIdFromKey(master)
	if err != nil {
		return err
	}
	if masterId != k.masterId {
		return ErrWrongSeed
	}

	accountKey, err := deriveAccountKey(master, DefaultAccount)
	if err != nil {
		return err
	}

	if k.accountKey != nil {
		k.accountKey.Zero()
	}
	k.accountKey = accountKey
	k.locked = false
	return nil
}

// Reseed switches the key chain to a new master key derived from seed
// and leaves it unlocked.  Keys derived under the old master stay
// recorded but become foreign: GetKey refuses them and pool validation
// drops them.
func (k *KeyChain) Reseed(ns walletdb.ReadWriteBucket, seed []byte) error {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	master, err := hdkeychain.NewMaster(seed, k.net)
	if err != nil {
		return errors.Wrap(err, "failed to derive master key")
	}
	defer master.Zero()

	masterId, err := masterIdFromKey(master)
	if err != nil {
		return err
	}
	accountKey, err := deriveAccountKey(master, DefaultAccount)
	if err != nil {
		return err
	}

	if err := putMasterId(ns, masterId); err != nil {
		accountKey.Zero()
		return err
	}

	if k.accountKey != nil {
		k.accountKey.Zero()
	}
	k.accountKey = accountKey
	k.masterId = masterId
	k.locked = false

	log.Infof("Key chain master changed to %v", masterId)
	return nil
}

// Lock wipes the in-memory account key.  Metadata lookups keep working;
// anything that derives key material fails with ErrLocked until the
// next Unlock.
func (k *KeyChain) Lock() {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	if k.accountKey != nil {
		k.accountKey.Zero()
		k.accountKey = nil
	}
	k.locked = true
}

// IsLocked reports whether key material is currently derivable.
func (k *KeyChain) IsLocked() bool {
	k.mtx.RLock()
	defer k.mtx.RUnlock()

	return k.locked
}

// MasterId returns the id of the current master key.
func (k *KeyChain) MasterId() wmintmgr.MasterKeyId {
	k.mtx.RLock()
	defer k.mtx.RUnlock()

	return k.masterId
}

// LookupKeyMeta returns the derivation metadata of a key id.  It works
// while locked.
func (k *KeyChain) LookupKeyMeta(id wmintmgr.KeyId) (wmintmgr.KeyMeta, bool) {
	k.mtx.RLock()
	defer k.mtx.RUnlock()

	meta, ok := k.keys[id]
	return meta, ok
}

// GenerateNewKey derives the next key on the given branch, persists its
// metadata and the advanced branch counter through the caller's
// transaction, and returns its id.
func (k *KeyChain) GenerateNewKey(ns walletdb.ReadWriteBucket, branch uint32) (wmintmgr.KeyId, error) {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	var id wmintmgr.KeyId
	if k.locked {
		return id, ErrLocked
	}

	branchKey, err := k.accountKey.Derive(branch)
	if err != nil {
		return id, errors.Wrapf(err, "failed to derive branch %d", branch)
	}
	defer branchKey.Zero()

	// A fraction of child indexes cannot produce keys; those are
	// skipped, leaving holes the metadata records.
	index := k.nextIndex[branch]
	var child *hdkeychain.ExtendedKey
	for {
		if index >= hdkeychain.HardenedKeyStart {
			return id, errors.Errorf("branch %d is exhausted", branch)
		}
		child, err = branchKey.Derive(index)
		if err == hdkeychain.ErrInvalidChild {
			index++
			continue
		}
		if err != nil {
			return id, errors.Wrapf(err, "failed to derive child %d of "+
				"branch %d", index, branch)
		}
		break
	}
	defer child.Zero()

	pub, err := child.ECPubKey()
	if err != nil {
		return id, errors.Wrap(err, "failed to derive child public key")
	}
	copy(id[:], btcutil.Hash160(pub.SerializeCompressed()))

	meta := wmintmgr.KeyMeta{
		Path: wmintmgr.KeyPath{
			Account: DefaultAccount,
			Branch:  branch,
			Index:   index,
		},
		MasterId: k.masterId,
	}
	if err := putBranchIndex(ns, branch, index+1); err != nil {
		return id, err
	}
	if err := putKeyMeta(ns, id, &meta); err != nil {
		return id, err
	}

	// The in-memory view advances with the puts.  When the caller's
	// transaction rolls back it runs ahead of the bucket until the next
	// Open rebuilds it from disk.
	k.nextIndex[branch] = index + 1
	k.keys[id] = meta
	return id, nil
}

// GetKey rederives a key's 32-byte signing material.  The caller owns
// the returned slice and must wipe it.
func (k *KeyChain) GetKey(id wmintmgr.KeyId) ([]byte, error) {
	k.mtx.RLock()
	defer k.mtx.RUnlock()

	if k.locked {
		return nil, ErrLocked
	}
	meta, ok := k.keys[id]
	if !ok {
		return nil, errors.Wrapf(ErrNoExist, "unknown key id %v", id)
	}
	if meta.MasterId != k.masterId {
		return nil, ErrForeignKey
	}

	branchKey, err := k.accountKey.Derive(meta.Path.Branch)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to derive branch %d",
			meta.Path.Branch)
	}
	defer branchKey.Zero()

	child, err := branchKey.Derive(meta.Path.Index)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to derive child %d of "+
			"branch %d", meta.Path.Index, meta.Path.Branch)
	}
	defer child.Zero()

	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive child private key")
	}
	material := priv.Serialize()
	priv.Zero()
	return material, nil
}
