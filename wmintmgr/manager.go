// Package wmintmgr provides the wallet's shielded mint manager.
//
// The manager derives mint key material deterministically from a
// hierarchical-deterministic key store, maintains a capacity-bounded
// look-ahead pool of upcoming mints, and owns the durable mint records
// together with their serial index inside a walletdb namespace.  Because
// derivation is deterministic, the pool lets the wallet recognize its own
// mints on chain before it has ever signed for them, which is what makes
// seed-phrase recovery of shielded funds possible.
package wmintmgr

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lelantusuite/lelantuswallet/internal/zero"
	"github.com/lelantusuite/lelantuswallet/lelantus"
	"github.com/lelantusuite/lelantuswallet/walletdb"
	"github.com/lightningnetwork/lnd/clock"
)

// latestMgrVersion is the most recent manager version.
var latestMgrVersion = getLatestVersion()

// MintChainState records where on chain a mint currently sits.  A block
// of -1 means the mint has not been seen on chain.
type MintChainState struct {
	Block int32
	Group uint32
	Index uint64
}

// Confirmed reports whether the state points at a block.
func (s *MintChainState) Confirmed() bool {
	return s.Block >= 0
}

// initialMintChainState is the state of a freshly generated mint.
func initialMintChainState() MintChainState {
	return MintChainState{Block: -1}
}

// Mint is one shielded mint owned by the wallet.  The secret serial and
// randomness never appear here; they are rederived from the seed id when
// needed.
type Mint struct {
	Property   uint64
	Amount     uint64
	SeedId     KeyId
	SerialId   lelantus.SerialId
	Created    time.Time
	ChainState MintChainState
	CreatedTx  chainhash.Hash
	SpendTx    chainhash.Hash
}

// IsSpent reports whether a spend transaction has been recorded for the
// mint.
func (m *Mint) IsSpent() bool {
	return m.SpendTx != (chainhash.Hash{})
}

// Manager tracks the wallet's shielded mints.  All exported methods are
// safe for concurrent access.
//
// Methods that persist state take the manager's namespace bucket, and
// where new keys may be derived also the key store's namespace bucket, so
// that the caller controls the transaction boundary: everything a single
// call writes commits or rolls back together.
type Manager struct {
	mtx sync.RWMutex

	keyStore KeyStore
	params   *lelantus.Params
	clock    clock.Clock

	pool *mintPool
}

// Create initializes a brand new mint manager in the passed namespace:
// all buckets are created and the manager version and creation time are
// recorded.
func Create(ns walletdb.ReadWriteBucket, clk clock.Clock) error {
	if ns.Get(rootVersion) != nil {
		return managerError(ErrAlreadyExists,
			"mint manager already exists", nil)
	}
	if err := createBuckets(ns); err != nil {
		return err
	}
	if err := putVersion(ns, latestMgrVersion); err != nil {
		return err
	}
	return putCreateDate(ns, clk.Now())
}

// Open loads an existing mint manager from the passed namespace.  The
// in-memory mint pool is rebuilt from its persisted snapshot.  Any
// pending namespace migrations must have been applied before opening.
func Open(ns walletdb.ReadBucket, keyStore KeyStore, clk clock.Clock) (*Manager, error) {
	version, err := fetchVersion(ns)
	if err != nil {
		return nil, err
	}
	if version != latestMgrVersion {
		str := fmt.Sprintf("mint manager version %d does not match "+
			"expected version %d", version, latestMgrVersion)
		return nil, managerError(ErrUpgrade, str, nil)
	}

	pool := newMintPool()
	err = forEachPoolEntry(ns, func(e *MintPoolEntry) error {
		return pool.insert(*e)
	})
	if err != nil {
		return nil, maybeConvertDbError(err)
	}

	log.Debugf("Opened mint manager with %d pooled mints", pool.size())
	return &Manager{
		keyStore: keyStore,
		params:   lelantus.DefaultParams(),
		clock:    clk,
		pool:     pool,
	}, nil
}

// deriveSeed computes the 64-byte deterministic mint seed for a seed id:
// HMAC-SHA512 keyed with the seed key's signing material over the
// little-endian HD index.  The index comes from key store metadata, so
// ids the store never handed out, and ids from outside the mint branch,
// fail before any key material is touched.
func (m *Manager) deriveSeed(seedId KeyId) (uint32, [64]byte, error) {
	var seed [64]byte

	meta, ok := m.keyStore.LookupKeyMeta(seedId)
	if !ok {
		str := fmt.Sprintf("no key metadata for seed id %v", seedId)
		return 0, seed, managerError(ErrInvalidDerivation, str, nil)
	}
	if meta.Path.Branch != MintBranch {
		str := fmt.Sprintf("seed id %v is on branch %d, not the mint "+
			"branch", seedId, meta.Path.Branch)
		return 0, seed, managerError(ErrInvalidDerivation, str, nil)
	}

	key, err := m.keyStore.GetKey(seedId)
	if err != nil {
		str := fmt.Sprintf("failed to fetch key for seed id %v", seedId)
		return 0, seed, managerError(ErrKeyGen, str, err)
	}
	defer zero.Bytes(key)

	var index [4]byte
	binary.LittleEndian.PutUint32(index[:], meta.Path.Index)
	mac := hmac.New(sha512.New, key)
	mac.Write(index[:])
	copy(seed[:], mac.Sum(nil))
	return meta.Path.Index, seed, nil
}

// derivePrivateKey derives the full mint private key and the entry id for
// a seed id.
func (m *Manager) derivePrivateKey(seedId KeyId) (*lelantus.PrivateKey, lelantus.MintEntryId, error) {
	_, seed, err := m.deriveSeed(seedId)
	if err != nil {
		return nil, lelantus.MintEntryId{}, err
	}
	defer zero.Bytea64(&seed)

	priv, err := lelantus.NewPrivateKey(m.params, &seed)
	if err != nil {
		str := fmt.Sprintf("failed to derive mint key for seed id %v",
			seedId)
		return nil, lelantus.MintEntryId{}, managerError(ErrKeyGen, str, err)
	}
	id := lelantus.NewMintEntryId(priv.PublicCoin(), seedId[:])
	return priv, id, nil
}

// derivePoolEntry computes the pool entry a seed id will mint as.
func (m *Manager) derivePoolEntry(seedId KeyId) (MintPoolEntry, error) {
	index, seed, err := m.deriveSeed(seedId)
	if err != nil {
		return MintPoolEntry{}, err
	}
	defer zero.Bytea64(&seed)

	priv, err := lelantus.NewPrivateKey(m.params, &seed)
	if err != nil {
		str := fmt.Sprintf("failed to derive mint key for seed id %v",
			seedId)
		return MintPoolEntry{}, managerError(ErrKeyGen, str, err)
	}
	defer priv.Zero()

	id := lelantus.NewMintEntryId(priv.PublicCoin(), seedId[:])
	return MintPoolEntry{Id: id, SeedId: seedId, Index: index}, nil
}

// GenerateSeed returns the HD index and 64-byte deterministic seed for a
// mint seed id.  The caller must zero the seed once done with it.
func (m *Manager) GenerateSeed(seedId KeyId) (uint32, [64]byte, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	if m.keyStore.IsLocked() {
		return 0, [64]byte{}, managerError(ErrLocked,
			"key store is locked", nil)
	}
	return m.deriveSeed(seedId)
}

// GeneratePrivateKey rederives the mint private key a seed id produces,
// along with the entry id that identifies the resulting mint.
func (m *Manager) GeneratePrivateKey(seedId KeyId) (*lelantus.PrivateKey, lelantus.MintEntryId, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	if m.keyStore.IsLocked() {
		return nil, lelantus.MintEntryId{}, managerError(ErrLocked,
			"key store is locked", nil)
	}
	return m.derivePrivateKey(seedId)
}

// fillPoolEntries tops the in-memory pool up to capacity, deriving one
// new mint-branch key per missing entry.  It does not persist the pool;
// callers write a single snapshot after all of their pool changes.
func (m *Manager) fillPoolEntries(keyNs walletdb.ReadWriteBucket) (int, error) {
	added := 0
	for m.pool.size() < MintPoolCapacity {
		seedId, err := m.keyStore.GenerateNewKey(keyNs, MintBranch)
		if err != nil {
			str := "failed to derive new mint key"
			return added, managerError(ErrKeyGen, str, err)
		}
		entry, err := m.derivePoolEntry(seedId)
		if err != nil {
			return added, err
		}
		if err := m.pool.insert(entry); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// pruneForeignPoolEntries drops in-memory pool entries that do not belong
// to the key store's current master key and returns how many were
// dropped.
func (m *Manager) pruneForeignPoolEntries() int {
	masterId := m.keyStore.MasterId()
	var drop []lelantus.MintEntryId
	for _, e := range m.pool.snapshot() {
		meta, ok := m.keyStore.LookupKeyMeta(e.SeedId)
		if !ok || meta.MasterId != masterId {
			drop = append(drop, e.Id)
		}
	}
	for _, id := range drop {
		m.pool.remove(id)
	}
	return len(drop)
}

// FillMintPool tops the mint pool up to capacity and persists the new
// snapshot.  It is a no-op while the key store is locked.
func (m *Manager) FillMintPool(ns, keyNs walletdb.ReadWriteBucket) (int, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.keyStore.IsLocked() {
		log.Debugf("Skipping mint pool refill: key store is locked")
		return 0, nil
	}

	added, err := m.fillPoolEntries(keyNs)
	if err != nil {
		return 0, err
	}
	if added > 0 {
		if err := putMintPool(ns, m.pool.snapshot()); err != nil {
			return 0, err
		}
		log.Debugf("Mint pool refilled with %d entries", added)
	}
	return added, nil
}

// RemoveInvalidMintPoolEntries drops pool entries that do not belong to
// the key store's current master key.  The persisted snapshot is only
// rewritten when something was dropped.
func (m *Manager) RemoveInvalidMintPoolEntries(ns walletdb.ReadWriteBucket) (int, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	dropped := m.pruneForeignPoolEntries()
	if dropped > 0 {
		if err := putMintPool(ns, m.pool.snapshot()); err != nil {
			return 0, err
		}
		log.Infof("Dropped %d foreign mint pool entries", dropped)
	}
	return dropped, nil
}

// ReloadMasterKey revalidates the mint pool against the key store's
// current master key and refills it.  Call it after the key store is
// unlocked or after its master key changes.
func (m *Manager) ReloadMasterKey(ns, keyNs walletdb.ReadWriteBucket) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.keyStore.IsLocked() {
		return managerError(ErrLocked, "key store is locked", nil)
	}

	dropped := m.pruneForeignPoolEntries()
	added, err := m.fillPoolEntries(keyNs)
	if err != nil {
		return err
	}
	if dropped > 0 || added > 0 {
		if err := putMintPool(ns, m.pool.snapshot()); err != nil {
			return err
		}
	}
	log.Debugf("Reloaded mint pool: %d dropped, %d added", dropped, added)
	return nil
}

// writeMint records a mint consumed from the pool.  The mint record and
// its serial index are written first, then the pool shrinks, refills, and
// is persisted with a single snapshot write.  A crash between the two
// leaves a recorded mint still referenced by the stale pool snapshot,
// which the id match during later consumption detects, never a pool entry
// whose mint is missing.
func (m *Manager) writeMint(ns, keyNs walletdb.ReadWriteBucket, id lelantus.MintEntryId, mint *Mint) error {
	if existsMint(ns, &id) {
		str := fmt.Sprintf("mint %v already recorded", id)
		return managerError(ErrAlreadyExists, str, nil)
	}
	if err := putMint(ns, &id, mint); err != nil {
		return err
	}
	if err := putSerialId(ns, &mint.SerialId, &id); err != nil {
		return err
	}

	m.pool.remove(id)
	if !m.keyStore.IsLocked() {
		if _, err := m.fillPoolEntries(keyNs); err != nil {
			return err
		}
	}
	return putMintPool(ns, m.pool.snapshot())
}

// GenerateMint creates the next mint for the given property and amount.
// The pooled seed with the lowest HD index is consumed, the mint record
// and serial index are written, and the pool refills, all through the
// caller's transaction.  The returned private key is needed to build the
// mint transaction and is never stored.
func (m *Manager) GenerateMint(ns, keyNs walletdb.ReadWriteBucket, property, amount uint64) (lelantus.MintEntryId, *lelantus.PrivateKey, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var zeroId lelantus.MintEntryId
	if m.keyStore.IsLocked() {
		return zeroId, nil, managerError(ErrLocked,
			"key store is locked", nil)
	}

	// An empty pool gets one refill attempt before giving up.
	if m.pool.size() == 0 {
		if _, err := m.fillPoolEntries(keyNs); err != nil {
			return zeroId, nil, managerError(ErrPoolExhausted,
				"mint pool is empty and cannot refill", err)
		}
		if m.pool.size() == 0 {
			return zeroId, nil, managerError(ErrPoolExhausted,
				"mint pool is empty", nil)
		}
	}

	entry, _ := m.pool.lowest()
	priv, id, err := m.derivePrivateKey(entry.SeedId)
	if err != nil {
		return zeroId, nil, err
	}
	if id != entry.Id {
		str := fmt.Sprintf("pool entry %v does not rederive, got %v",
			entry.Id, id)
		return zeroId, nil, managerError(ErrKeyGen, str, nil)
	}

	mint := &Mint{
		Property:   property,
		Amount:     amount,
		SeedId:     entry.SeedId,
		SerialId:   lelantus.NewSerialId(&priv.Serial),
		Created:    m.clock.Now(),
		ChainState: initialMintChainState(),
	}
	if err := m.writeMint(ns, keyNs, id, mint); err != nil {
		return zeroId, nil, err
	}

	log.Infof("Generated mint %v for property %d", id, property)
	return id, priv, nil
}

// TryRecoverMint reconstructs a mint recognized through the pool, as
// happens when a recovered wallet sees its own mints confirm.  When the
// id belongs to a pooled entry, key material is rederived and verified,
// the record is written with the provided chain state, and the pool
// shrinks and refills.  It reports false, with no error, when the id is
// not pooled.
func (m *Manager) TryRecoverMint(ns, keyNs walletdb.ReadWriteBucket, id lelantus.MintEntryId,
	state MintChainState, createdTx chainhash.Hash, property, amount uint64) (bool, error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	entry, ok := m.pool.lookup(id)
	if !ok {
		return false, nil
	}
	if m.keyStore.IsLocked() {
		return false, managerError(ErrLocked, "key store is locked", nil)
	}
	if existsMint(ns, &id) {
		// The pool snapshot is stale, likely from a crash between the
		// record write and the pool write.  Repair it.
		log.Warnf("Pooled mint %v is already recorded, dropping the "+
			"stale pool entry", id)
		m.pool.remove(id)
		return false, putMintPool(ns, m.pool.snapshot())
	}

	priv, derivedId, err := m.derivePrivateKey(entry.SeedId)
	if err != nil {
		return false, err
	}
	defer priv.Zero()

	if derivedId != id {
		str := fmt.Sprintf("pool entry %v does not rederive, got %v",
			id, derivedId)
		return false, managerError(ErrKeyGen, str, nil)
	}

	mint := &Mint{
		Property:   property,
		Amount:     amount,
		SeedId:     entry.SeedId,
		SerialId:   lelantus.NewSerialId(&priv.Serial),
		Created:    m.clock.Now(),
		ChainState: state,
		CreatedTx:  createdTx,
	}
	if err := m.writeMint(ns, keyNs, id, mint); err != nil {
		return false, err
	}

	log.Infof("Recovered mint %v for property %d at block %d", id,
		property, state.Block)
	return true, nil
}

// DeleteUnconfirmedMint erases a mint that never reached the chain and
// returns its identity to the pool.  Mints with a recorded chain state or
// created transaction are refused; on-chain history is only ever reset
// through ClearMintsChainState.
func (m *Manager) DeleteUnconfirmedMint(ns walletdb.ReadWriteBucket, id lelantus.MintEntryId) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	mint, err := fetchMint(ns, &id)
	if err != nil {
		return err
	}
	if mint.ChainState.Confirmed() {
		str := fmt.Sprintf("mint %v is recorded at block %d", id,
			mint.ChainState.Block)
		return managerError(ErrOnChain, str, nil)
	}
	if mint.CreatedTx != (chainhash.Hash{}) {
		str := fmt.Sprintf("mint %v was broadcast in %v", id,
			mint.CreatedTx)
		return managerError(ErrOnChain, str, nil)
	}

	meta, ok := m.keyStore.LookupKeyMeta(mint.SeedId)
	if !ok || meta.Path.Branch != MintBranch {
		str := fmt.Sprintf("mint %v seed id %v is not on the mint "+
			"branch", id, mint.SeedId)
		return managerError(ErrInvalidDerivation, str, nil)
	}

	entry := MintPoolEntry{Id: id, SeedId: mint.SeedId, Index: meta.Path.Index}
	if err := m.pool.insert(entry); err != nil {
		return err
	}
	if err := deleteMint(ns, &id); err != nil {
		return err
	}
	if err := deleteSerialId(ns, &mint.SerialId); err != nil {
		return err
	}
	if err := putMintPool(ns, m.pool.snapshot()); err != nil {
		return err
	}

	log.Infof("Deleted unconfirmed mint %v", id)
	return nil
}

// GetMint returns the recorded mint for an id, or ErrNoExist when the id
// is unknown.
func (m *Manager) GetMint(ns walletdb.ReadBucket, id lelantus.MintEntryId) (*Mint, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return fetchMint(ns, &id)
}

// HasMint reports whether a mint with the given id is recorded.
func (m *Manager) HasMint(ns walletdb.ReadBucket, id lelantus.MintEntryId) bool {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return existsMint(ns, &id)
}

// HasSerialId reports whether a mint with the given serial id is
// recorded.
func (m *Manager) HasSerialId(ns walletdb.ReadBucket, serialId lelantus.SerialId) bool {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return existsSerialId(ns, &serialId)
}

// GetMintId returns the id of the mint recorded with the given serial id,
// or ErrNoExist when no mint uses it.
func (m *Manager) GetMintId(ns walletdb.ReadBucket, serialId lelantus.SerialId) (lelantus.MintEntryId, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return fetchSerialId(ns, &serialId)
}

// UpdateMint applies fn to the stored mint and writes the result back.
// When fn errors, nothing is written and the error is returned as-is.
func (m *Manager) UpdateMint(ns walletdb.ReadWriteBucket, id lelantus.MintEntryId, fn func(*Mint) error) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.updateMint(ns, id, fn)
}

func (m *Manager) updateMint(ns walletdb.ReadWriteBucket, id lelantus.MintEntryId, fn func(*Mint) error) error {
	mint, err := fetchMint(ns, &id)
	if err != nil {
		return err
	}
	if err := fn(mint); err != nil {
		return err
	}
	return putMint(ns, &id, mint)
}

// SetMintCreatedTx records the transaction that published a mint.
func (m *Manager) SetMintCreatedTx(ns walletdb.ReadWriteBucket, id lelantus.MintEntryId, tx chainhash.Hash) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.updateMint(ns, id, func(mint *Mint) error {
		mint.CreatedTx = tx
		return nil
	})
}

// SetMintChainState records where on chain a mint sits.
func (m *Manager) SetMintChainState(ns walletdb.ReadWriteBucket, id lelantus.MintEntryId, state MintChainState) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.updateMint(ns, id, func(mint *Mint) error {
		mint.ChainState = state
		return nil
	})
}

// SetMintSpendTx records the transaction that spent a mint.
func (m *Manager) SetMintSpendTx(ns walletdb.ReadWriteBucket, id lelantus.MintEntryId, tx chainhash.Hash) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.updateMint(ns, id, func(mint *Mint) error {
		mint.SpendTx = tx
		return nil
	})
}

// ClearMintsChainState resets the chain state and spend transaction of
// every recorded mint, as is done before chain state is rebuilt from
// scratch.  The caller's transaction makes the sweep all-or-nothing.
func (m *Manager) ClearMintsChainState(ns walletdb.ReadWriteBucket) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	// Collect first: mutating a bucket invalidates the cursors driving
	// its iteration.
	var ids []lelantus.MintEntryId
	var mints []*Mint
	err := forEachMint(ns, func(id lelantus.MintEntryId, mint *Mint) error {
		ids = append(ids, id)
		mints = append(mints, mint)
		return nil
	})
	if err != nil {
		return maybeConvertDbError(err)
	}

	for i := range ids {
		mints[i].ChainState = initialMintChainState()
		mints[i].SpendTx = chainhash.Hash{}
		if err := putMint(ns, &ids[i], mints[i]); err != nil {
			return err
		}
	}

	log.Infof("Cleared chain state of %d mints", len(ids))
	return nil
}

// ListMints invokes fn for every recorded mint matching the filters:
// unusedOnly skips mints with a recorded spend, confirmedOnly skips
// mints that are not on chain.
func (m *Manager) ListMints(ns walletdb.ReadBucket, unusedOnly, confirmedOnly bool,
	fn func(lelantus.MintEntryId, *Mint) error) error {

	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return forEachMint(ns, func(id lelantus.MintEntryId, mint *Mint) error {
		if unusedOnly && mint.IsSpent() {
			return nil
		}
		if confirmedOnly && !mint.ChainState.Confirmed() {
			return nil
		}
		return fn(id, mint)
	})
}

// MintPoolEntries returns the pooled entries in ascending index order.
func (m *Manager) MintPoolEntries() []MintPoolEntry {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return m.pool.snapshot()
}

// GetMintPoolEntry returns the pooled entry with the given id.
func (m *Manager) GetMintPoolEntry(id lelantus.MintEntryId) (MintPoolEntry, bool) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return m.pool.lookup(id)
}

// IsMintInPool reports whether the id belongs to a pooled entry.
func (m *Manager) IsMintInPool(id lelantus.MintEntryId) bool {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	_, ok := m.pool.lookup(id)
	return ok
}

// RemoveFromMintPool drops a pooled entry and persists the shrunken
// snapshot.  ErrNoExist is returned when the id is not pooled.
func (m *Manager) RemoveFromMintPool(ns walletdb.ReadWriteBucket, id lelantus.MintEntryId) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if !m.pool.remove(id) {
		str := fmt.Sprintf("mint pool does not hold id %v", id)
		return managerError(ErrNoExist, str, nil)
	}
	return putMintPool(ns, m.pool.snapshot())
}
