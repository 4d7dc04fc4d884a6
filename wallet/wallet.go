// Package wallet ties the mint manager, the key chain, and the shared
// anonymity group database together behind one API.
//
// The wallet owns the transaction boundary: every public operation runs
// its manager calls inside a single walletdb transaction, so a
// multi-record update commits or rolls back as a unit.  It is also the
// group database subscriber that folds confirmed-chain events back into
// wallet records.  When an operation touches both the wallet state and
// the group database, wallet locks are never held across group database
// calls; the two domains are used strictly in sequence.
package wallet

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lelantusuite/lelantuswallet/keychain"
	"github.com/lelantusuite/lelantuswallet/lelantus"
	"github.com/lelantusuite/lelantuswallet/lelantusdb"
	"github.com/lelantusuite/lelantuswallet/walletdb"
	"github.com/lelantusuite/lelantuswallet/walletdb/migration"
	"github.com/lelantusuite/lelantuswallet/wmintmgr"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/pkg/errors"
)

// Namespace keys for the wallet database.
var (
	wmintmgrNamespaceKey = []byte("wmintmgr")
	keychainNamespaceKey = []byte("keychain")
)

// ErrNoGroupDB is returned by operations that need the anonymity group
// database when the wallet was opened without one.
var ErrNoGroupDB = errors.New("wallet has no group database")

// Wallet is the facade over the wallet's mint state.
type Wallet struct {
	db walletdb.DB

	Manager  *wmintmgr.Manager
	KeyChain *keychain.KeyChain

	// GroupDB is the process-wide anonymity group database, nil when
	// the wallet runs without chain state.
	GroupDB *lelantusdb.DB
}

// MintDetail pairs a mint record with its id for listing.
type MintDetail struct {
	Id   lelantus.MintEntryId
	Mint wmintmgr.Mint
}

// Create initializes the wallet namespaces in db: the key chain derives
// from seed and the mint manager's buckets are created empty.  The seed
// is the caller's to wipe.  Open loads the result.
func Create(db walletdb.DB, seed []byte, net *chaincfg.Params, clk clock.Clock) error {
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		keyNs, err := tx.CreateTopLevelBucket(keychainNamespaceKey)
		if err != nil {
			return errors.Wrap(err, "failed to create key chain namespace")
		}
		mintNs, err := tx.CreateTopLevelBucket(wmintmgrNamespaceKey)
		if err != nil {
			return errors.Wrap(err, "failed to create mint manager "+
				"namespace")
		}

		kc, err := keychain.Create(keyNs, seed, net)
		if err != nil {
			return err
		}
		// Only the persisted state is wanted here; the wallet is opened
		// separately.
		kc.Lock()

		return wmintmgr.Create(mintNs, clk)
	})
}

// Open loads an existing wallet from db, applying any pending namespace
// migrations first.  The wallet starts locked.  When groupDB is not
// nil, the wallet subscribes to it and folds mint-added/mint-removed
// events into its records.
func Open(db walletdb.DB, net *chaincfg.Params, groupDB *lelantusdb.DB, clk clock.Clock) (*Wallet, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		mintNs := tx.ReadWriteBucket(wmintmgrNamespaceKey)
		if mintNs == nil {
			return errors.New("wallet database is not initialized")
		}
		return migration.Upgrade(wmintmgr.NewMigrationManager(mintNs))
	})
	if err != nil {
		return nil, err
	}

	var (
		kc  *keychain.KeyChain
		mgr *wmintmgr.Manager
	)
	err = walletdb.View(db, func(tx walletdb.ReadTx) error {
		keyNs := tx.ReadBucket(keychainNamespaceKey)
		if keyNs == nil {
			return errors.New("wallet database is not initialized")
		}
		kc, err = keychain.Open(keyNs, net)
		if err != nil {
			return err
		}

		mintNs := tx.ReadBucket(wmintmgrNamespaceKey)
		mgr, err = wmintmgr.Open(mintNs, kc, clk)
		return err
	})
	if err != nil {
		return nil, err
	}

	w := &Wallet{
		db:       db,
		Manager:  mgr,
		KeyChain: kc,
		GroupDB:  groupDB,
	}
	if groupDB != nil {
		groupDB.Subscribe((*groupNotifications)(w))
	}

	log.Infof("Opened wallet with master %v", kc.MasterId())
	return w, nil
}

// Database returns the underlying wallet database.
func (w *Wallet) Database() walletdb.DB {
	return w.db
}

// Unlock derives the wallet's keys from seed, then revalidates and
// refills the mint pool.
func (w *Wallet) Unlock(seed []byte) error {
	if err := w.KeyChain.Unlock(seed); err != nil {
		return err
	}
	return walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(wmintmgrNamespaceKey)
		keyNs := tx.ReadWriteBucket(keychainNamespaceKey)
		return w.Manager.ReloadMasterKey(ns, keyNs)
	})
}

// Lock wipes the wallet's in-memory key material.
func (w *Wallet) Lock() {
	w.KeyChain.Lock()
}

// Reseed switches the wallet to a new master seed.  Pool entries from
// the old master are dropped and the pool refills under the new one;
// recorded mints stay but can no longer be rederived.
func (w *Wallet) Reseed(seed []byte) error {
	return walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		keyNs := tx.ReadWriteBucket(keychainNamespaceKey)
		if err := w.KeyChain.Reseed(keyNs, seed); err != nil {
			return err
		}
		ns := tx.ReadWriteBucket(wmintmgrNamespaceKey)
		return w.Manager.ReloadMasterKey(ns, keyNs)
	})
}

// GenerateMint creates the next deterministic mint for the property and
// returns its id together with the one-time private key the mint
// transaction is built from.  The key is never stored; it can be
// rederived through the manager while the wallet stays unlocked.
func (w *Wallet) GenerateMint(property, amount uint64) (lelantus.MintEntryId, *lelantus.PrivateKey, error) {
	var (
		id   lelantus.MintEntryId
		priv *lelantus.PrivateKey
	)
	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(wmintmgrNamespaceKey)
		keyNs := tx.ReadWriteBucket(keychainNamespaceKey)

		var err error
		id, priv, err = w.Manager.GenerateMint(ns, keyNs, property, amount)
		return err
	})
	if err != nil {
		return lelantus.MintEntryId{}, nil, err
	}
	return id, priv, nil
}

// GetMint returns the recorded mint with the given id.
func (w *Wallet) GetMint(id lelantus.MintEntryId) (*wmintmgr.Mint, error) {
	var mint *wmintmgr.Mint
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(wmintmgrNamespaceKey)

		var err error
		mint, err = w.Manager.GetMint(ns, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return mint, nil
}

// HasMint reports whether a mint with the given id is recorded.
func (w *Wallet) HasMint(id lelantus.MintEntryId) (bool, error) {
	var has bool
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(wmintmgrNamespaceKey)
		has = w.Manager.HasMint(ns, id)
		return nil
	})
	return has, err
}

// HasSerialId reports whether a mint with the given serial id is
// recorded.
func (w *Wallet) HasSerialId(serialId lelantus.SerialId) (bool, error) {
	var has bool
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(wmintmgrNamespaceKey)
		has = w.Manager.HasSerialId(ns, serialId)
		return nil
	})
	return has, err
}

// GetMintId returns the id of the mint recorded with the given serial
// id.
func (w *Wallet) GetMintId(serialId lelantus.SerialId) (lelantus.MintEntryId, error) {
	var id lelantus.MintEntryId
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(wmintmgrNamespaceKey)

		var err error
		id, err = w.Manager.GetMintId(ns, serialId)
		return err
	})
	return id, err
}

// ListMints returns the recorded mints matching the filters: unusedOnly
// skips spent mints, confirmedOnly skips mints that are not on chain.
func (w *Wallet) ListMints(unusedOnly, confirmedOnly bool) ([]MintDetail, error) {
	var details []MintDetail
	err := walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(wmintmgrNamespaceKey)
		return w.Manager.ListMints(ns, unusedOnly, confirmedOnly,
			func(id lelantus.MintEntryId, mint *wmintmgr.Mint) error {
				details = append(details, MintDetail{Id: id, Mint: *mint})
				return nil
			})
	})
	if err != nil {
		return nil, err
	}
	return details, nil
}

// SetMintCreatedTx records the transaction that published a mint.
func (w *Wallet) SetMintCreatedTx(id lelantus.MintEntryId, tx chainhash.Hash) error {
	return walletdb.Update(w.db, func(dbtx walletdb.ReadWriteTx) error {
		ns := dbtx.ReadWriteBucket(wmintmgrNamespaceKey)
		return w.Manager.SetMintCreatedTx(ns, id, tx)
	})
}

// DeleteUnconfirmedMint erases a mint that never reached the chain and
// returns its seed to the mint pool.
func (w *Wallet) DeleteUnconfirmedMint(id lelantus.MintEntryId) error {
	return walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(wmintmgrNamespaceKey)
		return w.Manager.DeleteUnconfirmedMint(ns, id)
	})
}

// RecordSpend marks a serial as used in the group database and, when
// the serial belongs to one of the wallet's mints, records the spend
// transaction on that mint.  A reused serial fails with
// lelantusdb.ErrSerialAlreadyUsed before any wallet state changes.  The
// group database write completes before wallet locks are taken, so the
// two lock domains are never nested.
func (w *Wallet) RecordSpend(property uint64, serial *btcec.ModNScalar, block int32,
	spendTx chainhash.Hash) error {

	if w.GroupDB == nil {
		return ErrNoGroupDB
	}

	if err := w.GroupDB.WriteSerial(property, lelantus.ScalarBytes(serial),
		block, spendTx); err != nil {
		return err
	}

	serialId := lelantus.NewSerialId(serial)
	return walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(wmintmgrNamespaceKey)

		id, err := w.Manager.GetMintId(ns, serialId)
		if wmintmgr.IsError(err, wmintmgr.ErrNoExist) {
			return nil
		}
		if err != nil {
			return err
		}
		return w.Manager.SetMintSpendTx(ns, id, spendTx)
	})
}

// ResetChainState clears the chain state of every wallet mint and, when
// a group database is attached, purges its entire contents.  Chain
// processing rebuilds both from scratch afterwards.
func (w *Wallet) ResetChainState() error {
	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(wmintmgrNamespaceKey)
		return w.Manager.ClearMintsChainState(ns)
	})
	if err != nil {
		return err
	}

	if w.GroupDB != nil {
		return w.GroupDB.DeleteAll(0)
	}
	return nil
}

// groupNotifications folds group database events into wallet records.
// Events arrive synchronously on the goroutine that performed the group
// database write, with no group database lock held.
type groupNotifications Wallet

// A compile-time check that the wallet subscribes with the full handler
// surface.
var _ lelantusdb.NotificationHandler = (*groupNotifications)(nil)

// MintAdded records the on-chain placement of an owned mint.  Ids that
// are neither recorded nor pooled belong to other wallets and are
// ignored.
func (n *groupNotifications) MintAdded(property uint64, id lelantus.MintEntryId,
	group uint32, index uint64, block int32, amount uint64) {

	w := (*Wallet)(n)
	state := wmintmgr.MintChainState{Block: block, Group: group, Index: index}

	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(wmintmgrNamespaceKey)
		keyNs := tx.ReadWriteBucket(keychainNamespaceKey)

		if w.Manager.HasMint(ns, id) {
			return w.Manager.SetMintChainState(ns, id, state)
		}
		if !w.Manager.IsMintInPool(id) {
			return nil
		}
		if w.KeyChain.IsLocked() {
			log.Warnf("Cannot recover pooled mint %v while locked; "+
				"unlock and rescan to claim it", id)
			return nil
		}

		recovered, err := w.Manager.TryRecoverMint(ns, keyNs, id, state,
			chainhash.Hash{}, property, amount)
		if err != nil {
			return err
		}
		if recovered {
			log.Infof("Recovered mint %v from chain at block %d", id,
				block)
		}
		return nil
	})
	if err != nil {
		log.Errorf("Failed to connect mint %v: %v", id, err)
	}
}

// MintRemoved resets an owned mint back to unconfirmed when a reorg
// purges its coin.
func (n *groupNotifications) MintRemoved(property uint64, id lelantus.MintEntryId) {
	w := (*Wallet)(n)

	err := walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(wmintmgrNamespaceKey)
		if !w.Manager.HasMint(ns, id) {
			return nil
		}
		return w.Manager.UpdateMint(ns, id, func(mint *wmintmgr.Mint) error {
			mint.ChainState = wmintmgr.MintChainState{Block: -1}
			mint.SpendTx = chainhash.Hash{}
			return nil
		})
	})
	if err != nil {
		log.Errorf("Failed to disconnect mint %v: %v", id, err)
	}
}
