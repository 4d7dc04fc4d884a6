// Package lelantusdb implements the shared anonymity group database.
//
// Confirmed public coins are partitioned per property into bounded
// groups; the ordered coins of a group form the anonymity set a spend
// proof is generated and verified against, so group assignment must be
// reproducible across nodes holding the same chain state.  The database
// also keeps the used-serial index that rejects double spends, and a
// block-keyed journal that lets a reorg purge everything recorded from a
// given height without scanning the data itself.
//
// The database is a process-wide shared service with its own lock
// domain.  Writers that also hold wallet state locks must take those
// before calling in here; notifications are delivered with no database
// lock held, so handlers are free to call back in.
package lelantusdb

import (
	"math"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lelantusuite/lelantuswallet/lelantus"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Default group sizing.  A group holds at most DefaultGroupSize coins,
// except the first group of a property, which closes once
// DefaultStartGroupSize coins arrive so that the earliest spenders do
// not wait for a full group's worth of cover traffic.
const (
	DefaultGroupSize      = 65000
	DefaultStartGroupSize = 16000
)

// writeOptions is used for every batch so that a write that has
// returned is on disk.  Notifications fire only after a durable write.
var writeOptions = &opt.WriteOptions{Sync: true}

// NotificationHandler receives change notifications.  Calls arrive on
// the goroutine performing the triggering write, after the write is
// durable and with no database lock held, one event at a time in write
// order.
type NotificationHandler interface {
	// MintAdded is invoked for every coin committed by CommitCoins.
	MintAdded(property uint64, id lelantus.MintEntryId, group uint32,
		index uint64, block int32, amount uint64)

	// MintRemoved is invoked for every committed coin purged by
	// DeleteAll.
	MintRemoved(property uint64, id lelantus.MintEntryId)
}

// pendingCoin is a staged mint awaiting CommitCoins.  Staged coins hold
// no group placement yet and are not durable.
type pendingCoin struct {
	property uint64
	coin     *lelantus.PublicCoin
	block    int32
	id       lelantus.MintEntryId
	amount   uint64
	extra    []byte
}

// addedEvent and removedEvent carry notification payloads out of the
// locked sections.
type addedEvent struct {
	property uint64
	id       lelantus.MintEntryId
	group    uint32
	index    uint64
	block    int32
	amount   uint64
}

type removedEvent struct {
	property uint64
	id       lelantus.MintEntryId
}

// DB is the anonymity group database.  All methods are safe for
// concurrent access.
type DB struct {
	mtx sync.Mutex

	ldb *leveldb.DB

	groupSize      uint32
	startGroupSize uint32

	pending  []pendingCoin
	handlers []NotificationHandler
}

// Open opens the database at dbPath, creating it when absent.  The
// group sizes are recorded on first open and verified on every later
// one; reopening with different sizes fails with ErrGroupConfigMismatch,
// since resizing groups would silently change every anonymity set.
func Open(dbPath string, groupSize, startGroupSize uint32) (*DB, error) {
	ldb, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open lelantus db at %v",
			dbPath)
	}
	db, err := newDB(ldb, groupSize, startGroupSize)
	if err != nil {
		ldb.Close()
		return nil, err
	}
	return db, nil
}

// newDB wraps an already opened leveldb handle.  Split from Open so
// tests can run against in-memory storage.
func newDB(ldb *leveldb.DB, groupSize, startGroupSize uint32) (*DB, error) {
	if groupSize == 0 {
		return nil, errors.New("group size must be positive")
	}
	if startGroupSize == 0 || startGroupSize > groupSize {
		return nil, errors.Errorf("start group size %d must be in "+
			"[1, %d]", startGroupSize, groupSize)
	}

	v, err := ldb.Get(keyGroupConfig, nil)
	switch {
	case err == leveldb.ErrNotFound:
		err = ldb.Put(keyGroupConfig,
			groupConfigValue(groupSize, startGroupSize), writeOptions)
		if err != nil {
			return nil, errors.Wrap(err, "failed to write group config")
		}

	case err != nil:
		return nil, errors.Wrap(err, "failed to read group config")

	default:
		storedGroup, storedStart, err := readGroupConfigValue(v)
		if err != nil {
			return nil, err
		}
		if storedGroup != groupSize || storedStart != startGroupSize {
			return nil, errors.Wrapf(ErrGroupConfigMismatch,
				"database has %d/%d, asked for %d/%d", storedGroup,
				storedStart, groupSize, startGroupSize)
		}
	}

	log.Debugf("Opened lelantus db with group size %d, start group "+
		"size %d", groupSize, startGroupSize)
	return &DB{
		ldb:            ldb,
		groupSize:      groupSize,
		startGroupSize: startGroupSize,
	}, nil
}

// Close flushes nothing: every completed write is already durable.
// Staged coins that were never committed are dropped.
func (d *DB) Close() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if n := len(d.pending); n > 0 {
		log.Warnf("Closing lelantus db with %d uncommitted coins", n)
		d.pending = nil
	}
	return errors.Wrap(d.ldb.Close(), "failed to close lelantus db")
}

// Subscribe registers a notification handler.  Handlers are invoked in
// registration order and cannot be removed.
func (d *DB) Subscribe(handler NotificationHandler) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	d.handlers = append(d.handlers, handler)
}

// GroupSizes returns the configured (groupSize, startGroupSize).
func (d *DB) GroupSizes() (uint32, uint32) {
	return d.groupSize, d.startGroupSize
}

// groupThreshold returns the coin count that closes the group.
func (d *DB) groupThreshold(group uint32) uint64 {
	if group == 0 {
		return uint64(d.startGroupSize)
	}
	return uint64(d.groupSize)
}

// nextSequence computes the next sequence number for a key scope by
// seeking to the scope's maximum possible key and stepping back one
// entry: the last stored key below the target carries the scope's
// highest sequence.  Recomputing from stored keys instead of keeping a
// counter record means a deleted tail entry frees its number and a
// crash cannot leave a counter out of step with the data.
func (d *DB) nextSequence(prefix []byte) (uint64, error) {
	it := d.ldb.NewIterator(nil, nil)
	defer it.Release()

	seekKey := make([]byte, len(prefix)+8)
	copy(seekKey, prefix)
	byteOrder.PutUint64(seekKey[len(prefix):], math.MaxUint64)

	// Seek lands on the first key at or past the target.  When it finds
	// one, the candidate is one step back; when the target is past the
	// whole keyspace, the candidate is the overall last key.
	var ok bool
	if it.Seek(seekKey) {
		ok = it.Prev()
	} else {
		ok = it.Last()
	}
	if !ok {
		if err := it.Error(); err != nil {
			return 0, errors.Wrap(err, "sequence scan failed")
		}
		return 0, nil
	}

	key := it.Key()
	if len(key) != len(seekKey) {
		return 0, nil
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return 0, nil
		}
	}
	return byteOrder.Uint64(key[len(prefix):]) + 1, nil
}

// lastGroup returns the highest group of a property together with its
// coin count, both recomputed from the last stored coin key.  (0, 0) for
// a property with no coins.
func (d *DB) lastGroup(property uint64) (uint32, uint64, error) {
	it := d.ldb.NewIterator(util.BytesPrefix(coinKeyPrefix(property)), nil)
	defer it.Release()

	if !it.Last() {
		if err := it.Error(); err != nil {
			return 0, 0, errors.Wrap(err, "group scan failed")
		}
		return 0, 0, nil
	}

	group, index, err := readCoinKey(it.Key())
	if err != nil {
		return 0, 0, err
	}
	return group, index + 1, nil
}

// GetLastGroup returns the currently open group of a property and the
// number of coins already in it.  When the most recent group has
// reached its closing threshold, the successor group is reported with
// zero coins.
func (d *DB) GetLastGroup(property uint64) (uint32, uint64, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	group, count, err := d.lastGroup(property)
	if err != nil {
		return 0, 0, err
	}
	if count >= d.groupThreshold(group) {
		return group + 1, 0, nil
	}
	return group, count, nil
}

// hasStoredKey reports whether a key exists, mapping storage faults.
func (d *DB) hasStoredKey(key []byte) (bool, error) {
	has, err := d.ldb.Has(key, nil)
	if err != nil {
		return false, errors.Wrap(err, "lookup failed")
	}
	return has, nil
}

// HasMint reports whether the public coin is stored or staged for the
// property.
func (d *DB) HasMint(property uint64, coin *lelantus.PublicCoin) (bool, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	for _, p := range d.pending {
		if p.property == property && p.coin.IsEqual(coin) {
			return true, nil
		}
	}
	return d.hasStoredKey(pubCoinKey(property, coin.Bytes()))
}

// HasMintId reports whether a coin with the mint id is stored or staged
// for the property.
func (d *DB) HasMintId(property uint64, id lelantus.MintEntryId) (bool, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	for _, p := range d.pending {
		if p.property == property && p.id == id {
			return true, nil
		}
	}
	return d.hasStoredKey(entryIdKey(property, id))
}

// WriteMint stages a confirmed coin for the property.  The coin gets
// its group placement when CommitCoins runs; until then it is invisible
// to GetLastGroup and GetAnonymityGroup and not durable.  Staging a
// coin whose public coin or id is already present fails with
// ErrMintAlreadyExists.
func (d *DB) WriteMint(property uint64, coin *lelantus.PublicCoin, block int32,
	id lelantus.MintEntryId, amount uint64, extra []byte) error {

	d.mtx.Lock()
	defer d.mtx.Unlock()

	if block < 0 {
		return errors.Errorf("invalid block %d", block)
	}

	for _, p := range d.pending {
		if p.property != property {
			continue
		}
		if p.coin.IsEqual(coin) || p.id == id {
			return ErrMintAlreadyExists
		}
	}
	if has, err := d.hasStoredKey(pubCoinKey(property, coin.Bytes())); err != nil {
		return err
	} else if has {
		return ErrMintAlreadyExists
	}
	if has, err := d.hasStoredKey(entryIdKey(property, id)); err != nil {
		return err
	} else if has {
		return ErrMintAlreadyExists
	}

	d.pending = append(d.pending, pendingCoin{
		property: property,
		coin:     coin,
		block:    block,
		id:       id,
		amount:   amount,
		extra:    extra,
	})
	return nil
}

// CommitCoins assigns group placements to every staged coin and writes
// all of them durably as one atomic batch.  Coins are placed in staging
// order: each takes the next index of its property's open group, and a
// group that reaches its closing threshold rolls the following coins
// over into the successor group.  After the batch is on disk a
// MintAdded notification fires per coin, in write order, with no lock
// held.
func (d *DB) CommitCoins() error {
	events, handlers, err := d.commitCoins()
	if err != nil {
		return err
	}
	for _, e := range events {
		for _, h := range handlers {
			h.MintAdded(e.property, e.id, e.group, e.index, e.block,
				e.amount)
		}
	}
	return nil
}

type groupCursor struct {
	group uint32
	count uint64
}

func (d *DB) commitCoins() ([]addedEvent, []NotificationHandler, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if len(d.pending) == 0 {
		return nil, nil, nil
	}

	batch := new(leveldb.Batch)
	events := make([]addedEvent, 0, len(d.pending))
	cursors := make(map[uint64]*groupCursor)
	journalSeqs := make(map[int32]uint64)

	for _, p := range d.pending {
		cur, ok := cursors[p.property]
		if !ok {
			group, count, err := d.lastGroup(p.property)
			if err != nil {
				return nil, nil, err
			}
			cur = &groupCursor{group: group, count: count}
			cursors[p.property] = cur
		}
		if cur.count >= d.groupThreshold(cur.group) {
			cur.group++
			cur.count = 0
		}
		index := cur.count
		cur.count++

		seq, ok := journalSeqs[p.block]
		if !ok {
			var err error
			seq, err = d.nextSequence(journalKeyPrefix(p.block))
			if err != nil {
				return nil, nil, err
			}
		}
		journalSeqs[p.block] = seq + 1

		pubCoin := p.coin.Bytes()
		placement := placementValue(cur.group, index)
		batch.Put(coinKey(p.property, cur.group, index),
			coinValue(pubCoin, p.id, p.block, p.amount, p.extra))
		batch.Put(pubCoinKey(p.property, pubCoin), placement)
		batch.Put(entryIdKey(p.property, p.id), placement)
		batch.Put(journalKey(p.block, seq),
			journalCoinValue(p.property, cur.group, index))

		events = append(events, addedEvent{
			property: p.property,
			id:       p.id,
			group:    cur.group,
			index:    index,
			block:    p.block,
			amount:   p.amount,
		})
	}

	if err := d.ldb.Write(batch, writeOptions); err != nil {
		return nil, nil, errors.Wrap(err, "failed to commit coins")
	}
	d.pending = nil

	log.Debugf("Committed %d coins across %d properties", len(events),
		len(cursors))
	handlers := make([]NotificationHandler, len(d.handlers))
	copy(handlers, d.handlers)
	return events, handlers, nil
}

// GetAnonymityGroup returns up to count committed coins of the group in
// index order.  The order is derived from the stored keys alone, so any
// two databases holding the same coins return the same sequence.
func (d *DB) GetAnonymityGroup(property uint64, group uint32, count int) ([]*lelantus.PublicCoin, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	coins := make([]*lelantus.PublicCoin, 0, count)
	if count <= 0 {
		return coins, nil
	}

	it := d.ldb.NewIterator(
		util.BytesPrefix(coinGroupKeyPrefix(property, group)), nil)
	defer it.Release()

	for it.Next() {
		rec, err := readCoinValue(it.Value())
		if err != nil {
			return nil, err
		}
		coin, err := lelantus.ParsePubCoin(rec.pubCoin)
		if err != nil {
			return nil, errors.Wrapf(err, "stored coin at group %d is "+
				"invalid", group)
		}
		coins = append(coins, coin)
		if len(coins) == count {
			break
		}
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrap(err, "group scan failed")
	}
	return coins, nil
}

// HasSerial reports whether the serial is marked as used for the
// property, and when it is, the transaction that spent it.
func (d *DB) HasSerial(property uint64, serial [32]byte) (bool, chainhash.Hash, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	v, err := d.ldb.Get(serialKey(property, serial), nil)
	if err == leveldb.ErrNotFound {
		return false, chainhash.Hash{}, nil
	}
	if err != nil {
		return false, chainhash.Hash{}, errors.Wrap(err, "serial lookup "+
			"failed")
	}

	_, spendTx, err := readSerialValue(v)
	if err != nil {
		return false, chainhash.Hash{}, err
	}
	return true, spendTx, nil
}

// WriteSerial marks a serial as used by spendTx at the given block.
// Serials are write-once: a second write for the same (property,
// serial) fails with ErrSerialAlreadyUsed, which is the double spend
// detection path rather than a storage fault.  The serial and its
// journal entry are durable before the call returns.
func (d *DB) WriteSerial(property uint64, serial [32]byte, block int32,
	spendTx chainhash.Hash) error {

	d.mtx.Lock()
	defer d.mtx.Unlock()

	if block < 0 {
		return errors.Errorf("invalid block %d", block)
	}

	key := serialKey(property, serial)
	has, err := d.hasStoredKey(key)
	if err != nil {
		return err
	}
	if has {
		return ErrSerialAlreadyUsed
	}

	seq, err := d.nextSequence(journalKeyPrefix(block))
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(key, serialValue(block, spendTx))
	batch.Put(journalKey(block, seq), journalSerialValue(property, serial))
	return errors.Wrap(d.ldb.Write(batch, writeOptions),
		"failed to write serial")
}

// DeleteAll purges every coin and serial recorded at or past fromBlock,
// walking the journal, as one atomic batch.  Staged coins in the purge
// range are dropped as well.  A MintRemoved notification fires per
// purged committed coin, in purge order, with no lock held; dropped
// staged coins were never announced and produce no events.
func (d *DB) DeleteAll(fromBlock int32) error {
	events, handlers, err := d.deleteAll(fromBlock)
	if err != nil {
		return err
	}
	for _, e := range events {
		for _, h := range handlers {
			h.MintRemoved(e.property, e.id)
		}
	}
	return nil
}

func (d *DB) deleteAll(fromBlock int32) ([]removedEvent, []NotificationHandler, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if fromBlock < 0 {
		fromBlock = 0
	}

	journalRange := util.BytesPrefix([]byte{prefixJournal})
	journalRange.Start = journalKey(fromBlock, 0)
	it := d.ldb.NewIterator(journalRange, nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	var events []removedEvent
	purged := 0
	for it.Next() {
		v := it.Value()
		if len(v) < 9 {
			return nil, nil, errors.Errorf("malformed journal entry of "+
				"len %d", len(v))
		}
		property := byteOrder.Uint64(v[1:9])

		switch v[0] {
		case journalCoin:
			if len(v) != 21 {
				return nil, nil, errors.Errorf("malformed coin journal "+
					"entry of len %d", len(v))
			}
			group := byteOrder.Uint32(v[9:13])
			index := byteOrder.Uint64(v[13:21])

			key := coinKey(property, group, index)
			cv, err := d.ldb.Get(key, nil)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "journal references "+
					"missing coin at group %d index %d", group, index)
			}
			rec, err := readCoinValue(cv)
			if err != nil {
				return nil, nil, err
			}

			batch.Delete(key)
			batch.Delete(pubCoinKey(property, rec.pubCoin))
			batch.Delete(entryIdKey(property, rec.id))
			events = append(events, removedEvent{
				property: property,
				id:       rec.id,
			})

		case journalSerial:
			if len(v) != 41 {
				return nil, nil, errors.Errorf("malformed serial journal "+
					"entry of len %d", len(v))
			}
			var serial [32]byte
			copy(serial[:], v[9:41])
			batch.Delete(serialKey(property, serial))

		default:
			return nil, nil, errors.Errorf("unknown journal entry kind "+
				"%#x", v[0])
		}

		key := make([]byte, len(it.Key()))
		copy(key, it.Key())
		batch.Delete(key)
		purged++
	}
	if err := it.Error(); err != nil {
		return nil, nil, errors.Wrap(err, "journal scan failed")
	}

	kept := d.pending[:0]
	for _, p := range d.pending {
		if p.block < fromBlock {
			kept = append(kept, p)
		}
	}
	d.pending = kept

	if purged == 0 && len(events) == 0 {
		return nil, nil, nil
	}

	if err := d.ldb.Write(batch, writeOptions); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to purge from block %d",
			fromBlock)
	}

	log.Debugf("Purged %d journal entries from block %d", purged, fromBlock)
	handlers := make([]NotificationHandler, len(d.handlers))
	copy(handlers, d.handlers)
	return events, handlers, nil
}
