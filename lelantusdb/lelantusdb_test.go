package lelantusdb

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lelantusuite/lelantuswallet/lelantus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// reopenTestDB opens a database over the given storage, as a process
// restart would.
func reopenTestDB(t *testing.T, stor storage.Storage, groupSize, startGroupSize uint32) *DB {
	t.Helper()

	ldb, err := leveldb.Open(stor, nil)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	db, err := newDB(ldb, groupSize, startGroupSize)
	if err != nil {
		ldb.Close()
		t.Fatalf("open lelantus db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func openTestDB(t *testing.T, groupSize, startGroupSize uint32) *DB {
	t.Helper()
	return reopenTestDB(t, storage.NewMemStorage(), groupSize, startGroupSize)
}

// testCoin derives a deterministic coin and mint id from a fill byte.
func testCoin(t *testing.T, fill byte) (*lelantus.PublicCoin, lelantus.MintEntryId) {
	t.Helper()

	var seed [64]byte
	for i := range seed {
		seed[i] = fill
	}
	priv, err := lelantus.NewPrivateKey(lelantus.DefaultParams(), &seed)
	if err != nil {
		t.Fatalf("derive coin %d: %v", fill, err)
	}
	coin := priv.PublicCoin()
	return coin, lelantus.NewMintEntryId(coin, []byte{fill})
}

func testSerial(fill byte) [32]byte {
	var serial [32]byte
	for i := range serial {
		serial[i] = fill
	}
	return serial
}

type mintEvent struct {
	property uint64
	id       lelantus.MintEntryId
	group    uint32
	index    uint64
	block    int32
	amount   uint64
}

// recordingHandler captures notifications.  When an order log is shared
// between handlers, each call appends its tag, which lets tests assert
// the per-event fan-out order.
type recordingHandler struct {
	tag     string
	order   *[]string
	added   []mintEvent
	removed []lelantus.MintEntryId
}

func (h *recordingHandler) MintAdded(property uint64, id lelantus.MintEntryId,
	group uint32, index uint64, block int32, amount uint64) {

	h.added = append(h.added, mintEvent{property, id, group, index, block,
		amount})
	if h.order != nil {
		*h.order = append(*h.order, h.tag+"+")
	}
}

func (h *recordingHandler) MintRemoved(property uint64, id lelantus.MintEntryId) {
	h.removed = append(h.removed, id)
	if h.order != nil {
		*h.order = append(*h.order, h.tag+"-")
	}
}

func TestOpenSizing(t *testing.T) {
	tests := []struct {
		name           string
		groupSize      uint32
		startGroupSize uint32
		valid          bool
	}{
		{"zero group", 0, 0, false},
		{"zero start", 10, 0, false},
		{"start above group", 10, 11, false},
		{"start equals group", 10, 10, true},
		{"defaults", DefaultGroupSize, DefaultStartGroupSize, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ldb, err := leveldb.Open(storage.NewMemStorage(), nil)
			if err != nil {
				t.Fatalf("open leveldb: %v", err)
			}
			defer ldb.Close()

			_, err = newDB(ldb, test.groupSize, test.startGroupSize)
			if (err == nil) != test.valid {
				t.Errorf("newDB(%d, %d) error = %v, want valid = %v",
					test.groupSize, test.startGroupSize, err, test.valid)
			}
		})
	}
}

func TestGroupConfigPersistence(t *testing.T) {
	stor := storage.NewMemStorage()

	db := reopenTestDB(t, stor, 100, 10)
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The first open recorded the sizing; the same sizing reopens fine.
	db = reopenTestDB(t, stor, 100, 10)
	if g, s := db.GroupSizes(); g != 100 || s != 10 {
		t.Errorf("GroupSizes = (%d, %d), want (100, 10)", g, s)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// A different sizing is refused: it would reshape every recorded
	// anonymity set.
	ldb, err := leveldb.Open(stor, nil)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	defer ldb.Close()
	_, err = newDB(ldb, 100, 20)
	if !errors.Is(err, ErrGroupConfigMismatch) {
		t.Errorf("newDB error = %v, want ErrGroupConfigMismatch", err)
	}
}

func TestGroupRollover(t *testing.T) {
	db := openTestDB(t, 3, 2)
	const property = 7

	group, count, err := db.GetLastGroup(property)
	if err != nil {
		t.Fatalf("GetLastGroup: %v", err)
	}
	if group != 0 || count != 0 {
		t.Fatalf("empty property at group %d count %d, want 0 and 0",
			group, count)
	}

	coins := make([]*lelantus.PublicCoin, 6)
	ids := make([]lelantus.MintEntryId, 6)
	for i := range coins {
		coins[i], ids[i] = testCoin(t, byte(i+1))
	}
	h := &recordingHandler{}
	db.Subscribe(h)

	commitAt := func(block int32, from, to int) {
		t.Helper()
		for i := from; i < to; i++ {
			err := db.WriteMint(property, coins[i], block, ids[i], 100, nil)
			if err != nil {
				t.Fatalf("WriteMint %d: %v", i, err)
			}
		}
		if err := db.CommitCoins(); err != nil {
			t.Fatalf("CommitCoins: %v", err)
		}
	}

	// The first group closes at the start group size.
	commitAt(10, 0, 2)
	group, count, err = db.GetLastGroup(property)
	if err != nil {
		t.Fatalf("GetLastGroup: %v", err)
	}
	if group != 1 || count != 0 {
		t.Errorf("after start group filled: group %d count %d, want 1 "+
			"and 0", group, count)
	}

	// Later groups close at the full group size, rolling excess coins
	// into the successor within a single commit.
	commitAt(11, 2, 5)
	group, count, err = db.GetLastGroup(property)
	if err != nil {
		t.Fatalf("GetLastGroup: %v", err)
	}
	if group != 2 || count != 0 {
		t.Errorf("after group 1 filled: group %d count %d, want 2 and 0",
			group, count)
	}

	commitAt(12, 5, 6)
	group, count, err = db.GetLastGroup(property)
	if err != nil {
		t.Fatalf("GetLastGroup: %v", err)
	}
	if group != 2 || count != 1 {
		t.Errorf("after one coin in group 2: group %d count %d, want 2 "+
			"and 1", group, count)
	}

	// Placements were handed out in staging order.
	want := []struct {
		group uint32
		index uint64
	}{
		{0, 0}, {0, 1}, {1, 0}, {1, 1}, {1, 2}, {2, 0},
	}
	if len(h.added) != len(want) {
		t.Fatalf("got %d added events, want %d", len(h.added), len(want))
	}
	for i, e := range h.added {
		if e.group != want[i].group || e.index != want[i].index {
			t.Errorf("event %d placed at group %d index %d, want group "+
				"%d index %d", i, e.group, e.index, want[i].group,
				want[i].index)
		}
		if e.id != ids[i] {
			t.Errorf("event %d carries id %v, want %v", i, e.id, ids[i])
		}
		if e.property != property || e.amount != 100 {
			t.Errorf("event %d carries property %d amount %d", i,
				e.property, e.amount)
		}
	}

	// Group contents come back in index order.
	got, err := db.GetAnonymityGroup(property, 1, 10)
	if err != nil {
		t.Fatalf("GetAnonymityGroup: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("group 1 holds %d coins, want 3", len(got))
	}
	for i, coin := range got {
		if !coin.IsEqual(coins[2+i]) {
			t.Errorf("group 1 coin %d is not the expected coin", i)
		}
	}
}

func TestWriteMintStagingRules(t *testing.T) {
	db := openTestDB(t, 10, 5)
	const property = 1
	coin1, id1 := testCoin(t, 1)
	coin2, id2 := testCoin(t, 2)

	if err := db.WriteMint(property, coin1, -1, id1, 10, nil); err == nil {
		t.Error("staging at a negative block succeeded")
	}

	if err := db.WriteMint(property, coin1, 5, id1, 10, nil); err != nil {
		t.Fatalf("WriteMint: %v", err)
	}

	// Staged coins answer membership queries but have no placement yet.
	if has, err := db.HasMint(property, coin1); err != nil || !has {
		t.Errorf("HasMint(staged) = (%v, %v), want true", has, err)
	}
	if has, err := db.HasMintId(property, id1); err != nil || !has {
		t.Errorf("HasMintId(staged) = (%v, %v), want true", has, err)
	}
	if group, count, err := db.GetLastGroup(property); err != nil ||
		group != 0 || count != 0 {
		t.Errorf("staged coin visible to GetLastGroup: (%d, %d, %v)",
			group, count, err)
	}

	// Duplicate public coins and duplicate ids are both refused while
	// staged.
	err := db.WriteMint(property, coin1, 5, id2, 10, nil)
	if !errors.Is(err, ErrMintAlreadyExists) {
		t.Errorf("duplicate staged coin error = %v, want "+
			"ErrMintAlreadyExists", err)
	}
	err = db.WriteMint(property, coin2, 5, id1, 10, nil)
	if !errors.Is(err, ErrMintAlreadyExists) {
		t.Errorf("duplicate staged id error = %v, want "+
			"ErrMintAlreadyExists", err)
	}

	// And after commit, against the stored records too.
	if err := db.CommitCoins(); err != nil {
		t.Fatalf("CommitCoins: %v", err)
	}
	err = db.WriteMint(property, coin1, 6, id2, 10, nil)
	if !errors.Is(err, ErrMintAlreadyExists) {
		t.Errorf("duplicate stored coin error = %v, want "+
			"ErrMintAlreadyExists", err)
	}

	// Properties are independent namespaces.
	if err := db.WriteMint(property+1, coin1, 6, id1, 10, nil); err != nil {
		t.Errorf("same coin under another property: %v", err)
	}
}

func TestCommitCoinsEmpty(t *testing.T) {
	db := openTestDB(t, 10, 5)
	h := &recordingHandler{}
	db.Subscribe(h)

	if err := db.CommitCoins(); err != nil {
		t.Fatalf("CommitCoins with nothing staged: %v", err)
	}
	if len(h.added) != 0 {
		t.Errorf("empty commit produced %d events", len(h.added))
	}
}

func TestCommitMultipleProperties(t *testing.T) {
	db := openTestDB(t, 2, 1)
	coin1, id1 := testCoin(t, 1)
	coin2, id2 := testCoin(t, 2)
	coin3, id3 := testCoin(t, 3)
	h := &recordingHandler{}
	db.Subscribe(h)

	// Interleaved staging: each property advances its own cursor.
	if err := db.WriteMint(1, coin1, 8, id1, 10, nil); err != nil {
		t.Fatalf("WriteMint: %v", err)
	}
	if err := db.WriteMint(2, coin2, 8, id2, 20, nil); err != nil {
		t.Fatalf("WriteMint: %v", err)
	}
	if err := db.WriteMint(1, coin3, 8, id3, 30, nil); err != nil {
		t.Fatalf("WriteMint: %v", err)
	}
	if err := db.CommitCoins(); err != nil {
		t.Fatalf("CommitCoins: %v", err)
	}

	want := []mintEvent{
		{property: 1, id: id1, group: 0, index: 0, block: 8, amount: 10},
		{property: 2, id: id2, group: 0, index: 0, block: 8, amount: 20},
		{property: 1, id: id3, group: 1, index: 0, block: 8, amount: 30},
	}
	if len(h.added) != len(want) {
		t.Fatalf("got %d events, want %d", len(h.added), len(want))
	}
	for i := range want {
		if h.added[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, h.added[i], want[i])
		}
	}
}

func TestWriteSerial(t *testing.T) {
	db := openTestDB(t, 10, 5)
	const property = 3
	serial := testSerial(1)
	spendTx := chainhash.Hash{1, 2}

	if used, _, err := db.HasSerial(property, serial); err != nil || used {
		t.Fatalf("HasSerial on fresh db = (%v, %v)", used, err)
	}

	if err := db.WriteSerial(property, serial, -1, spendTx); err == nil {
		t.Error("writing a serial at a negative block succeeded")
	}

	if err := db.WriteSerial(property, serial, 15, spendTx); err != nil {
		t.Fatalf("WriteSerial: %v", err)
	}
	used, gotTx, err := db.HasSerial(property, serial)
	if err != nil {
		t.Fatalf("HasSerial: %v", err)
	}
	if !used || gotTx != spendTx {
		t.Errorf("HasSerial = (%v, %v), want (true, %v)", used, gotTx,
			spendTx)
	}

	// Serials are write-once; the stored spend is untouched by the
	// refused second write.
	err = db.WriteSerial(property, serial, 16, chainhash.Hash{9})
	if !errors.Is(err, ErrSerialAlreadyUsed) {
		t.Errorf("second write error = %v, want ErrSerialAlreadyUsed", err)
	}
	if _, gotTx, _ := db.HasSerial(property, serial); gotTx != spendTx {
		t.Errorf("refused write changed the spend tx to %v", gotTx)
	}

	// The same serial under another property is unrelated.
	if err := db.WriteSerial(property+1, serial, 15, spendTx); err != nil {
		t.Errorf("same serial under another property: %v", err)
	}
}

func TestDeleteAll(t *testing.T) {
	db := openTestDB(t, 10, 2)
	const property = 1

	coins := make([]*lelantus.PublicCoin, 4)
	ids := make([]lelantus.MintEntryId, 4)
	for i := range coins {
		coins[i], ids[i] = testCoin(t, byte(i+1))
	}

	commitAt := func(block int32, i int) {
		t.Helper()
		if err := db.WriteMint(property, coins[i], block, ids[i], 10, nil); err != nil {
			t.Fatalf("WriteMint %d: %v", i, err)
		}
		if err := db.CommitCoins(); err != nil {
			t.Fatalf("CommitCoins: %v", err)
		}
	}
	commitAt(10, 0)
	commitAt(10, 1)
	commitAt(11, 2)
	commitAt(12, 3)

	serialKept, serialPurged := testSerial(0xa0), testSerial(0xa1)
	if err := db.WriteSerial(property, serialKept, 10, chainhash.Hash{1}); err != nil {
		t.Fatalf("WriteSerial: %v", err)
	}
	if err := db.WriteSerial(property, serialPurged, 12, chainhash.Hash{2}); err != nil {
		t.Fatalf("WriteSerial: %v", err)
	}

	h := &recordingHandler{}
	db.Subscribe(h)

	// Purge everything recorded at or past block 11.
	if err := db.DeleteAll(11); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}

	// Removal events arrive in journal order: ascending block, then
	// write order within a block.
	wantRemoved := []lelantus.MintEntryId{ids[2], ids[3]}
	if len(h.removed) != len(wantRemoved) {
		t.Fatalf("got %d removed events, want %d", len(h.removed),
			len(wantRemoved))
	}
	for i := range wantRemoved {
		if h.removed[i] != wantRemoved[i] {
			t.Errorf("removed event %d = %v, want %v", i, h.removed[i],
				wantRemoved[i])
		}
	}

	for i := 0; i < 2; i++ {
		if has, err := db.HasMint(property, coins[i]); err != nil || !has {
			t.Errorf("coin %d below the purge point gone: (%v, %v)", i,
				has, err)
		}
	}
	for i := 2; i < 4; i++ {
		if has, err := db.HasMint(property, coins[i]); err != nil || has {
			t.Errorf("coin %d survived the purge: (%v, %v)", i, has, err)
		}
	}
	if used, _, err := db.HasSerial(property, serialKept); err != nil || !used {
		t.Errorf("serial below the purge point gone: (%v, %v)", used, err)
	}
	if used, _, err := db.HasSerial(property, serialPurged); err != nil || used {
		t.Errorf("serial survived the purge: (%v, %v)", used, err)
	}

	// Group state is rederived from the surviving keys: group 0 is full
	// again, group 1 is empty again.
	group, count, err := db.GetLastGroup(property)
	if err != nil {
		t.Fatalf("GetLastGroup: %v", err)
	}
	if group != 1 || count != 0 {
		t.Errorf("after purge: group %d count %d, want 1 and 0", group,
			count)
	}
	if coins, err := db.GetAnonymityGroup(property, 1, 10); err != nil ||
		len(coins) != 0 {
		t.Errorf("purged group still holds %d coins (%v)", len(coins), err)
	}

	// The freed placement is handed out again.
	h.added = nil
	commitAt(20, 2)
	if len(h.added) != 1 || h.added[0].group != 1 || h.added[0].index != 0 {
		t.Fatalf("recommit placed %+v, want group 1 index 0", h.added)
	}

	// A purge range holding nothing is a quiet no-op.
	h.removed = nil
	if err := db.DeleteAll(1000); err != nil {
		t.Fatalf("empty DeleteAll: %v", err)
	}
	if len(h.removed) != 0 {
		t.Errorf("empty purge produced %d events", len(h.removed))
	}
}

func TestDeleteAllStagedCoins(t *testing.T) {
	db := openTestDB(t, 10, 10)
	const property = 1
	coin1, id1 := testCoin(t, 1)
	coin2, id2 := testCoin(t, 2)
	coin3, id3 := testCoin(t, 3)
	h := &recordingHandler{}
	db.Subscribe(h)

	if err := db.WriteMint(property, coin1, 5, id1, 10, nil); err != nil {
		t.Fatalf("WriteMint: %v", err)
	}
	if err := db.CommitCoins(); err != nil {
		t.Fatalf("CommitCoins: %v", err)
	}

	if err := db.WriteMint(property, coin2, 20, id2, 10, nil); err != nil {
		t.Fatalf("WriteMint: %v", err)
	}
	if err := db.WriteMint(property, coin3, 3, id3, 10, nil); err != nil {
		t.Fatalf("WriteMint: %v", err)
	}

	// The purge drops the staged coin in range without an event; the
	// staged coin below the range and the committed coin survive.
	h.added, h.removed = nil, nil
	if err := db.DeleteAll(10); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if len(h.removed) != 0 {
		t.Errorf("dropping staged coins produced %d events", len(h.removed))
	}
	if has, err := db.HasMint(property, coin2); err != nil || has {
		t.Errorf("staged coin in purge range kept: (%v, %v)", has, err)
	}
	if has, err := db.HasMint(property, coin3); err != nil || !has {
		t.Errorf("staged coin below purge range dropped: (%v, %v)", has, err)
	}

	if err := db.CommitCoins(); err != nil {
		t.Fatalf("CommitCoins: %v", err)
	}
	if len(h.added) != 1 || h.added[0].id != id3 ||
		h.added[0].group != 0 || h.added[0].index != 1 {
		t.Fatalf("surviving staged coin committed as %+v", h.added)
	}

	// A negative purge point clamps to zero and takes everything,
	// walking the journal in block order.
	h.removed = nil
	if err := db.DeleteAll(-5); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	wantRemoved := []lelantus.MintEntryId{id3, id1}
	if len(h.removed) != len(wantRemoved) {
		t.Fatalf("got %d removed events, want %d", len(h.removed),
			len(wantRemoved))
	}
	for i := range wantRemoved {
		if h.removed[i] != wantRemoved[i] {
			t.Errorf("removed event %d = %v, want %v", i, h.removed[i],
				wantRemoved[i])
		}
	}
	group, count, err := db.GetLastGroup(property)
	if err != nil {
		t.Fatalf("GetLastGroup: %v", err)
	}
	if group != 0 || count != 0 {
		t.Errorf("after full purge: group %d count %d, want 0 and 0",
			group, count)
	}
}

func TestNotificationFanOut(t *testing.T) {
	db := openTestDB(t, 10, 10)
	const property = 1

	var order []string
	first := &recordingHandler{tag: "first", order: &order}
	second := &recordingHandler{tag: "second", order: &order}
	db.Subscribe(first)
	db.Subscribe(second)

	coin1, id1 := testCoin(t, 1)
	coin2, id2 := testCoin(t, 2)
	if err := db.WriteMint(property, coin1, 5, id1, 10, nil); err != nil {
		t.Fatalf("WriteMint: %v", err)
	}
	if err := db.WriteMint(property, coin2, 5, id2, 10, nil); err != nil {
		t.Fatalf("WriteMint: %v", err)
	}
	if err := db.CommitCoins(); err != nil {
		t.Fatalf("CommitCoins: %v", err)
	}
	if err := db.DeleteAll(5); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}

	// Events are dispatched one at a time in write order, and for each
	// event the handlers run in registration order.
	want := []string{
		"first+", "second+", "first+", "second+",
		"first-", "second-", "first-", "second-",
	}
	if len(order) != len(want) {
		t.Fatalf("order log %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order log %v, want %v", order, want)
		}
	}

	for i, id := range []lelantus.MintEntryId{id1, id2} {
		if first.added[i].id != id || second.added[i].id != id {
			t.Errorf("added event %d does not carry id %v", i, id)
		}
	}
}

// reentrantHandler reads back through the database from inside a
// notification, which only works if dispatch happens after the durable
// write with no lock held.
type reentrantHandler struct {
	t  *testing.T
	db *DB
}

func (h *reentrantHandler) MintAdded(property uint64, id lelantus.MintEntryId,
	group uint32, index uint64, block int32, amount uint64) {

	has, err := h.db.HasMintId(property, id)
	if err != nil || !has {
		h.t.Errorf("added mint not readable from handler: (%v, %v)", has,
			err)
	}
	g, _, err := h.db.GetLastGroup(property)
	if err != nil {
		h.t.Errorf("GetLastGroup from handler: %v", err)
	}
	if g < group {
		h.t.Errorf("handler sees group %d before placement in group %d",
			g, group)
	}
}

func (h *reentrantHandler) MintRemoved(property uint64, id lelantus.MintEntryId) {
	has, err := h.db.HasMintId(property, id)
	if err != nil || has {
		h.t.Errorf("removed mint still readable from handler: (%v, %v)",
			has, err)
	}
}

func TestNotificationReentrancy(t *testing.T) {
	db := openTestDB(t, 10, 10)
	db.Subscribe(&reentrantHandler{t: t, db: db})

	coin, id := testCoin(t, 1)
	if err := db.WriteMint(1, coin, 5, id, 10, nil); err != nil {
		t.Fatalf("WriteMint: %v", err)
	}
	if err := db.CommitCoins(); err != nil {
		t.Fatalf("CommitCoins: %v", err)
	}
	if err := db.DeleteAll(0); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
}

func TestGetAnonymityGroupCount(t *testing.T) {
	db := openTestDB(t, 10, 10)
	const property = 1

	for i := 0; i < 3; i++ {
		coin, id := testCoin(t, byte(i+1))
		if err := db.WriteMint(property, coin, 5, id, 10, nil); err != nil {
			t.Fatalf("WriteMint: %v", err)
		}
	}
	if err := db.CommitCoins(); err != nil {
		t.Fatalf("CommitCoins: %v", err)
	}

	tests := []struct {
		name  string
		count int
		want  int
	}{
		{"negative", -1, 0},
		{"zero", 0, 0},
		{"partial", 2, 2},
		{"exact", 3, 3},
		{"beyond", 10, 3},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			coins, err := db.GetAnonymityGroup(property, 0, test.count)
			if err != nil {
				t.Fatalf("GetAnonymityGroup: %v", err)
			}
			if len(coins) != test.want {
				t.Errorf("got %d coins, want %d", len(coins), test.want)
			}
		})
	}

	// Groups that were never opened are empty, not an error.
	coins, err := db.GetAnonymityGroup(property, 5, 10)
	if err != nil {
		t.Fatalf("GetAnonymityGroup: %v", err)
	}
	if len(coins) != 0 {
		t.Errorf("unopened group holds %d coins", len(coins))
	}
}

func TestPersistence(t *testing.T) {
	stor := storage.NewMemStorage()
	db := reopenTestDB(t, stor, 4, 2)
	const property = 9

	coin1, id1 := testCoin(t, 1)
	coin2, id2 := testCoin(t, 2)
	if err := db.WriteMint(property, coin1, 5, id1, 10, nil); err != nil {
		t.Fatalf("WriteMint: %v", err)
	}
	if err := db.WriteMint(property, coin2, 5, id2, 10, nil); err != nil {
		t.Fatalf("WriteMint: %v", err)
	}
	if err := db.CommitCoins(); err != nil {
		t.Fatalf("CommitCoins: %v", err)
	}
	serial := testSerial(3)
	spendTx := chainhash.Hash{4}
	if err := db.WriteSerial(property, serial, 6, spendTx); err != nil {
		t.Fatalf("WriteSerial: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db = reopenTestDB(t, stor, 4, 2)
	group, count, err := db.GetLastGroup(property)
	if err != nil {
		t.Fatalf("GetLastGroup: %v", err)
	}
	if group != 1 || count != 0 {
		t.Errorf("reopened at group %d count %d, want 1 and 0", group,
			count)
	}
	coins, err := db.GetAnonymityGroup(property, 0, 10)
	if err != nil {
		t.Fatalf("GetAnonymityGroup: %v", err)
	}
	if len(coins) != 2 || !coins[0].IsEqual(coin1) || !coins[1].IsEqual(coin2) {
		t.Errorf("reopened group does not hold the committed coins")
	}
	used, gotTx, err := db.HasSerial(property, serial)
	if err != nil {
		t.Fatalf("HasSerial: %v", err)
	}
	if !used || gotTx != spendTx {
		t.Errorf("reopened serial = (%v, %v), want (true, %v)", used,
			gotTx, spendTx)
	}
}
