package wallet

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lelantusuite/lelantuswallet/keychain"
	"github.com/lelantusuite/lelantuswallet/lelantus"
	"github.com/lelantusuite/lelantuswallet/lelantusdb"
	"github.com/lelantusuite/lelantuswallet/walletdb"
	_ "github.com/lelantusuite/lelantuswallet/walletdb/bdb"
	"github.com/lelantusuite/lelantuswallet/wmintmgr"
	"github.com/lightningnetwork/lnd/clock"
)

// Group sizing used by the wallet tests: the first group closes after
// two coins, later groups after three.
const (
	testGroupSize      = 3
	testStartGroupSize = 2
)

func testSeed(fill byte) []byte {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = fill
	}
	return seed
}

// testWallet creates a wallet from testSeed(1) and opens it.  The
// wallet starts locked.  When withGroupDB is set, a group database with
// the test sizing is attached and returned.
func testWallet(t *testing.T, withGroupDB bool) (*Wallet, *lelantusdb.DB) {
	t.Helper()

	dir := t.TempDir()
	db, err := walletdb.Create("bdb", filepath.Join(dir, "wallet.db"))
	if err != nil {
		t.Fatalf("create db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clk := clock.NewTestClock(time.Unix(2000, 0))
	err = Create(db, testSeed(1), &chaincfg.SimNetParams, clk)
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	var groupDB *lelantusdb.DB
	if withGroupDB {
		groupDB, err = lelantusdb.Open(filepath.Join(dir, "lelantusdb"),
			testGroupSize, testStartGroupSize)
		if err != nil {
			t.Fatalf("open group db: %v", err)
		}
		t.Cleanup(func() { groupDB.Close() })
	}

	w, err := Open(db, &chaincfg.SimNetParams, groupDB, clk)
	if err != nil {
		t.Fatalf("open wallet: %v", err)
	}
	return w, groupDB
}

// unlock unlocks the wallet with its creation seed, which also fills
// the mint pool.
func unlock(t *testing.T, w *Wallet) {
	t.Helper()
	if err := w.Unlock(testSeed(1)); err != nil {
		t.Fatalf("unlock wallet: %v", err)
	}
}

// foreignCoin builds a coin that cannot belong to the test wallet.
func foreignCoin(t *testing.T, fill byte) (*lelantus.PublicCoin, lelantus.MintEntryId) {
	t.Helper()
	var seed [64]byte
	for i := range seed {
		seed[i] = fill
	}
	priv, err := lelantus.NewPrivateKey(lelantus.DefaultParams(), &seed)
	if err != nil {
		t.Fatalf("derive foreign coin: %v", err)
	}
	coin := priv.PublicCoin()
	return coin, lelantus.NewMintEntryId(coin, []byte("elsewhere"))
}

func TestCreateOpenUnlock(t *testing.T) {
	w, _ := testWallet(t, false)

	if !w.KeyChain.IsLocked() {
		t.Fatal("freshly opened wallet is not locked")
	}
	if got := len(w.Manager.MintPoolEntries()); got != 0 {
		t.Fatalf("locked wallet has %d pooled mints", got)
	}

	if err := w.Unlock(testSeed(2)); !errors.Is(err, keychain.ErrWrongSeed) {
		t.Errorf("wrong seed Unlock error = %v, want ErrWrongSeed", err)
	}
	unlock(t, w)

	// Unlocking fills the pool so upcoming mints are recognizable.
	if got := len(w.Manager.MintPoolEntries()); got != wmintmgr.MintPoolCapacity {
		t.Errorf("pool holds %d entries after unlock, want %d", got,
			wmintmgr.MintPoolCapacity)
	}

	w.Lock()
	if !w.KeyChain.IsLocked() {
		t.Error("wallet not locked after Lock")
	}
}

func TestGenerateMintFlow(t *testing.T) {
	w, _ := testWallet(t, false)
	unlock(t, w)

	id, priv, err := w.GenerateMint(2, 150)
	if err != nil {
		t.Fatalf("GenerateMint: %v", err)
	}
	if priv == nil {
		t.Fatal("GenerateMint returned no private key")
	}
	defer priv.Zero()

	if has, err := w.HasMint(id); err != nil || !has {
		t.Errorf("HasMint = (%v, %v), want true", has, err)
	}
	mint, err := w.GetMint(id)
	if err != nil {
		t.Fatalf("GetMint: %v", err)
	}
	if mint.Property != 2 || mint.Amount != 150 {
		t.Errorf("mint records property %d amount %d, want 2 and 150",
			mint.Property, mint.Amount)
	}
	if mint.ChainState.Confirmed() {
		t.Error("fresh mint reports confirmed")
	}

	serialId := lelantus.NewSerialId(&priv.Serial)
	if mint.SerialId != serialId {
		t.Errorf("mint serial id = %v, want %v", mint.SerialId, serialId)
	}
	if has, err := w.HasSerialId(serialId); err != nil || !has {
		t.Errorf("HasSerialId = (%v, %v), want true", has, err)
	}
	if gotId, err := w.GetMintId(serialId); err != nil || gotId != id {
		t.Errorf("GetMintId = (%v, %v), want %v", gotId, err, id)
	}

	details, err := w.ListMints(false, false)
	if err != nil {
		t.Fatalf("ListMints: %v", err)
	}
	if len(details) != 1 || details[0].Id != id {
		t.Errorf("ListMints = %+v, want the one generated mint", details)
	}

	// Marking the publishing transaction pins the mint: it is no longer
	// deletable.
	createdTx := chainhash.Hash{7}
	if err := w.SetMintCreatedTx(id, createdTx); err != nil {
		t.Fatalf("SetMintCreatedTx: %v", err)
	}
	if mint, _ := w.GetMint(id); mint.CreatedTx != createdTx {
		t.Errorf("created tx = %v, want %v", mint.CreatedTx, createdTx)
	}
	err = w.DeleteUnconfirmedMint(id)
	if !wmintmgr.IsError(err, wmintmgr.ErrOnChain) {
		t.Errorf("delete of broadcast mint error = %v, want ErrOnChain", err)
	}

	// A never-broadcast mint deletes cleanly.
	id2, priv2, err := w.GenerateMint(2, 150)
	if err != nil {
		t.Fatalf("GenerateMint: %v", err)
	}
	priv2.Zero()
	if err := w.DeleteUnconfirmedMint(id2); err != nil {
		t.Fatalf("DeleteUnconfirmedMint: %v", err)
	}
	if has, _ := w.HasMint(id2); has {
		t.Error("deleted mint is still recorded")
	}

	// Generation requires an unlocked wallet.
	w.Lock()
	_, _, err = w.GenerateMint(2, 150)
	if !wmintmgr.IsError(err, wmintmgr.ErrLocked) {
		t.Errorf("locked GenerateMint error = %v, want ErrLocked", err)
	}
}

func TestMintConfirmation(t *testing.T) {
	w, groupDB := testWallet(t, true)
	unlock(t, w)

	id, priv, err := w.GenerateMint(1, 100)
	if err != nil {
		t.Fatalf("GenerateMint: %v", err)
	}
	defer priv.Zero()

	// The chain confirms the mint: the group database write flows back
	// into the wallet record synchronously.
	err = groupDB.WriteMint(1, priv.PublicCoin(), 50, id, 100, nil)
	if err != nil {
		t.Fatalf("WriteMint: %v", err)
	}
	if err := groupDB.CommitCoins(); err != nil {
		t.Fatalf("CommitCoins: %v", err)
	}

	mint, err := w.GetMint(id)
	if err != nil {
		t.Fatalf("GetMint: %v", err)
	}
	want := wmintmgr.MintChainState{Block: 50, Group: 0, Index: 0}
	if mint.ChainState != want {
		t.Errorf("chain state = %+v, want %+v", mint.ChainState, want)
	}
	confirmed, err := w.ListMints(false, true)
	if err != nil {
		t.Fatalf("ListMints: %v", err)
	}
	if len(confirmed) != 1 {
		t.Errorf("confirmed list holds %d mints, want 1", len(confirmed))
	}

	// Coins of other wallets pass through without touching our records.
	otherCoin, otherId := foreignCoin(t, 0xaa)
	if err := groupDB.WriteMint(1, otherCoin, 51, otherId, 30, nil); err != nil {
		t.Fatalf("WriteMint: %v", err)
	}
	if err := groupDB.CommitCoins(); err != nil {
		t.Fatalf("CommitCoins: %v", err)
	}
	if has, _ := w.HasMint(otherId); has {
		t.Error("foreign coin was recorded as ours")
	}

	// A reorg that only drops the foreign coin leaves our mint alone.
	if err := groupDB.DeleteAll(51); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if mint, _ := w.GetMint(id); !mint.ChainState.Confirmed() {
		t.Error("unrelated reorg unconfirmed our mint")
	}

	// One that reaches our block resets the mint to unconfirmed.
	if err := groupDB.DeleteAll(50); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	mint, err = w.GetMint(id)
	if err != nil {
		t.Fatalf("GetMint: %v", err)
	}
	if mint.ChainState.Confirmed() {
		t.Error("mint still confirmed after reorg")
	}
	if mint.IsSpent() {
		t.Error("reorged mint still marked spent")
	}
}

func TestMintRecovery(t *testing.T) {
	w, groupDB := testWallet(t, true)
	unlock(t, w)

	// Another instance of this wallet minted with the first pooled seed.
	// Rederive what it would have published.
	entry := w.Manager.MintPoolEntries()[0]
	priv, id, err := w.Manager.GeneratePrivateKey(entry.SeedId)
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	defer priv.Zero()
	if id != entry.Id {
		t.Fatalf("pool entry id %v does not rederive, got %v", entry.Id, id)
	}

	if err := groupDB.WriteMint(1, priv.PublicCoin(), 60, id, 250, nil); err != nil {
		t.Fatalf("WriteMint: %v", err)
	}
	if err := groupDB.CommitCoins(); err != nil {
		t.Fatalf("CommitCoins: %v", err)
	}

	// The pooled identity was recognized and recorded with its chain
	// placement.
	mint, err := w.GetMint(id)
	if err != nil {
		t.Fatalf("GetMint after recovery: %v", err)
	}
	wantState := wmintmgr.MintChainState{Block: 60, Group: 0, Index: 0}
	if mint.ChainState != wantState {
		t.Errorf("recovered chain state = %+v, want %+v", mint.ChainState,
			wantState)
	}
	if mint.Property != 1 || mint.Amount != 250 {
		t.Errorf("recovered property %d amount %d, want 1 and 250",
			mint.Property, mint.Amount)
	}
	if w.Manager.IsMintInPool(id) {
		t.Error("recovered mint is still pooled")
	}
	if got := len(w.Manager.MintPoolEntries()); got != wmintmgr.MintPoolCapacity {
		t.Errorf("pool holds %d entries after recovery, want %d", got,
			wmintmgr.MintPoolCapacity)
	}

	// While locked, a pooled coin on chain cannot be claimed; it stays
	// pooled for a later unlock to pick up.
	next := w.Manager.MintPoolEntries()[0]
	nextPriv, nextId, err := w.Manager.GeneratePrivateKey(next.SeedId)
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	defer nextPriv.Zero()

	w.Lock()
	if err := groupDB.WriteMint(1, nextPriv.PublicCoin(), 61, nextId, 40, nil); err != nil {
		t.Fatalf("WriteMint: %v", err)
	}
	if err := groupDB.CommitCoins(); err != nil {
		t.Fatalf("CommitCoins: %v", err)
	}
	if has, _ := w.HasMint(nextId); has {
		t.Error("locked wallet recovered a mint")
	}
	if !w.Manager.IsMintInPool(nextId) {
		t.Error("unclaimed pooled mint was dropped")
	}
}

func TestRecordSpend(t *testing.T) {
	w, groupDB := testWallet(t, true)
	unlock(t, w)

	id, priv, err := w.GenerateMint(1, 100)
	if err != nil {
		t.Fatalf("GenerateMint: %v", err)
	}
	defer priv.Zero()
	err = groupDB.WriteMint(1, priv.PublicCoin(), 50, id, 100, nil)
	if err != nil {
		t.Fatalf("WriteMint: %v", err)
	}
	if err := groupDB.CommitCoins(); err != nil {
		t.Fatalf("CommitCoins: %v", err)
	}

	spendTx := chainhash.Hash{3, 1}
	if err := w.RecordSpend(1, &priv.Serial, 55, spendTx); err != nil {
		t.Fatalf("RecordSpend: %v", err)
	}

	// Both domains saw the spend: the serial is used in the group
	// database and the mint carries the spending transaction.
	used, gotTx, err := groupDB.HasSerial(1, lelantus.ScalarBytes(&priv.Serial))
	if err != nil {
		t.Fatalf("HasSerial: %v", err)
	}
	if !used || gotTx != spendTx {
		t.Errorf("HasSerial = (%v, %v), want (true, %v)", used, gotTx,
			spendTx)
	}
	mint, err := w.GetMint(id)
	if err != nil {
		t.Fatalf("GetMint: %v", err)
	}
	if mint.SpendTx != spendTx {
		t.Errorf("mint spend tx = %v, want %v", mint.SpendTx, spendTx)
	}
	if unused, err := w.ListMints(true, false); err != nil || len(unused) != 0 {
		t.Errorf("spent mint still listed as unused: %v (%v)", unused, err)
	}

	// Spending the same serial again is the double spend path.
	err = w.RecordSpend(1, &priv.Serial, 56, chainhash.Hash{9})
	if !errors.Is(err, lelantusdb.ErrSerialAlreadyUsed) {
		t.Errorf("double spend error = %v, want ErrSerialAlreadyUsed", err)
	}
	if mint, _ := w.GetMint(id); mint.SpendTx != spendTx {
		t.Errorf("double spend changed the recorded tx to %v", mint.SpendTx)
	}

	// Serials of other wallets are recorded in the group database
	// without touching any mint.
	var foreign lelantus.PrivateKey
	foreign.Serial.SetInt(77)
	if err := w.RecordSpend(1, &foreign.Serial, 57, chainhash.Hash{5}); err != nil {
		t.Errorf("foreign serial spend: %v", err)
	}
	used, _, err = groupDB.HasSerial(1, lelantus.ScalarBytes(&foreign.Serial))
	if err != nil || !used {
		t.Errorf("foreign serial not marked used: (%v, %v)", used, err)
	}
}

func TestRecordSpendWithoutGroupDB(t *testing.T) {
	w, _ := testWallet(t, false)
	unlock(t, w)

	_, priv, err := w.GenerateMint(1, 100)
	if err != nil {
		t.Fatalf("GenerateMint: %v", err)
	}
	defer priv.Zero()

	err = w.RecordSpend(1, &priv.Serial, 55, chainhash.Hash{1})
	if !errors.Is(err, ErrNoGroupDB) {
		t.Errorf("RecordSpend error = %v, want ErrNoGroupDB", err)
	}
}

func TestResetChainState(t *testing.T) {
	w, groupDB := testWallet(t, true)
	unlock(t, w)

	id, priv, err := w.GenerateMint(1, 100)
	if err != nil {
		t.Fatalf("GenerateMint: %v", err)
	}
	defer priv.Zero()
	createdTx := chainhash.Hash{2}
	if err := w.SetMintCreatedTx(id, createdTx); err != nil {
		t.Fatalf("SetMintCreatedTx: %v", err)
	}
	err = groupDB.WriteMint(1, priv.PublicCoin(), 50, id, 100, nil)
	if err != nil {
		t.Fatalf("WriteMint: %v", err)
	}
	if err := groupDB.CommitCoins(); err != nil {
		t.Fatalf("CommitCoins: %v", err)
	}
	if err := w.RecordSpend(1, &priv.Serial, 55, chainhash.Hash{3}); err != nil {
		t.Fatalf("RecordSpend: %v", err)
	}

	if err := w.ResetChainState(); err != nil {
		t.Fatalf("ResetChainState: %v", err)
	}

	// The wallet record is back to freshly-generated chain state, with
	// the publishing transaction intact.
	mint, err := w.GetMint(id)
	if err != nil {
		t.Fatalf("GetMint: %v", err)
	}
	if mint.ChainState.Confirmed() {
		t.Error("mint still confirmed after reset")
	}
	if mint.IsSpent() {
		t.Error("mint still spent after reset")
	}
	if mint.CreatedTx != createdTx {
		t.Errorf("reset dropped the created tx: %v", mint.CreatedTx)
	}

	// The group database is empty again.
	group, count, err := groupDB.GetLastGroup(1)
	if err != nil {
		t.Fatalf("GetLastGroup: %v", err)
	}
	if group != 0 || count != 0 {
		t.Errorf("group db at group %d count %d after reset", group, count)
	}
	used, _, err := groupDB.HasSerial(1, lelantus.ScalarBytes(&priv.Serial))
	if err != nil || used {
		t.Errorf("serial survived the reset: (%v, %v)", used, err)
	}
}

func TestReseed(t *testing.T) {
	w, _ := testWallet(t, false)
	unlock(t, w)

	id, priv, err := w.GenerateMint(1, 100)
	if err != nil {
		t.Fatalf("GenerateMint: %v", err)
	}
	priv.Zero()
	oldMaster := w.KeyChain.MasterId()
	oldPool := make(map[lelantus.MintEntryId]bool)
	for _, e := range w.Manager.MintPoolEntries() {
		oldPool[e.Id] = true
	}

	if err := w.Reseed(testSeed(9)); err != nil {
		t.Fatalf("Reseed: %v", err)
	}
	if w.KeyChain.MasterId() == oldMaster {
		t.Fatal("Reseed kept the old master")
	}

	// The pool was rebuilt under the new master.
	entries := w.Manager.MintPoolEntries()
	if len(entries) != wmintmgr.MintPoolCapacity {
		t.Fatalf("pool holds %d entries after reseed, want %d",
			len(entries), wmintmgr.MintPoolCapacity)
	}
	for _, e := range entries {
		if oldPool[e.Id] {
			t.Errorf("old pool entry %v survived the reseed", e.Id)
		}
	}

	// The old mint record remains, but its key is out of reach.
	if has, err := w.HasMint(id); err != nil || !has {
		t.Errorf("recorded mint lost by reseed: (%v, %v)", has, err)
	}
	mint, err := w.GetMint(id)
	if err != nil {
		t.Fatalf("GetMint: %v", err)
	}
	if _, _, err := w.Manager.GeneratePrivateKey(mint.SeedId); err == nil {
		t.Error("old mint key still derivable under the new master")
	}

	// New mints generate under the new master.
	id2, priv2, err := w.GenerateMint(1, 100)
	if err != nil {
		t.Fatalf("GenerateMint after reseed: %v", err)
	}
	priv2.Zero()
	if id2 == id {
		t.Error("reseeded wallet regenerated the old mint")
	}
}
