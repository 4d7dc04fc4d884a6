package wmintmgr

import (
	"testing"

	"github.com/lelantusuite/lelantuswallet/lelantus"
)

// poolEntry builds a pool entry whose id and seed id are derived from the
// index, so entries are distinct and reproducible.
func poolEntry(index uint32) MintPoolEntry {
	var id lelantus.MintEntryId
	id[0] = byte(index)
	id[1] = byte(index >> 8)
	var seedId KeyId
	seedId[0] = byte(index)
	return MintPoolEntry{Id: id, SeedId: seedId, Index: index}
}

func TestMintPoolOrdering(t *testing.T) {
	pool := newMintPool()

	// Insert out of order; consumption must still follow HD index order.
	for _, index := range []uint32{5, 1, 9, 3, 7} {
		if err := pool.insert(poolEntry(index)); err != nil {
			t.Fatalf("insert(%d): %v", index, err)
		}
	}
	if pool.size() != 5 {
		t.Fatalf("pool size = %d, want 5", pool.size())
	}

	want := []uint32{1, 3, 5, 7, 9}
	for _, index := range want {
		e, ok := pool.lowest()
		if !ok {
			t.Fatalf("lowest: pool empty, want index %d", index)
		}
		if e.Index != index {
			t.Fatalf("lowest index = %d, want %d", e.Index, index)
		}
		if !pool.remove(e.Id) {
			t.Fatalf("remove(%v) reported missing entry", e.Id)
		}
	}
	if _, ok := pool.lowest(); ok {
		t.Error("pool reports entries after draining")
	}
}

func TestMintPoolDuplicates(t *testing.T) {
	pool := newMintPool()
	if err := pool.insert(poolEntry(4)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Same id.
	err := pool.insert(poolEntry(4))
	if !IsError(err, ErrAlreadyExists) {
		t.Errorf("duplicate id error = %v, want ErrAlreadyExists", err)
	}

	// Same index under a fresh id.
	dup := poolEntry(4)
	dup.Id[31] = 0xff
	err = pool.insert(dup)
	if !IsError(err, ErrAlreadyExists) {
		t.Errorf("duplicate index error = %v, want ErrAlreadyExists", err)
	}

	if pool.size() != 1 {
		t.Errorf("pool size = %d after rejected inserts, want 1", pool.size())
	}
}

func TestMintPoolLookup(t *testing.T) {
	pool := newMintPool()
	e := poolEntry(11)
	if err := pool.insert(e); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, ok := pool.lookup(e.Id)
	if !ok {
		t.Fatal("lookup missed a pooled entry")
	}
	if got != e {
		t.Errorf("lookup = %+v, want %+v", got, e)
	}

	var missing lelantus.MintEntryId
	missing[0] = 0xee
	if _, ok := pool.lookup(missing); ok {
		t.Error("lookup found an entry that was never inserted")
	}
	if pool.remove(missing) {
		t.Error("remove reported success for a missing entry")
	}
}

func TestMintPoolSnapshot(t *testing.T) {
	pool := newMintPool()
	for _, index := range []uint32{2, 0, 1} {
		if err := pool.insert(poolEntry(index)); err != nil {
			t.Fatalf("insert(%d): %v", index, err)
		}
	}

	snap := pool.snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot has %d entries, want 3", len(snap))
	}
	for i, e := range snap {
		if e.Index != uint32(i) {
			t.Errorf("snapshot[%d].Index = %d, want %d", i, e.Index, i)
		}
	}

	// The snapshot is a copy, not a view.
	snap[0] = poolEntry(42)
	e, _ := pool.lowest()
	if e.Index != 0 {
		t.Error("mutating the snapshot changed the pool")
	}
}
