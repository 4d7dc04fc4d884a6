package wmintmgr

import (
	"fmt"
	"sort"

	"github.com/lelantusuite/lelantuswallet/lelantus"
)

// MintPoolCapacity is the number of entries refills top the pool up to.
const MintPoolCapacity = 20

// MintPoolEntry precomputes the identity of one future mint: the entry id
// the mint will carry, the seed id that derives it, and the HD index of
// that seed.  Entries hold no secret material, so the pool can be
// consulted while the key store is locked.
type MintPoolEntry struct {
	Id     lelantus.MintEntryId
	SeedId KeyId
	Index  uint32
}

// mintPool is the in-memory window of upcoming mints.  It is indexed two
// ways: ordered by HD index, so mints are always consumed oldest first,
// and keyed by entry id for recognition lookups.  Both indexes are
// unique; inserting an entry whose id or index collides with a present
// entry fails.
type mintPool struct {
	entries []MintPoolEntry // ascending Index
	byId    map[lelantus.MintEntryId]MintPoolEntry
}

func newMintPool() *mintPool {
	return &mintPool{byId: make(map[lelantus.MintEntryId]MintPoolEntry)}
}

// insert adds an entry, keeping index order and rejecting duplicates on
// either index.
func (p *mintPool) insert(e MintPoolEntry) error {
	if _, ok := p.byId[e.Id]; ok {
		str := fmt.Sprintf("mint pool already holds id %v", e.Id)
		return managerError(ErrAlreadyExists, str, nil)
	}
	i := sort.Search(len(p.entries), func(i int) bool {
		return p.entries[i].Index >= e.Index
	})
	if i < len(p.entries) && p.entries[i].Index == e.Index {
		str := fmt.Sprintf("mint pool already holds index %d", e.Index)
		return managerError(ErrAlreadyExists, str, nil)
	}

	p.entries = append(p.entries, MintPoolEntry{})
	copy(p.entries[i+1:], p.entries[i:])
	p.entries[i] = e
	p.byId[e.Id] = e
	return nil
}

// lowest returns the entry with the smallest HD index.
func (p *mintPool) lowest() (MintPoolEntry, bool) {
	if len(p.entries) == 0 {
		return MintPoolEntry{}, false
	}
	return p.entries[0], true
}

// lookup returns the entry with the given id.
func (p *mintPool) lookup(id lelantus.MintEntryId) (MintPoolEntry, bool) {
	e, ok := p.byId[id]
	return e, ok
}

// remove deletes the entry with the given id, reporting whether it was
// present.
func (p *mintPool) remove(id lelantus.MintEntryId) bool {
	e, ok := p.byId[id]
	if !ok {
		return false
	}
	delete(p.byId, id)

	// The slice and the map always hold the same entries, so the entry
	// is present at the searched position.
	i := sort.Search(len(p.entries), func(i int) bool {
		return p.entries[i].Index >= e.Index
	})
	p.entries = append(p.entries[:i], p.entries[i+1:]...)
	return true
}

// size returns the number of pooled entries.
func (p *mintPool) size() int {
	return len(p.entries)
}

// snapshot returns a copy of the entries in ascending index order.
func (p *mintPool) snapshot() []MintPoolEntry {
	out := make([]MintPoolEntry, len(p.entries))
	copy(out, p.entries)
	return out
}
