package wmintmgr

import (
	"encoding/hex"

	"github.com/lelantusuite/lelantuswallet/walletdb"
)

// MintBranch is the HD branch mint seeds are derived on.  Branches 0 and
// 1 carry the usual external and internal chains, so keys derived for
// mints never collide with addresses the rest of the wallet hands out.
const MintBranch uint32 = 2

// KeyIdSize is the length of a key identifier.
const KeyIdSize = 20

// KeyId identifies a single derived key in the key store: the Hash160 of
// the derived key's compressed public key.  Mint seed ids are key ids on
// the mint branch.
type KeyId [KeyIdSize]byte

// String returns the key id as hex.
func (id KeyId) String() string {
	return hex.EncodeToString(id[:])
}

// MasterKeyId identifies the master key a derived key belongs to.
type MasterKeyId [KeyIdSize]byte

// String returns the master key id as hex.
func (id MasterKeyId) String() string {
	return hex.EncodeToString(id[:])
}

// KeyPath describes where under the master key a key was derived.
type KeyPath struct {
	Account uint32
	Branch  uint32
	Index   uint32
}

// KeyMeta is the public metadata a key store records for every key it has
// handed out.
type KeyMeta struct {
	Path     KeyPath
	MasterId MasterKeyId
}

// KeyStore is the hierarchical-deterministic key store the manager
// derives mint material from.  The manager owns no keys of its own;
// everything secret stays behind this boundary.
//
// GenerateNewKey and GetKey require the store to be unlocked.  Metadata
// lookups must keep working while locked so the manager can validate pool
// entries and recognize its own mints without signing material.
type KeyStore interface {
	// GenerateNewKey derives the next key on the given branch, records
	// its metadata through ns, and returns its id.
	GenerateNewKey(ns walletdb.ReadWriteBucket, branch uint32) (KeyId, error)

	// GetKey returns the 32-byte signing material of a previously
	// generated key.  The caller must zero the returned slice once done
	// with it.
	GetKey(id KeyId) ([]byte, error)

	// IsLocked reports whether signing material is currently
	// inaccessible.
	IsLocked() bool

	// LookupKeyMeta returns the metadata recorded for a key, or false
	// when the key store has never handed the id out.
	LookupKeyMeta(id KeyId) (KeyMeta, bool)

	// MasterId identifies the master key currently in use.
	MasterId() MasterKeyId
}
