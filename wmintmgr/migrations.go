package wmintmgr

import (
	"github.com/lelantusuite/lelantuswallet/walletdb"
	"github.com/lelantusuite/lelantuswallet/walletdb/migration"
)

// versions is the list of versions the mint manager's namespace can
// migrate through, in ascending order.
var versions = []migration.Version{
	{
		Number:    1,
		Migration: nil,
	},
}

// getLatestVersion returns the most recent namespace version.
func getLatestVersion() uint32 {
	return versions[len(versions)-1].Number
}

// MigrationManager applies migrations to the mint manager's namespace.
// It satisfies the migration.Manager interface.
type MigrationManager struct {
	ns walletdb.ReadWriteBucket
}

// A compile-time check to ensure that MigrationManager implements the
// migration.Manager interface.
var _ migration.Manager = (*MigrationManager)(nil)

// NewMigrationManager creates a new migration manager for the mint
// manager's namespace.
func NewMigrationManager(ns walletdb.ReadWriteBucket) *MigrationManager {
	return &MigrationManager{ns: ns}
}

// Name returns the name of the service being migrated.
func (m *MigrationManager) Name() string {
	return "mint manager"
}

// Namespace returns the top-level bucket of the service being migrated.
func (m *MigrationManager) Namespace() walletdb.ReadWriteBucket {
	return m.ns
}

// CurrentVersion returns the current version of the service's namespace.
func (m *MigrationManager) CurrentVersion(ns walletdb.ReadBucket) (uint32, error) {
	if ns == nil {
		ns = m.ns
	}
	return fetchVersion(ns)
}

// SetVersion sets the version of the service's namespace.
func (m *MigrationManager) SetVersion(ns walletdb.ReadWriteBucket, version uint32) error {
	if ns == nil {
		ns = m.ns
	}
	return putVersion(ns, version)
}

// Versions returns all of the available versions of the service.
func (m *MigrationManager) Versions() []migration.Version {
	return versions
}
