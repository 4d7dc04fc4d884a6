// Package migration provides a versioning scheme for walletdb namespaces
// along with the machinery to bring a namespace from an older version up
// to the latest through an ordered series of migrations.
package migration

import (
	"errors"
	"sort"

	"github.com/lelantusuite/lelantuswallet/walletdb"
)

// ErrReversion is returned when an attempt to revert to a previous
// version is detected.  Migrations only move forward, as some upgrades
// are not backwards compatible.
var ErrReversion = errors.New("reverting to a previous version is not supported")

// Version denotes the version number of the database.  A migration can be
// used to bring a previous version of the database to a later one.
type Version struct {
	// Number represents the number of this version.
	Number uint32

	// Migration represents a migration function that modifies the
	// database state.  Consecutive migrations must build off of the
	// previous one to keep the database consistent.
	Migration func(walletdb.ReadWriteBucket) error
}

// Manager is an interface that exposes the necessary methods needed in
// order to migrate/upgrade a service.
type Manager interface {
	// Name returns the name of the service to be upgraded.
	Name() string

	// Namespace returns the top-level bucket of the service.
	Namespace() walletdb.ReadWriteBucket

	// CurrentVersion returns the current version of the service's
	// database.
	CurrentVersion(ns walletdb.ReadBucket) (uint32, error)

	// SetVersion sets the version of the service's database.
	SetVersion(ns walletdb.ReadWriteBucket, version uint32) error

	// Versions returns all of the available versions of the service.
	Versions() []Version
}

// GetLatestVersion returns the latest version available from the given
// slice.
func GetLatestVersion(versions []Version) uint32 {
	if len(versions) == 0 {
		return 0
	}

	// Before determining the latest version number, sort the slice so
	// the last element reflects it.
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Number < versions[j].Number
	})

	return versions[len(versions)-1].Number
}

// VersionsToApply determines which versions should be applied as
// migrations based on the current version.
func VersionsToApply(currentVersion uint32, versions []Version) []Version {
	var upgradeVersions []Version
	for _, version := range versions {
		if version.Number > currentVersion {
			upgradeVersions = append(upgradeVersions, version)
		}
	}

	// Sort the resulting slice by version number so the migrations are
	// applied in their intended order.
	sort.Slice(upgradeVersions, func(i, j int) bool {
		return upgradeVersions[i].Number < upgradeVersions[j].Number
	})

	return upgradeVersions
}

// Upgrade attempts to upgrade a group of services exposed through the
// Manager interface.  Each of the services will be upgraded until all of
// their migrations, if any, have been applied.
func Upgrade(mgrs ...Manager) error {
	for _, mgr := range mgrs {
		if err := upgrade(mgr); err != nil {
			return err
		}
	}

	return nil
}

// upgrade attempts to upgrade a service by applying any outstanding
// migrations in order.
func upgrade(mgr Manager) error {
	ns := mgr.Namespace()
	currentVersion, err := mgr.CurrentVersion(ns)
	if err != nil {
		return err
	}
	versions := mgr.Versions()
	latestVersion := GetLatestVersion(versions)

	switch {
	// Moving backwards implies a database reversion, which is never
	// allowed.
	case currentVersion > latestVersion:
		return ErrReversion

	// The current version is behind the latest, so apply whatever
	// migrations are missing.
	case currentVersion < latestVersion:
		versionsToApply := VersionsToApply(currentVersion, versions)
		for _, version := range versionsToApply {
			log.Infof("Applying %v migration #%v", mgr.Name(),
				version.Number)

			if version.Migration != nil {
				err := version.Migration(ns)
				if err != nil {
					log.Errorf("Unable to apply %v migration #%v: %v",
						mgr.Name(), version.Number, err)
					return err
				}
			}

			if err := mgr.SetVersion(ns, version.Number); err != nil {
				return err
			}
		}

	// The database is up to date.
	default:
	}

	return nil
}
