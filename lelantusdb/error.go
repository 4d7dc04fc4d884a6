package lelantusdb

import (
	"github.com/pkg/errors"
)

// Branchable results are returned as bare sentinels so callers can
// compare directly; storage faults are wrapped with context and are not
// meant to be branched on.
var (
	// ErrSerialAlreadyUsed is returned by WriteSerial when the serial is
	// already marked as used for the property.  It signals an attempted
	// double spend, not a storage fault.
	ErrSerialAlreadyUsed = errors.New("serial is already marked as used")

	// ErrMintAlreadyExists is returned by WriteMint when the public coin
	// or the mint id is already stored or staged for the property.
	ErrMintAlreadyExists = errors.New("mint already exists")

	// ErrGroupConfigMismatch is returned when a database is opened with
	// group sizes that differ from the ones it was created with.
	ErrGroupConfigMismatch = errors.New("group size config mismatch")
)
