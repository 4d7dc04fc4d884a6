package wmintmgr

import "fmt"

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific ManagerError.
const (
	// ErrDatabase indicates an error with the underlying database.  When
	// this error code is set, the Err field of the ManagerError will be
	// set to the underlying error returned from the database.
	ErrDatabase ErrorCode = iota

	// ErrUpgrade indicates the manager needs to be upgraded.  This should
	// not happen in practice unless the version number has been increased
	// and there is not yet any code written to upgrade.
	ErrUpgrade

	// ErrKeyGen indicates deterministic derivation failed to produce
	// usable key material, either because the key store could not derive
	// a key or because a rejection sampling loop hit its iteration bound.
	ErrKeyGen

	// ErrInvalidDerivation indicates the requested seed id does not
	// derive mint material: the key store has no metadata for it or the
	// key was not derived on the mint branch.
	ErrInvalidDerivation

	// ErrLocked indicates the operation requires signing material but the
	// key store is locked.
	ErrLocked

	// ErrNoExist indicates the requested mint or serial is not known to
	// the store.
	ErrNoExist

	// ErrAlreadyExists indicates an attempt to write a mint or pool entry
	// that collides with one already recorded.
	ErrAlreadyExists

	// ErrPoolExhausted indicates the mint pool is empty and could not be
	// refilled.
	ErrPoolExhausted

	// ErrOnChain indicates an operation that only applies to off-chain
	// mints was attempted on a mint with recorded chain history.
	ErrOnChain
)

// Map of ErrorCode values back to their constant names for pretty
// printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:          "ErrDatabase",
	ErrUpgrade:           "ErrUpgrade",
	ErrKeyGen:            "ErrKeyGen",
	ErrInvalidDerivation: "ErrInvalidDerivation",
	ErrLocked:            "ErrLocked",
	ErrNoExist:           "ErrNoExist",
	ErrAlreadyExists:     "ErrAlreadyExists",
	ErrPoolExhausted:     "ErrPoolExhausted",
	ErrOnChain:           "ErrOnChain",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// ManagerError provides a single type for errors that can happen during
// manager operation.  It is used to indicate several types of failures
// including errors with caller requests such as unknown mints, errors
// with the database (ErrDatabase), and errors due to a locked key store
// (ErrLocked).
//
// The caller can use type assertions to determine if an error is a
// ManagerError and access the ErrorCode field to ascertain the specific
// reason for the failure.
//
// The ErrDatabase and ErrKeyGen error codes will also have the Err field
// set with the underlying error.
type ManagerError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e ManagerError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// managerError creates a ManagerError given a set of arguments.
func managerError(c ErrorCode, desc string, err error) ManagerError {
	return ManagerError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is a ManagerError with a matching
// error code.
func IsError(err error, code ErrorCode) bool {
	e, ok := err.(ManagerError)
	return ok && e.ErrorCode == code
}
