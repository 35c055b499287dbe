package ledger

import "errors"

var (
	// ErrIdentityConflict is returned when RegisterUser is called with a
	// user ID that is already connected under a different key package and
	// the caller did not intend to replace it (unused currently — connect
	// always replaces, matching original_source's client_connect).
	ErrIdentityConflict = errors.New("ledger: identity conflict")

	// ErrUserUnknown is returned when an operation references a user ID
	// that has never connected.
	ErrUserUnknown = errors.New("ledger: user unknown")

	// ErrGroupExists is returned by CreateGroup when the group ID is
	// already in use.
	ErrGroupExists = errors.New("ledger: group already exists")

	// ErrGroupUnknown is returned when an operation references a group ID
	// that does not exist.
	ErrGroupUnknown = errors.New("ledger: group unknown")

	// ErrIndexStale is returned by PostMessage when the caller's proposed
	// index is not exactly currentIndex+1 and is too low, meaning the
	// caller needs to sync before retrying.
	ErrIndexStale = errors.New("ledger: message index stale, sync required")

	// ErrIndexAhead is returned by PostMessage when the caller's proposed
	// index is greater than currentIndex+1.
	ErrIndexAhead = errors.New("ledger: message index ahead of group state")
)
