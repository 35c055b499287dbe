package mlsengine

import "errors"

var (
	// ErrKeyPackageInvalid is returned when a KeyPackage's signature does
	// not verify against its embedded signing key.
	ErrKeyPackageInvalid = errors.New("mlsengine: key package signature invalid")

	// ErrNotMember is returned when an operation targets an identity that
	// is not present in the group's member list.
	ErrNotMember = errors.New("mlsengine: identity is not a group member")

	// ErrAlreadyMember is returned when AddMember is called for an
	// identity already present in the group.
	ErrAlreadyMember = errors.New("mlsengine: identity is already a group member")

	// ErrWelcomeInvalid is returned when a Welcome fails to decrypt or its
	// contents are malformed.
	ErrWelcomeInvalid = errors.New("mlsengine: welcome message invalid")

	// ErrRatchetTreeInvalid reports a ratchet tree that cannot be parsed or
	// does not match its Welcome's group ID. ProcessInvite takes the roster
	// from the Welcome itself and reads no ratchet tree, so no function in
	// this package currently returns it.
	ErrRatchetTreeInvalid = errors.New("mlsengine: ratchet tree invalid")

	// ErrNotForMe is returned by ProcessMessage for an empty ciphertext or
	// one whose leading frame byte matches no known framing. A ciphertext
	// the current epoch secret cannot open yields ErrDecryptFailed
	// (application frames) or ErrEpochAdvanceFailed (commit frames) instead.
	ErrNotForMe = errors.New("mlsengine: message not addressed to this member")

	// ErrDecryptFailed is returned when an AEAD open fails authentication.
	ErrDecryptFailed = errors.New("mlsengine: decryption failed")

	// ErrEpochAdvanceFailed is returned when a commit's epoch derivation
	// cannot be replayed by a receiving member (e.g. missing context).
	ErrEpochAdvanceFailed = errors.New("mlsengine: epoch advance failed")

	// ErrUnknownProposal is returned when AddMemberFromProposal is given a
	// proposal blob it cannot parse or verify.
	ErrUnknownProposal = errors.New("mlsengine: external join proposal invalid")

	// ErrRemovedFromGroup is returned by ProcessMessage when a commit's new
	// roster no longer includes the caller: the caller was the removal's
	// target. The group's local state is left at its pre-commit epoch, so
	// no later message can be processed with it.
	ErrRemovedFromGroup = errors.New("mlsengine: this member was removed from the group")
)
