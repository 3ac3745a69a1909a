package jrnl

import "errors"

// Sentinel errors returned by the commit engine. Callers should use
// errors.Is rather than comparing directly, since every site wraps
// these with additional context.
var (
	// ErrIO is returned when a submit or wait against the backend device fails.
	ErrIO = errors.New("jrnl: i/o error")

	// ErrNoSpace is returned when the circular log has no room for a
	// fresh descriptor block.
	ErrNoSpace = errors.New("jrnl: journal full")

	// ErrAborted is returned by every transaction-API call once the
	// journal has been poisoned by an unrecoverable I/O error. It is
	// sticky: it never clears without recreating the Journal.
	ErrAborted = errors.New("jrnl: journal aborted")

	// ErrInvalidState is returned when a Handle is used after it has
	// already been stopped. Wrapped with context at each call site;
	// use errors.Is to detect it.
	ErrInvalidState = errors.New("jrnl: invalid internal state")

	// ErrTooLarge is returned by descriptor packing when a block number
	// does not fit in 32 bits and the wide block-number feature is not
	// negotiated.
	ErrTooLarge = errors.New("jrnl: block number too large for narrow tag format")

	// ErrClosed is returned by StartHandle once the journal has been
	// closed.
	ErrClosed = errors.New("jrnl: closed")
)
