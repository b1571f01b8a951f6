package bytepipe

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

// Sentinel errors surfaced by the pipe API (spec.md §6.3 / §7). Callers
// compare against these with errors.Is; a close cause supplied by the
// caller is never one of these — it propagates unchanged (wrapped only
// with a stack trace via pkg/errors, never logged).
var (
	// ErrClosedForWrite is returned by write-family operations after a
	// normal (no-cause) close.
	ErrClosedForWrite = errors.New("bytepipe: write side closed")

	// ErrReceiveClosed is returned by fully-read operations (ReadFull,
	// ReadByte, ...) when the channel closes before the requested amount
	// of data became available.
	ErrReceiveClosed = errors.New("bytepipe: receive channel closed")

	// ErrCancelled marks a close caused by cancellation without an
	// explicit cause.
	ErrCancelled = errors.New("bytepipe: cancelled")

	// ErrIllegalState marks API misuse: concurrent readers/writers or
	// visitor limit tampering. A zero-copy minimum larger than the ring is
	// not rejected with it: the suspending calls wait until the pipe
	// closes and the non-suspending ones return -1.
	ErrIllegalState = errors.New("bytepipe: illegal state")

	// ErrTooLongLine is returned by ReadUTF8Line when no newline appears
	// within the caller-supplied limit.
	ErrTooLongLine = errors.New("bytepipe: line exceeds limit")

	// ErrMalformedInput is returned by text helpers when the byte stream
	// is not valid UTF-8.
	ErrMalformedInput = errors.New("bytepipe: malformed input")

	// ErrJoinCycle is returned by JoinFrom when the join would create a
	// cycle (a pipe cannot be joined into itself, directly or through a
	// chain).
	ErrJoinCycle = errors.New("bytepipe: join would create a cycle")
)

// wrapCause annotates a caller-supplied close cause with a stack trace at
// the point it was attached, without altering its identity for errors.Is
// comparisons (pkgerrors.WithStack wraps but does not replace).
func wrapCause(cause error) error {
	if cause == nil {
		return nil
	}
	return pkgerrors.WithStack(cause)
}
