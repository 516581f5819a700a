// Package kverrors defines the error taxonomy shared by every storage
// component: IO, corruption, oversize records, broken invariants, and the
// not-recovered startup guard.
package kverrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error the way callers need to branch on it.
type Kind int

const (
	// KindIO covers any underlying storage failure.
	KindIO Kind = iota
	// KindCorruptRecord marks a record codec decode failure.
	KindCorruptRecord
	// KindCorruptBlock marks a block codec decode failure.
	KindCorruptBlock
	// KindOversize marks a record too large for the block codec's length fields.
	KindOversize
	// KindInvariant marks an internal invariant violation. Fatal: the engine
	// that raises this is no longer safe to use.
	KindInvariant
	// KindNotRecovered marks a call to New where Recover was required.
	KindNotRecovered
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IO"
	case KindCorruptRecord:
		return "CORRUPT_RECORD"
	case KindCorruptBlock:
		return "CORRUPT_BLOCK"
	case KindOversize:
		return "OVERSIZE"
	case KindInvariant:
		return "INVARIANT"
	case KindNotRecovered:
		return "NOT_RECOVERED"
	default:
		return fmt.Sprintf("KIND(%d)", int(k))
	}
}

// Error is a kinded, stack-carrying error.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// Is lets errors.Is(err, kverrors.IO) etc. work against a bare Kind sentinel.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New creates a new Error of the given kind with a stack trace attached.
func New(kind Kind, msg string) error {
	return errors.WithStack(&Error{Kind: kind, msg: msg})
}

// Wrap creates a new Error of the given kind wrapping a cause, with a stack
// trace attached at the wrap site.
func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return New(kind, msg)
	}
	return errors.WithStack(&Error{Kind: kind, msg: msg, err: cause})
}

// Sentinel values usable with errors.Is: errors.Is(err, kverrors.IO).
var (
	IO            = &Error{Kind: KindIO, msg: "io"}
	CorruptRecord = &Error{Kind: KindCorruptRecord, msg: "corrupt record"}
	CorruptBlock  = &Error{Kind: KindCorruptBlock, msg: "corrupt block"}
	Oversize      = &Error{Kind: KindOversize, msg: "oversize record"}
	Invariant     = &Error{Kind: KindInvariant, msg: "invariant violated"}
	NotRecovered  = &Error{Kind: KindNotRecovered, msg: "not recovered"}
)

// KindOf returns the Kind of err if it (or something it wraps) is a
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
