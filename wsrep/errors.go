// Package wsrep declares the Provider API (spec.md §6): the contract the
// host database programs against, and the callback surface the engine
// invokes back into the host. Package replicator implements Provider.
package wsrep

import (
	"errors"
	"fmt"

	jujuerrors "github.com/juju/errors"
)

// Code enumerates the error kinds of spec.md §7 by name rather than by the
// source implementation's numeric codes.
type Code int

const (
	// OK is not itself an error; helper constructors never return it.
	OK Code = iota
	// ConnFail means the GCS is disconnected or not yet connected.
	ConnFail
	// NodeFail means bootstrap was unsafe, or config initialization failed.
	NodeFail
	// TrxFail means certification failed or a local precondition was unmet.
	TrxFail
	// TrxMissing means the trx is below the SST-established initial position.
	TrxMissing
	// BFAbort means the victim was interrupted; the caller must replay.
	BFAbort
	// PrecommitAbort means the trx was aborted after replicate, before precommit.
	PrecommitAbort
	// SizeExceeded means the write-set exceeds max_write_set_size.
	SizeExceeded
	// Fatal means the node is unrecoverable and must mark itself corrupt.
	Fatal
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case ConnFail:
		return "CONN_FAIL"
	case NodeFail:
		return "NODE_FAIL"
	case TrxFail:
		return "TRX_FAIL"
	case TrxMissing:
		return "TRX_MISSING"
	case BFAbort:
		return "BF_ABORT"
	case PrecommitAbort:
		return "PRECOMMIT_ABORT"
	case SizeExceeded:
		return "SIZE_EXCEEDED"
	case Fatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Error is the error type returned by every Provider operation that can
// fail in a way spec.md §7 names. It wraps a juju/errors cause so callers
// that want the annotated stack can still get at it via errors.Cause/Trace.
type Error struct {
	Code  Code
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.cause)
}

// Unwrap lets errors.Is/As see through to the annotated cause.
func (e *Error) Unwrap() error { return e.cause }

// New builds a Error of the given Code with a juju/errors-annotated cause.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, cause: jujuerrors.Errorf(format, args...)}
}

// Wrap annotates err with code, preserving it as the Unwrap cause.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	if err == nil {
		return New(code, format, args...)
	}
	return &Error{Code: code, cause: jujuerrors.Annotatef(err, format, args...)}
}

// CodeOf extracts the Code carried by err, or OK if err is nil, or Fatal if
// err is a non-wsrep error (an unexpected condition should fail loud).
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Fatal
}
