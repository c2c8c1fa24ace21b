package ftln

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Sentinel errors, grounded on the same pattern as internal/ndm/errors.go
// (itself grounded on the teacher's buffer_pool/errors.go): exported
// sentinels checked with errors.Is, wrapped in an operation-carrying struct.
var (
	ErrNotMounted      = errors.New("ftln: volume is not mounted")
	ErrAlreadyMounted  = errors.New("ftln: volume is already mounted")
	ErrReadOnly        = errors.New("ftln: operation requires write access on a read-only mount")
	ErrOutOfRange      = errors.New("ftln: virtual page number out of range")
	ErrNoFreeSpace     = errors.New("ftln: no free volume or map pages remain")
	ErrUncorrectable   = errors.New("ftln: uncorrectable ECC error on a live page")
	ErrFatal           = errors.New("ftln: device reported a fatal I/O error")
	ErrBadMount        = errors.New("ftln: on-media state is inconsistent with a clean mount")
	ErrBlockRecycleBug = errors.New("ftln: internal recycle invariant violated")
)

// OpError wraps a sentinel with the operation that produced it, mirroring
// internal/ndm.OpError.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	// %+v rather than %v: a pkg/errors-wrapped cause (wrapFatal) renders its
	// stack trace here; a plain sentinel renders identically either way.
	return fmt.Sprintf("ftln: %s: %+v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Err: err}
}

func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }

// wrapFatal marks the device as having hit its unrecoverable FATAL_ERR path
// (spec.md §4.1.5) and attaches a stack trace via github.com/pkg/errors,
// grounded on the teacher's use of the same library wherever an error
// escapes to an operator-facing surface (DiagnoseKnownIssues, logs) rather
// than staying inside a single retry loop. errors.Is(err, ErrFatal) still
// works through pkg/errors' Unwrap support.
func wrapFatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Err: pkgerrors.Wrap(err, "fatal")}
}
