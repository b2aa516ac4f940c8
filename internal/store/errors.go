package store

import (
	"errors"
	"fmt"
)

// ErrorKind classifies storage failures for retry decisions.
type ErrorKind int

const (
	// KindPermanent covers malformed data and other failures a retry cannot fix.
	KindPermanent ErrorKind = iota
	// KindTransient covers connectivity loss, lock contention and server restarts.
	KindTransient
	// KindDuplicate is a primary or unique key violation.
	KindDuplicate
	// KindNotFound is a lookup by key that matched no row.
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindDuplicate:
		return "duplicate"
	case KindNotFound:
		return "not found"
	default:
		return "permanent"
	}
}

// Error is returned by every store implementation.
type Error struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with an operation name and kind.
func NewError(op string, kind ErrorKind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
// Errors that did not come from a store are treated as permanent.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindPermanent
}

func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }
func IsDuplicate(err error) bool { return err != nil && KindOf(err) == KindDuplicate }
func IsNotFound(err error) bool  { return err != nil && KindOf(err) == KindNotFound }
