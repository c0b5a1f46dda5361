// Package dtoolserr defines the error taxonomy shared by every dtools
// package. All exported dtools operations return errors that unwrap to
// an *Error carrying one of the Kind values below, so callers can branch
// on failure category without string matching.
package dtoolserr

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Kind classifies why an operation failed.
type Kind uint8

const (
	// IO covers failures reading from or writing to the underlying file.
	IO Kind = iota
	// UnsupportedVersion means the format version field named a version
	// this package does not implement.
	UnsupportedVersion
	// UnsupportedVariant means the version is known but a variant within
	// it (a fat_level, an object flavor) isn't handled.
	UnsupportedVariant
	// Empty means the container or database has no usable content.
	Empty
	// Corrupt means on-disk structure violated an invariant this package
	// relies on (bad signature, inconsistent counts, truncated chain).
	Corrupt
	// Schema means a table or field description failed to parse.
	Schema
	// Encoding means a byte sequence could not be decoded under the
	// expected text or numeric encoding.
	Encoding
	// Key means a named table or field does not exist.
	Key
	// OutOfRange means a numeric index fell outside its valid bounds.
	OutOfRange
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "io"
	case UnsupportedVersion:
		return "unsupported_version"
	case UnsupportedVariant:
		return "unsupported_variant"
	case Empty:
		return "empty"
	case Corrupt:
		return "corrupt"
	case Schema:
		return "schema"
	case Encoding:
		return "encoding"
	case Key:
		return "key"
	case OutOfRange:
		return "out_of_range"
	default:
		return "unknown"
	}
}

// Error is the concrete type behind every error dtools packages return.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(kind Kind, op string) error {
	return &Error{Kind: kind, Op: op}
}

// Wrap builds an *Error around an underlying cause, preserving it for
// errors.Is/errors.As.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return New(kind, op)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !xerrors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
