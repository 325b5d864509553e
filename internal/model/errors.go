package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures for retry decisions and metric labels.
type ErrorKind string

const (
	KindDatabase      ErrorKind = "database"
	KindControlPlane  ErrorKind = "control_plane"
	KindConfiguration ErrorKind = "configuration"
	KindExternalQuery ErrorKind = "external_query"
	KindEncoding      ErrorKind = "encoding"
	KindUnknown       ErrorKind = "unknown"
)

// Error is a classified failure returned across component boundaries.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and the operation that failed.
func NewError(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func DatabaseError(op string, err error) error      { return NewError(KindDatabase, op, err) }
func ControlPlaneError(op string, err error) error  { return NewError(KindControlPlane, op, err) }
func ConfigurationError(op string, err error) error { return NewError(KindConfiguration, op, err) }
func ExternalQueryError(op string, err error) error { return NewError(KindExternalQuery, op, err) }
func EncodingError(op string, err error) error      { return NewError(KindEncoding, op, err) }

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
