package wire

import (
	"fmt"

	"github.com/pkg/errors"
)

// DecodeErrorKind classifies why a reply or signal could not be decoded.
type DecodeErrorKind int

const (
	SignatureMismatch DecodeErrorKind = iota
	UnknownVariant
	Truncated
)

func (k DecodeErrorKind) String() string {
	switch k {
	case SignatureMismatch:
		return "signature mismatch"
	case UnknownVariant:
		return "unknown variant"
	case Truncated:
		return "truncated"
	default:
		return fmt.Sprintf("decode error kind %d", int(k))
	}
}

var (
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrUnknownVariant    = errors.New("unknown variant")
	ErrTruncated         = errors.New("truncated")
)

// DecodeError means the broker sent something other than what the protocol
// declares. It is never defaulted away.
type DecodeError struct {
	Kind   DecodeErrorKind
	Field  string
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decoding: %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("decoding %s: %s: %s", e.Field, e.Kind, e.Detail)
}

// Is lets errors.Is match a DecodeError against the kind sentinels.
func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrSignatureMismatch:
		return e.Kind == SignatureMismatch
	case ErrUnknownVariant:
		return e.Kind == UnknownVariant
	case ErrTruncated:
		return e.Kind == Truncated
	}
	return false
}

func mismatch(field, want, got string) error {
	return &DecodeError{
		Kind:   SignatureMismatch,
		Field:  field,
		Detail: fmt.Sprintf("want %q, got %q", want, got),
	}
}

func unknown(field string, value interface{}) error {
	return &DecodeError{
		Kind:   UnknownVariant,
		Field:  field,
		Detail: fmt.Sprintf("no case for %v", value),
	}
}

func truncated(field string, want, got int) error {
	return &DecodeError{
		Kind:   Truncated,
		Field:  field,
		Detail: fmt.Sprintf("want %d values, got %d", want, got),
	}
}

// Missing reports a required key absent from an options record.
func Missing(field string) error {
	return &DecodeError{
		Kind:   Truncated,
		Field:  field,
		Detail: "required key not present",
	}
}

// Unknown reports a value with no mapped case, for callers decoding their
// own enumerations.
func Unknown(field string, value interface{}) error {
	return unknown(field, value)
}

// Mismatch reports a value whose wire type is not the declared one.
func Mismatch(field, want, got string) error {
	return mismatch(field, want, got)
}
