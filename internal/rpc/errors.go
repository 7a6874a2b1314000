package rpc

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed = errors.New("rpc: malformed payload")
	ErrTruncated = errors.New("rpc: truncated payload")
	ErrTooLarge  = errors.New("rpc: payload exceeds datagram ceiling")
	ErrNilCall   = errors.New("rpc: nil call")
)

// DecodeError describes a payload that could not be decoded.
//
// Kind is ErrMalformed or ErrTruncated; errors.Is matches both the kind and
// the underlying parser error.
type DecodeError struct {
	Kind   error
	Detail string
	cause  error
}

func (e *DecodeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *DecodeError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.cause}
}

func malformed(detail string, cause error) *DecodeError {
	return &DecodeError{Kind: ErrMalformed, Detail: detail, cause: cause}
}

func truncated(detail string, cause error) *DecodeError {
	return &DecodeError{Kind: ErrTruncated, Detail: detail, cause: cause}
}
