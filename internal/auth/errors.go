package auth

import (
	"errors"
	"fmt"
)

// Kind classifies why a token was rejected. Sessions translate kinds
// into wire-level replies and close codes, so the set is closed.
type Kind string

const (
	KindExpired       Kind = "expired"
	KindBadSignature  Kind = "bad_signature"
	KindBadFormat     Kind = "bad_format"
	KindClaimMismatch Kind = "claim_mismatch"
)

// AuthError is a token verification failure with a stable kind.
type AuthError struct {
	Kind Kind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token rejected (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("token rejected (%s)", e.Kind)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// KindOf extracts the rejection kind from an error chain. Returns ""
// for errors that are not token rejections.
func KindOf(err error) Kind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
