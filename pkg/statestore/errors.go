package statestore

import (
	"errors"
	"fmt"
)

// ErrIntegrity means stored state failed checksum, signature or decryption checks.
var ErrIntegrity = errors.New("state integrity violation")

// ErrUnsigned means a snapshot carries no signature while signing is configured.
var ErrUnsigned = errors.New("state snapshot is unsigned")

type IntegrityError struct {
	ExecutionID string
	Address     string
	Reason      string
	Err         error
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("%s for execution %s at %s: %s", ErrIntegrity, e.ExecutionID, e.Address, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *IntegrityError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrIntegrity}
	}

	return []error{ErrIntegrity, e.Err}
}

// IsIntegrity reports whether err is a hard integrity failure.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrIntegrity)
}
