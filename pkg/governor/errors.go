package governor

import (
	"errors"
	"fmt"
)

var (
	ErrResourceDenied     = errors.New("resource allocation denied")
	ErrAllocationNotFound = errors.New("allocation not found")
)

// DeniedError explains why a tenant's request was refused.
type DeniedError struct {
	Tenant string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s for tenant %q: %s", ErrResourceDenied, e.Tenant, e.Reason)
}

func (e *DeniedError) Unwrap() error {
	return ErrResourceDenied
}

// IsResourceDenied reports whether err is an allocation refusal.
func IsResourceDenied(err error) bool {
	return errors.Is(err, ErrResourceDenied)
}

// DenialReason extracts the reason from a DeniedError chain.
func DenialReason(err error) string {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied.Reason
	}

	return ""
}
