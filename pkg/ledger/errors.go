package ledger

import "errors"

var (
	// ErrIntegrity is returned when a record cannot be trusted on read.
	ErrIntegrity         = errors.New("audit integrity violation")
	ErrUnsupportedFormat = errors.New("unsupported export format")
)
