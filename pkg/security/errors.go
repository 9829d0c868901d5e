// Package security provides local implementations of the signing, encryption,
// identity and consent services, plus webhook signature verification.
package security

import "errors"

var (
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrMissingSignature     = errors.New("missing signature")
	ErrUnknownKey           = errors.New("unknown key")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrDecryption           = errors.New("decryption failed with all available keys")
	ErrUnknownIdentity      = errors.New("unknown identity")
	ErrInvalidDelegation    = errors.New("invalid delegation")
)
