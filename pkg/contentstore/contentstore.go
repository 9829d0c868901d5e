// Package contentstore provides content-addressed blob storage. Addresses are
// "sha256:<hex>" of the stored bytes, so any copy can be checked on read.
package contentstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const addressPrefix = "sha256:"

var (
	ErrNotFound        = errors.New("content not found")
	ErrContentMismatch = errors.New("content does not match its address")
	ErrInvalidAddress  = errors.New("invalid content address")
)

// Address computes the content address of data.
func Address(data []byte) string {
	sum := sha256.Sum256(data)

	return addressPrefix + hex.EncodeToString(sum[:])
}

// ValidateAddress checks address is a well formed sha256 address.
func ValidateAddress(address string) error {
	digest, ok := strings.CutPrefix(address, addressPrefix)
	if !ok || len(digest) != sha256.Size*2 {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	if _, err := hex.DecodeString(digest); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	return nil
}

// Verify checks data hashes to address.
func Verify(address string, data []byte) error {
	if Address(data) != address {
		return fmt.Errorf("%w: %s", ErrContentMismatch, address)
	}

	return nil
}
