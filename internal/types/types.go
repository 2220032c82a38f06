// Package types defines shared primitive types for the rewriter.
//
// A Digest is the content address used throughout the project: unwind
// programs are deduplicated by digest, and the loader's decode cache is
// keyed by the digest of the input binary image.
package types

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// Size constants for core types.
const (
	DigestSize = 32
)

var (
	// ErrInvalidDigest is returned when a digest has invalid length.
	ErrInvalidDigest = errors.New("invalid digest: must be 32 bytes")
)

// Digest is a 32-byte BLAKE3 content hash.
type Digest [DigestSize]byte

// DigestOf hashes a byte slice.
func DigestOf(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// DigestFromBase58 parses a base58-encoded digest.
func DigestFromBase58(s string) (Digest, error) {
	var d Digest
	data, err := base58.Decode(s)
	if err != nil {
		return d, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != DigestSize {
		return d, ErrInvalidDigest
	}
	copy(d[:], data)
	return d, nil
}

// DigestFromBytes creates a Digest from a byte slice.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestSize {
		return d, ErrInvalidDigest
	}
	copy(d[:], b)
	return d, nil
}

// String returns the base58-encoded representation.
func (d Digest) String() string {
	return base58.Encode(d[:])
}

// Short returns an abbreviated form for log lines.
func (d Digest) Short() string {
	s := d.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// IsZero returns true if the digest is all zeros.
func (d Digest) IsZero() bool {
	for _, b := range d {
		if b != 0 {
			return false
		}
	}
	return true
}

// StampValue is the secret XORed into saved return addresses.
//
// The width matches the x86 immediate: the stamp is applied with a single
// xor instruction whose immediate operand is 32 bits. On 64-bit targets
// the CPU sign-extends the immediate, which the unwind compensation must
// mirror (see the dwarf package).
type StampValue uint32

// String renders the stamp the way the driver logs it.
func (v StampValue) String() string {
	return fmt.Sprintf("0x%x", uint32(v))
}
