package types

import "errors"

// Sentinel errors shared across parsers and services. Callers wrap
// these with fmt.Errorf("...: %w", ...) so errors.Is can classify a
// failure without string matching.
var (
	// ErrChecksumMismatch means stored and recomputed digests disagree.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrMalformedStructure means bytes presented as an on-disk
	// structure violate its layout or invariants.
	ErrMalformedStructure = errors.New("malformed structure")

	// ErrAddressOutOfBounds means a DVA or offset resolves outside the
	// usable range of its device.
	ErrAddressOutOfBounds = errors.New("address out of bounds")

	// ErrDecompression means stored bytes could not be expanded to the
	// declared logical size.
	ErrDecompression = errors.New("decompression failed")

	// ErrCycleDetected means the dependency graph contains a reference
	// cycle, which well-formed pool metadata never produces.
	ErrCycleDetected = errors.New("dependency cycle detected")
)
