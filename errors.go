package exfat

import (
	"errors"
)

// Error kinds surfaced by the core. Wrapped errors coming out of the
// public API can be classified with log.Is().
var (
	// ErrIO is a failed read from the underlying device, or any operation
	// attempted after the volume has been marked panicked.
	ErrIO = errors.New("device I/O error")

	// ErrCorrupted indicates a violated structural invariant (bad
	// superblock, cluster-chain loop, directory checksum mismatch, ...).
	// The volume is marked panicked when this is produced.
	ErrCorrupted = errors.New("filesystem structure corrupted")

	// ErrNotFound is a lookup that scanned the whole directory without a
	// match.
	ErrNotFound = errors.New("no such file or directory")

	// ErrInvalidName is a name that can not be represented in the mounted
	// character set.
	ErrInvalidName = errors.New("invalid character in name")

	// ErrNameTooLong is a query longer than the 255 UCS-2 code-unit limit.
	ErrNameTooLong = errors.New("name too long")

	// ErrInvalidArgument is an unrecognized or disallowed mount option, or
	// a malformed request.
	ErrInvalidArgument = errors.New("invalid argument")
)
