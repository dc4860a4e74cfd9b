// Package verrors defines the closed set of error kinds surfaced by the
// storage engine. Leaf components return one of these kinds,
// wrapped with github.com/pkg/errors for a traceable origin; the dispatcher
// and commit path propagate them without masking.
package verrors

import "github.com/pkg/errors"

// Sentinel error kinds. Use errors.Is against these, never string matching.
var (
	// ErrInvalidArgument covers bad ino, oversized names, invalid flags.
	ErrInvalidArgument = errors.New("invalid-argument")

	// ErrNoSpace means the allocator cannot satisfy a request in any AG.
	ErrNoSpace = errors.New("no-space")

	// ErrOutOfMemory means the quick-allocator heap is exhausted even
	// after a forced commit.
	ErrOutOfMemory = errors.New("out-of-memory")

	// ErrIO means the persistent store returned a short or failed I/O.
	ErrIO = errors.New("io-error")

	// ErrCorrupted means a header/checksum/invariant mismatch was
	// detected. Never recovered in-flight.
	ErrCorrupted = errors.New("filesystem-corrupted")

	// ErrCrypto means a cipher/KDF/random failure occurred. Fatal to
	// the mount.
	ErrCrypto = errors.New("crypto-failure")

	// ErrNotFound means no entry exists in the inode table or dentry
	// tree.
	ErrNotFound = errors.New("not-found")
)

// Wrap attaches a message to err while preserving its kind for errors.Is.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// Wrapf is Wrap with fmt-style formatting.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// Is reports whether err (or any error it wraps) matches kind.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
