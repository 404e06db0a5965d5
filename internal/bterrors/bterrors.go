// Package bterrors defines the error kinds shared across the engine and
// wraps them with call-site context the way modasi-mika's client package
// wraps transport failures.
package bterrors

import "github.com/pkg/errors"

// Kind sentinels. Call sites wrap these with errors.Wrap / bterrors.Wrap and
// callers branch with errors.Is, never by matching error strings.
var (
	// ErrMalformedInput marks a bencode or wire parse failure.
	ErrMalformedInput = errors.New("malformed input")
	// ErrProtocolError marks a handshake or tracker transaction mismatch.
	ErrProtocolError = errors.New("protocol error")
	// ErrConnectionClosed marks a peer FIN or local close.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrTimeout marks a deadline exceeded on a socket or storage operation.
	ErrTimeout = errors.New("timeout")
	// ErrUnsupportedScheme marks a tracker URL scheme other than udp://.
	ErrUnsupportedScheme = errors.New("unsupported scheme")
	// ErrHashMismatch marks a piece that failed SHA-1 validation.
	ErrHashMismatch = errors.New("hash mismatch")
	// ErrOutOfRange marks a storage read/write outside a piece's bounds.
	ErrOutOfRange = errors.New("out of range")
)

// Wrap attaches msg as context to a sentinel kind, preserving it for errors.Is.
func Wrap(kind error, msg string) error {
	return errors.Wrap(kind, msg)
}

// Wrapf attaches a formatted message as context to a sentinel kind.
func Wrapf(kind error, format string, args ...interface{}) error {
	return errors.Wrapf(kind, format, args...)
}

// Is reports whether err (or anything it wraps) is the given kind.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}

// Cause unwraps err to the deepest underlying error, mirroring
// github.com/pkg/errors' legacy Cause helper used by modasi-mika.
func Cause(err error) error {
	return errors.Cause(err)
}
