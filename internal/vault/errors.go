package vault

import (
	"errors"
	"fmt"

	"github.com/vyrodovalexey/leasecache/internal/vault/auth"
	"github.com/vyrodovalexey/leasecache/internal/vault/transport"
)

// Common errors for cache operations.
var (
	// ErrSecretNotFound marks a 404 internally. Reads never return it; a
	// missing secret is reported as found == false.
	ErrSecretNotFound = errors.New("vault: secret not found")

	// ErrPermissionDenied indicates the token may not read the path.
	ErrPermissionDenied = errors.New("vault: permission denied")

	// ErrTransient covers throttling, server errors and standby redirects.
	ErrTransient = errors.New("vault: transient service error")

	// ErrTransportFailure indicates a network error, timeout or open breaker.
	ErrTransportFailure = errors.New("vault: transport failure")

	// ErrAuthenticationFailed indicates no credential could be obtained.
	ErrAuthenticationFailed = auth.ErrAuthenticationFailed

	// ErrUnsupportedEngine indicates a KV engine version other than 1 or 2.
	ErrUnsupportedEngine = errors.New("vault: unsupported kv engine version")

	// ErrClosed is returned by reads after Close.
	ErrClosed = errors.New("vault: engine closed")
)

// Error represents a failed Vault operation with additional context.
type Error struct {
	Op   string // Operation that failed
	Path string // Secret path if applicable
	Code int    // HTTP status code if applicable
	Err  error  // Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("vault %s on path %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("vault %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is for Error.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTransportFailure)
}

// outcomeError converts a failed outcome into the error taxonomy.
func outcomeError(op, path string, out *transport.Outcome) error {
	var cause error
	switch out.Kind {
	case transport.Success:
		return nil
	case transport.NotFound:
		cause = ErrSecretNotFound
	case transport.Forbidden:
		cause = ErrPermissionDenied
	case transport.TransportFailure:
		cause = ErrTransportFailure
		if out.Err != nil {
			cause = fmt.Errorf("%w: %w", ErrTransportFailure, out.Err)
		}
	default:
		if out.Redirect {
			cause = fmt.Errorf("%w: redirected, possibly to a standby node", ErrTransient)
		} else if out.Err != nil {
			cause = fmt.Errorf("%w: %s: %v", ErrTransient, out.Kind, out.Err)
		} else {
			cause = fmt.Errorf("%w: %s", ErrTransient, out.Kind)
		}
	}
	return &Error{Op: op, Path: path, Code: out.Status, Err: cause}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrSecretNotFound)
}
