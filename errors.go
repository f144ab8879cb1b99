package sessionkit

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork classifies transport and response-decoding failures.
	ErrNetwork = errors.New("network error")
	// ErrAuth classifies rejections by the auth endpoints and malformed payloads.
	ErrAuth = errors.New("authentication failed")
	// ErrSessionExpired is returned when the local session expiry has passed.
	ErrSessionExpired = errors.New("session expired")
	// ErrNoToken is returned when no session token is stored.
	ErrNoToken = errors.New("no session token")
	// ErrNoUser is returned when a token is stored without a user record.
	ErrNoUser = errors.New("no session user")
	// ErrStaleResponse is returned when a verification response arrives after
	// the session it was issued for has been replaced or cleared.
	ErrStaleResponse = errors.New("stale verification response")
	// ErrNotReady is returned by operations that need a started provider.
	ErrNotReady = errors.New("session not ready")
	// ErrClosed is returned by operations on a closed manager.
	ErrClosed = errors.New("session manager closed")
)

// NetworkError wraps a failure to reach an auth endpoint or decode its
// response. It matches ErrNetwork with errors.Is.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return e.Op + ": network error"
	}
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// AuthError reports a rejection by an auth endpoint or a response that does
// not have the expected shape. StatusCode is zero for shape failures on a 2xx
// response. It matches ErrAuth with errors.Is.
type AuthError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// UserMessage returns the text shown to a person after err, falling back to
// fallback for errors that carry no server message.
func UserMessage(err error, fallback string) string {
	var authErr *AuthError
	if errors.As(err, &authErr) && authErr.Message != "" {
		return authErr.Message
	}
	switch {
	case errors.Is(err, ErrNetwork):
		return "Unable to reach the server. Please try again."
	case errors.Is(err, ErrSessionExpired):
		return "Your session has expired. Please sign in again."
	}
	return fallback
}
