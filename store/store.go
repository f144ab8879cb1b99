package store

import (
	"context"
	"errors"
)

// Persisted session keys.
const (
	KeyToken         = "token"
	KeyUser          = "user"
	KeySessionExpiry = "sessionExpiry"
)

// SessionKeys lists every key that makes up a persisted session.
var SessionKeys = []string{KeyToken, KeyUser, KeySessionExpiry}

var (
	// ErrUnavailable is returned when the backend cannot be reached.
	ErrUnavailable = errors.New("store unavailable")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
	// ErrCorrupt is returned when the persisted document cannot be decoded.
	ErrCorrupt = errors.New("store document corrupt")
)

// Store is the persisted key/value surface used by the session manager.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key.
	Set(ctx context.Context, key, value string) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}

// Watcher is implemented by stores that can report writes made by other
// instances sharing the same backend.
type Watcher interface {
	// Watch streams change events until ctx is cancelled. The channel is
	// closed when the watch ends.
	Watch(ctx context.Context) (<-chan Event, error)
}

// Event describes one key change made by another instance.
type Event struct {
	Key      string `json:"key"`
	OldValue string `json:"old_value,omitempty"`
	NewValue string `json:"new_value,omitempty"`
	Removed  bool   `json:"removed,omitempty"`
	Origin   string `json:"origin"`
}

// Cleared reports whether the event removed the key's value.
func (e Event) Cleared() bool {
	return e.Removed || e.NewValue == ""
}

// RemoveAll removes every session key, continuing past failures.
func RemoveAll(ctx context.Context, s Store) error {
	var errs []error
	for _, key := range SessionKeys {
		if err := s.Remove(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
