package sessionkit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// User is the opaque user object returned by the auth endpoints. Fields are
// kept as decoded so that unknown attributes survive a round trip.
type User map[string]any

// ID returns the user's identifier, formatted as a string.
func (u User) ID() string {
	return u.stringField("id")
}

// Email returns the user's email address when present.
func (u User) Email() string {
	return u.stringField("email")
}

// Name returns the user's display name when present.
func (u User) Name() string {
	return u.stringField("name")
}

// Role returns the user's role when present.
func (u User) Role() string {
	return u.stringField("role")
}

func (u User) stringField(key string) string {
	if u == nil {
		return ""
	}
	switch v := u[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Clone returns a deep copy made through the JSON representation.
func (u User) Clone() User {
	if u == nil {
		return nil
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return nil
	}
	out, err := ParseUser(raw)
	if err != nil {
		return nil
	}
	return out
}

// ParseUser decodes a JSON object into a User. A JSON null yields an error.
func ParseUser(raw []byte) (User, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: empty user document", ErrNoUser)
	}
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("%w: empty user document", ErrNoUser)
	}
	return u, nil
}

// canonicalUser returns a stable encoding used for change detection.
// encoding/json sorts map keys, so equal objects encode identically.
func canonicalUser(raw []byte) (string, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(out), true
}

// Credentials are posted to the login endpoint.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	Token     string
	User      User
	ExpiresAt time.Time
}

// VerifyResult is returned by a successful verification. Cached is true when
// the debounce window answered without a network call.
type VerifyResult struct {
	User      User
	Cached    bool
	ExpiresAt time.Time
}

// SessionSnapshot is a point-in-time view of the manager's session state.
type SessionSnapshot struct {
	HasToken           bool
	User               User
	ExpiresAt          time.Time
	LastVerificationAt time.Time
	Generation         uint64
	Authenticated      bool
}
