// Package devserver is a local stand-in for the REST auth endpoints the
// session manager talks to. It issues signed session tokens, checks
// Argon2id password hashes and revokes tokens on logout. Sign-in attempts
// are throttled. Password resets use single-use tickets that only store a
// hash of their secret.
//
// It exists for local runs and end-to-end tests. It is not a production
// identity provider.
package devserver
