// Package middleware gates HTTP routes on the signed-in user tracked by a
// [provider.Provider].
//
// # Gate
//
//   - [Gate.Handler] serves a placeholder while the provider is loading,
//     redirects to the login path when nobody is signed in, and otherwise
//     calls the protected handler with the user in the request context.
//   - [Gate.Start] runs a forced background verification after a short delay
//     and then periodically, redirecting through the configured hook when the
//     session is no longer valid.
//
// # Architecture boundaries
//
// This package translates provider state into HTTP responses. It does NOT
// talk to the auth endpoints or the token store itself; all decisions are
// delegated to the provider and its manager.
package middleware
