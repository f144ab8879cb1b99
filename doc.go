// Package sessionkit manages the client side of an authenticated admin
// session: the persisted token, user and expiry, debounced re-verification
// against the auth endpoints, and the signals other components need to
// follow session changes.
//
// The package is designed for concurrent use: [Manager] methods are safe to
// call from multiple goroutines after initialization through [Builder.Build].
//
// # Session lifecycle
//
// A session is created by [Manager.Login], extended by each successful
// network verification in [Manager.VerifyToken], and destroyed by
// [Manager.Logout], a failed verification, local expiry, or a 401 seen by the
// RoundTripper from [Manager.Transport].
//
// Every login, clear and invalidation advances a generation counter. A
// verification response is applied only when the generation it started under
// is still current, so a late response never restores a cleared session.
//
// # Architecture boundaries
//
// sessionkit is the public surface. It exposes [Manager], [Builder], [Config]
// and value types. Persistence lives in package store, the UI-facing state
// holder in package provider, and the HTTP route gate in package middleware.
//
// # What this package must NOT do
//
//   - Hold its state mutex across network or store I/O.
//   - Retry failed auth calls.
//   - Import provider or middleware (no import cycles).
package sessionkit
