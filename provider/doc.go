// Package provider holds the process-wide view of the signed-in user and
// keeps it in step with the session manager.
//
// A [Provider] seeds its state from the persisted session, verifies it once
// in the background, refreshes it periodically while a user is present, and
// follows changes written by other instances through a store watcher.
// Observers read [Provider.State] or receive updates from
// [Provider.Subscribe].
//
// # Architecture boundaries
//
// The provider owns presentation state only (user, loading, initialized).
// Session persistence and verification policy belong to sessionkit.Manager;
// the provider never reads or writes store keys other than through the
// manager, except for decoding watch events.
//
// # What this package must NOT do
//
//   - Navigate while the initial verification runs.
//   - Keep a refresh ticker alive without a user.
//   - Block a watcher or subscriber on a slow consumer.
package provider
