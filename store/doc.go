// Package store provides the persisted key/value backends that hold a client
// session (token, user, sessionExpiry) and the change notifications that let
// several instances sharing one backend observe each other's writes.
//
// # Backends
//
//   - [MemoryStore]: in-process, created from a [SharedMemory] so several
//     instances can share one map.
//   - [FileStore]: a directory with one file per key, written with
//     temp-file-plus-rename and watched with fsnotify.
//   - [RedisStore]: Redis keys plus a Pub/Sub channel for change events.
//
// # Change events
//
// A [Watcher] delivers an [Event] for every change made by a different
// instance. Writes made through the watching instance itself are never
// reported back to it.
//
// # Architecture boundaries
//
// This package owns raw string values. It does NOT parse users, compare
// expiry timestamps or decide whether a session is valid. The Manager does.
//
// # What this package must NOT do
//
//   - Import sessionkit (no upward imports).
//   - Interpret the values it stores.
//   - Retry failed backend operations.
package store
