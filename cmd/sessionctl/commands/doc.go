// Package commands implements the sessionctl command tree: signing in and
// out of the admin backend, inspecting the persisted session, watching
// changes made by other instances, and serving a local console guarded by
// the route gate.
package commands
