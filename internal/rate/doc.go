// Package rate throttles sign-in attempts against the development auth
// server.
//
// Two layers apply:
//   - [Throttle]: an in-memory token bucket per client address.
//   - [Lockout]: a Redis fixed-window counter of failed attempts per email.
//     INCR plus EXPIRE on the first hit, keys under "<prefix>:lf:".
package rate
