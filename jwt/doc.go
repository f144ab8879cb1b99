// Package jwt issues and parses the session tokens handed out by the
// development auth server. Tokens carry the user's identity and a unique jti
// so individual sessions can be revoked on logout.
package jwt
