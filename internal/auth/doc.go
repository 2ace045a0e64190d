// ABOUTME: Package auth authenticates inter-agent HTTP requests.
// ABOUTME: HS256 JWTs carry the calling agent's identity and role.

// Package auth provides minting and verification of the bearer tokens that
// authenticate every inter-agent call. Tokens are HS256 JWTs signed with a
// shared secret; the subject claim is the calling agent's id and a custom
// "role" claim carries its configured role.
package auth
