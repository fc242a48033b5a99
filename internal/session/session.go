// Package session resolves session tokens to user identities and mirrors
// connection presence into Redis so other services can see who is idle,
// matching or chatting.
package session
