// Package session holds per-conversation state for the song-request flow:
// the most recent search results, the active music source, and the
// liveness signal that in-flight fetches watch for teardown.
//
// The store keeps everything in memory on purpose. Sessions are cheap to
// rebuild from a fresh search, so nothing survives a restart.
package session
