// Package session owns the broker's only authoritative state: the mapping
// from session ID to session record (join token, expiry, up to two members)
// and the reverse mapping from live transport connection to its membership.
//
// Both maps are guarded by a single mutex so that membership changes and
// connection bookkeeping are atomic. Nothing in this package performs I/O
// while holding the lock; closing transports happens via the Conn interface
// after the lock is released.
package session
