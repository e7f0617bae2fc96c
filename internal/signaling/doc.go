// Package signaling implements the broker's WebSocket surface: the wire
// envelope codec, the per-connection protocol handler, and the server glue
// that accepts and supervises connections.
//
// Relayed payloads (offer/answer/ice_candidate bodies) are opaque: they are
// validated at the field level only and forwarded byte-for-byte. They are
// never logged, stored, or otherwise inspected.
package signaling
