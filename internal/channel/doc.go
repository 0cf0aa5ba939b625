// Package channel manages the duplex event stream to the remote agent.
//
// # Overview
//
// A Channel is one named bidirectional websocket connection scoped to a
// single agent id. Frames are JSON envelopes:
//
//	{"event": "reply_stream", "data": {"text": "He"}}
//
// Inbound envelopes are decoded into typed Events and delivered on a single
// buffered stream in arrival order. Lifecycle transitions (opened, closed,
// errored) are synthesized onto the same stream as informational signals;
// they carry no transcript semantics.
//
// # Session identity
//
// Every Channel has a uuid session id, stamped onto each delivered Event.
// Consumers compare it against the session they are bound to and discard
// anything stale. Combined with the closed guard in the delivery path, this
// makes late events from a torn-down channel unobservable even across a
// fast agent switch.
//
// # Manager
//
// The Manager owns at most one live Channel. Open closes any previous
// channel before dialing, and Close releases the active one. Connection
// failures are returned to the caller; there is no automatic reconnect.
package channel
