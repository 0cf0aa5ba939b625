// Package conversation owns the transcript state machine for one agent.
//
// # States
//
// A session is in one of three states per waiting period: idle,
// awaiting-reply, and awaiting-reply+searching. Send moves idle to
// awaiting-reply; a complete reply or the first streaming delta moves it
// back; the searching flag toggles independently off inbound signals.
//
// # Ordering
//
// Transcript entries preserve strict send/receive order as observed by the
// session's single consumer goroutine. The streaming-delta merge is the only
// mechanism that collapses multiple inbound events into one transcript slot,
// and it applies only to the tail entry of the in-progress turn: the wire
// sends cumulative snapshots, so each delta replaces the tail's text
// wholesale. User messages are immutable once appended.
//
// # Reset
//
// Reset transmits a reset notice, clears the transcript and every ephemeral
// flag, and persists the empty transcript. Deltas arriving afterwards still
// append (they open a fresh streaming turn), but waiting and searching stay
// false because no send is outstanding.
//
// # Known gap
//
// A channel that closes or errors while awaiting a reply does not reset the
// waiting flag. The indicator persists until a reply arrives on a new
// channel or the user resets. This mirrors the observed behavior and is
// deliberately not patched here.
//
// # Notifications
//
// Sessions publish StateChange notifications through a Broadcaster; the
// presentation layer subscribes and redraws. Nothing in this package renders.
package conversation
