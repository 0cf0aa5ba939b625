// ABOUTME: Typed application and lifecycle events carried by a Channel
// ABOUTME: Defines the JSON envelope and payload shapes of the wire protocol

package channel

import (
	"github.com/2389/agent-console/internal/store"
)

// Kind identifies an event on the duplex stream. Application kinds match the
// wire protocol event names; lifecycle kinds are synthesized locally and are
// informational only.
type Kind string

const (
	// Lifecycle events, never sent on the wire
	KindOpened  Kind = "opened"
	KindClosed  Kind = "closed"
	KindErrored Kind = "errored"

	// Inbound application events
	KindMessage       Kind = "message"        // complete agent reply
	KindReplyStream   Kind = "reply_stream"   // cumulative partial reply
	KindSearching     Kind = "searching"      // search sub-task active/inactive
	KindSearchingLogo Kind = "searching_logo" // one icon to display during search
	KindBrowsingURL   Kind = "browsing_url"   // auxiliary side-channel display hint

	// Outbound application events
	KindUserMessage Kind = "user_message"
	KindReset       Kind = "reset"
	KindStart       Kind = "start" // legacy explicit session start
)

// Event is one occurrence on a channel's event stream. SessionID carries the
// identity of the channel that delivered it so consumers can discard events
// from a torn-down channel by comparison, not timing.
type Event struct {
	Kind      Kind
	SessionID string

	Text      string // message, reply_stream
	Searching bool   // searching
	URL       string // searching_logo, browsing_url
	Err       error  // errored
}

// UserMessage is the outbound payload for one user turn. Capabilities and
// behavior are the snapshot in effect at send time.
type UserMessage struct {
	Text         string             `json:"text"`
	Attachments  []store.Attachment `json:"attachments,omitempty"`
	Capabilities []store.Capability `json:"capabilities"`
	Behavior     string             `json:"behavior"`
}

// StartPayload is the legacy session-start handshake sent once on open.
type StartPayload struct {
	Capabilities []store.Capability `json:"capabilities"`
	Behavior     string             `json:"behavior"`
}

// textPayload is the inbound shape of message and reply_stream data.
type textPayload struct {
	Text string `json:"text"`
}

// urlPayload is the inbound shape of searching_logo and browsing_url data.
type urlPayload struct {
	URL string `json:"url"`
}
