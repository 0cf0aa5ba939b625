// ABOUTME: Typed recognizer events shared by the recognizer client and the segmenter
// ABOUTME: Interim results, finalized fragments, utterance boundaries, and lifecycle signals

package speech

// EventKind categorizes one recognizer event.
type EventKind string

const (
	// EventInterim is a provisional hypothesis; it never reaches the input buffer
	EventInterim EventKind = "interim"
	// EventFinal is a finalized speech fragment
	EventFinal EventKind = "final"
	// EventBoundary is an explicit utterance boundary from the recognizer
	EventBoundary EventKind = "boundary"
	// EventClosed signals the recognizer stream ended
	EventClosed EventKind = "closed"
	// EventErrored signals a recognizer stream failure
	EventErrored EventKind = "errored"
)

// RecognizerEvent is one event from the speech recognizer stream.
type RecognizerEvent struct {
	Kind EventKind
	Text string // interim and final only
	Err  error  // errored only
}
