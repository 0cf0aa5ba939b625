// Package speech turns a streaming recognizer into committed text segments.
//
// The Recognizer is a websocket client for the vendor stream: binary audio
// frames out, JSON transcript frames in. The Segmenter is the state machine
// on top: finalized fragments accumulate behind a single resettable silence
// timer and are flushed as one in-order segment when the window elapses or
// the recognizer signals an explicit utterance boundary. Interim hypotheses
// never reach the input buffer, and a stream that closes or errors
// mid-utterance discards the accumulation rather than committing a partial
// segment. An explicit Recorder.Stop is the exception: it commits what was
// already finalized before closing the stream.
//
// The Recorder is the capture toggle. Audio fed before the recognizer
// connection opens queues in arrival order and flushes on open.
package speech
