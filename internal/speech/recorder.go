// ABOUTME: Recorder is the two-state capture toggle feeding the recognizer
// ABOUTME: Chunks fed before the stream opens queue in order and flush on open

package speech

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrNotRecording is returned when feeding audio while capture is idle.
var ErrNotRecording = errors.New("not recording")

// RecognizerClient is what the recorder needs from the recognizer.
type RecognizerClient interface {
	Connect(ctx context.Context) error
	SendAudio(chunk []byte) error
	Events() <-chan RecognizerEvent
	Close() error
}

// RecognizerFactory builds a fresh recognizer stream for one capture run.
type RecognizerFactory func() RecognizerClient

// Recorder toggles speech capture between idle and recording. Starting
// while recording and stopping while idle are no-ops. Audio fed before the
// recognizer connection opens is queued in arrival order and flushed on
// open so no chunk is dropped. A recognizer stream that closes or errors
// mid-capture turns recording off; the segmenter discards whatever was
// accumulated.
type Recorder struct {
	factory   RecognizerFactory
	segmenter *Segmenter
	logger    *slog.Logger

	mu        sync.Mutex
	recording bool
	opened    bool
	pending   [][]byte
	client    RecognizerClient
}

// NewRecorder creates an idle recorder. Pass nil logger for default.
func NewRecorder(factory RecognizerFactory, segmenter *Segmenter, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		factory:   factory,
		segmenter: segmenter,
		logger:    logger.With("component", "recorder"),
	}
}

// Recording reports whether capture is active.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Start begins a capture run: builds a recognizer stream, connects it in
// the background, and routes its events through the segmenter. A no-op
// while already recording.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return nil
	}
	client := r.factory()
	r.recording = true
	r.opened = false
	r.pending = nil
	r.client = client
	r.mu.Unlock()

	go r.run(ctx, client)

	r.logger.Info("recording started")
	return nil
}

// Feed submits one audio chunk. Chunks arriving before the stream opens are
// queued; afterwards they go straight to the recognizer.
func (r *Recorder) Feed(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return ErrNotRecording
	}
	if !r.opened {
		r.pending = append(r.pending, chunk)
		return nil
	}
	return r.client.SendAudio(chunk)
}

// Stop ends the capture run, committing any accumulated finals before the
// stream closes. A no-op while idle.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return
	}
	client := r.client
	r.recording = false
	r.opened = false
	r.pending = nil
	r.client = nil
	r.mu.Unlock()

	// A deliberate stop keeps the words already finalized; only a
	// recognizer-side failure discards them.
	r.segmenter.Flush()

	if client != nil {
		_ = client.Close()
	}
	r.logger.Info("recording stopped")
}

// run connects the stream, flushes the pre-open queue, and pumps recognizer
// events into the segmenter until the stream ends.
func (r *Recorder) run(ctx context.Context, client RecognizerClient) {
	if err := client.Connect(ctx); err != nil {
		r.logger.Warn("recognizer connect failed", "error", err)
		r.mu.Lock()
		if r.client == client {
			r.recording = false
			r.client = nil
			r.pending = nil
		}
		r.mu.Unlock()
		return
	}

	// Feed keeps queueing until the backlog is empty; opened flips only
	// once no queued chunk can be overtaken by a direct send.
	r.mu.Lock()
	for r.client == client && len(r.pending) > 0 {
		chunk := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		if err := client.SendAudio(chunk); err != nil {
			r.logger.Warn("queued chunk send failed", "error", err)
		}
		r.mu.Lock()
	}
	if r.client == client {
		r.opened = true
	}
	r.mu.Unlock()

	for ev := range client.Events() {
		r.segmenter.Process(ev)
		if ev.Kind == EventClosed || ev.Kind == EventErrored {
			r.mu.Lock()
			if r.client == client {
				r.recording = false
				r.opened = false
				r.client = nil
			}
			r.mu.Unlock()
		}
	}
}
