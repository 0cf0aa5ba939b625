// ABOUTME: Segmenter turns recognizer events into committed text segments
// ABOUTME: Finals accumulate behind a single resettable silence timer; boundaries flush immediately

package speech

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultSilenceFlush is the inactivity window after the last final before
// the accumulated text is flushed as one segment.
const DefaultSilenceFlush = 2 * time.Second

// Segmenter accumulates finalized speech fragments and emits committed text
// segments. Every final restarts the single silence timer; an explicit
// boundary flushes immediately without waiting for it. Interim results are
// ignored entirely, and a closed or errored stream discards whatever was
// accumulated rather than flushing a partial utterance.
//
// Two output streams: Live carries each final as it arrives, for echoing
// into the input buffer; Segments carries the flushed in-order
// concatenations. Neither channel is ever closed; consumers stop on their
// own signal.
type Segmenter struct {
	flushAfter time.Duration
	live       chan string
	segments   chan string
	logger     *slog.Logger

	stopCh    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	committed []string
	timer     *time.Timer
}

// NewSegmenter creates a segmenter flushing after the given silence window.
// Zero or negative flushAfter falls back to DefaultSilenceFlush. Pass nil
// logger for default.
func NewSegmenter(flushAfter time.Duration, logger *slog.Logger) *Segmenter {
	if flushAfter <= 0 {
		flushAfter = DefaultSilenceFlush
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Segmenter{
		flushAfter: flushAfter,
		live:       make(chan string, 100),
		segments:   make(chan string, 10),
		logger:     logger.With("component", "speech"),
		stopCh:     make(chan struct{}),
	}
}

// Live returns the stream of finals as they arrive, for the input buffer echo.
func (g *Segmenter) Live() <-chan string {
	return g.live
}

// Segments returns the stream of committed segments.
func (g *Segmenter) Segments() <-chan string {
	return g.segments
}

// Process applies one recognizer event to the segmenter state machine.
func (g *Segmenter) Process(ev RecognizerEvent) {
	switch ev.Kind {
	case EventInterim:
		// Provisional only; the buffer is untouched

	case EventFinal:
		g.applyFinal(ev.Text)

	case EventBoundary:
		g.Flush()

	case EventClosed:
		g.discard("stream closed")

	case EventErrored:
		g.logger.Warn("recognizer stream errored", "error", ev.Err)
		g.discard("stream errored")
	}
}

// applyFinal appends a finalized fragment and restarts the silence timer.
func (g *Segmenter) applyFinal(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	g.mu.Lock()
	g.committed = append(g.committed, text)
	if g.timer == nil {
		g.timer = time.AfterFunc(g.flushAfter, g.flushDueToSilence)
	} else {
		g.timer.Stop()
		g.timer.Reset(g.flushAfter)
	}
	g.mu.Unlock()

	select {
	case g.live <- text:
	default:
		g.logger.Warn("live echo stream full, dropping final")
	}
}

// Flush commits the accumulator immediately, bypassing the timer. A no-op
// when nothing is accumulated.
func (g *Segmenter) Flush() {
	g.mu.Lock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	if len(g.committed) == 0 {
		g.mu.Unlock()
		return
	}
	segment := strings.Join(g.committed, " ")
	g.committed = nil
	g.mu.Unlock()

	// Committed text is never dropped; block until delivered or shut down
	select {
	case <-g.stopCh:
	case g.segments <- segment:
		g.logger.Debug("segment committed", "length", len(segment))
	}
}

// flushDueToSilence fires when the silence window elapses with no new final.
func (g *Segmenter) flushDueToSilence() {
	select {
	case <-g.stopCh:
		return
	default:
	}
	g.Flush()
}

// discard drops the accumulator and stops the timer without emitting.
func (g *Segmenter) discard(reason string) {
	g.mu.Lock()
	dropped := len(g.committed)
	g.committed = nil
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.mu.Unlock()

	if dropped > 0 {
		g.logger.Debug("discarded accumulated finals", "count", dropped, "reason", reason)
	}
}

// Close stops the segmenter. Pending accumulation is discarded.
func (g *Segmenter) Close() {
	g.closeOnce.Do(func() {
		close(g.stopCh)
		g.discard("segmenter closed")
	})
}
