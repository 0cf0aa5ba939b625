// ABOUTME: Websocket client for the streaming speech recognizer
// ABOUTME: Binary audio frames out, JSON transcript events in

package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned when sending audio before Connect succeeds.
var ErrNotConnected = errors.New("recognizer not connected")

// audioBufferSize bounds the outbound audio queue; a stalled connection
// drops chunks rather than stalling the capture path.
const audioBufferSize = 1000

// recognizerMessage is the vendor stream's JSON frame.
type recognizerMessage struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// Recognizer is a websocket client for the streaming speech vendor.
// Audio goes out as binary frames; transcript events come back as JSON and
// are surfaced on Events as typed RecognizerEvents.
type Recognizer struct {
	url    string
	logger *slog.Logger

	events chan RecognizerEvent
	audio  chan []byte
	stopCh chan struct{}

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	closeOnce sync.Once
}

// NewRecognizer creates a client for the given recognizer endpoint.
// Pass nil logger for default.
func NewRecognizer(url string, logger *slog.Logger) *Recognizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recognizer{
		url:    url,
		logger: logger.With("component", "recognizer"),
		events: make(chan RecognizerEvent, 100),
		audio:  make(chan []byte, audioBufferSize),
		stopCh: make(chan struct{}),
	}
}

// Connect dials the recognizer stream and starts the read and write loops.
// Connecting twice is a no-op.
func (r *Recognizer) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connected {
		return nil
	}
	if r.url == "" {
		return errors.New("recognizer url is empty")
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dialing recognizer (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dialing recognizer: %w", err)
	}

	r.conn = conn
	r.connected = true

	go r.readLoop(conn)
	go r.writeLoop(conn)

	r.logger.Info("recognizer connected", "url", r.url)
	return nil
}

// Events returns the typed recognizer event stream.
func (r *Recognizer) Events() <-chan RecognizerEvent {
	return r.events
}

// SendAudio queues one audio chunk for transmission. The queue is bounded;
// a chunk is dropped with a warning when the connection cannot keep up.
func (r *Recognizer) SendAudio(chunk []byte) error {
	r.mu.RLock()
	connected := r.connected
	r.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	select {
	case r.audio <- chunk:
		return nil
	default:
		r.logger.Warn("audio queue full, dropping chunk", "bytes", len(chunk))
		return nil
	}
}

// Close tears the stream down. Idempotent.
func (r *Recognizer) Close() error {
	r.closeOnce.Do(func() {
		close(r.stopCh)

		r.mu.Lock()
		if r.conn != nil {
			_ = r.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = r.conn.Close()
			r.conn = nil
		}
		r.connected = false
		r.mu.Unlock()

		r.logger.Debug("recognizer closed")
	})
	return nil
}

// readLoop decodes inbound transcript frames until the stream dies.
func (r *Recognizer) readLoop(conn *websocket.Conn) {
	defer close(r.events)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-r.stopCh:
				// Deliberate teardown
				r.deliver(RecognizerEvent{Kind: EventClosed})
			default:
				r.logger.Warn("recognizer read failed", "error", err)
				r.deliver(RecognizerEvent{Kind: EventErrored, Err: err})
				r.deliver(RecognizerEvent{Kind: EventClosed})
				_ = r.Close()
			}
			return
		}

		ev, ok := r.decode(frame)
		if !ok {
			continue
		}
		r.deliver(ev)
	}
}

// decode maps a vendor frame onto a typed event.
func (r *Recognizer) decode(frame []byte) (RecognizerEvent, bool) {
	var msg recognizerMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		r.logger.Warn("discarding malformed recognizer frame", "error", err)
		return RecognizerEvent{}, false
	}

	switch msg.Type {
	case "partial":
		return RecognizerEvent{Kind: EventInterim, Text: msg.Text}, true
	case "final":
		return RecognizerEvent{Kind: EventFinal, Text: msg.Text}, true
	case "endpoint":
		return RecognizerEvent{Kind: EventBoundary}, true
	case "error":
		return RecognizerEvent{Kind: EventErrored, Err: errors.New(msg.Error)}, true
	default:
		r.logger.Debug("ignoring unknown recognizer message", "type", msg.Type)
		return RecognizerEvent{}, false
	}
}

func (r *Recognizer) deliver(ev RecognizerEvent) {
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("recognizer event stream full, dropping event", "kind", ev.Kind)
	}
}

// writeLoop transmits queued audio chunks as binary frames.
func (r *Recognizer) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case <-r.stopCh:
			return
		case chunk := <-r.audio:
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				r.logger.Warn("audio write failed", "error", err)
				return
			}
		}
	}
}
