// ABOUTME: Channel is one live duplex event stream to the remote agent endpoint
// ABOUTME: Decodes JSON envelopes into typed events and gates delivery after close

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// eventBufferSize is the buffer of the per-channel event stream.
const eventBufferSize = 64

// ErrChannelClosed is returned when sending on a closed channel.
var ErrChannelClosed = errors.New("channel closed")

// Channel is a single bidirectional event stream scoped to one agent id.
// Its ID is the session identity: every delivered Event carries it, and a
// consumer bound to a different session id can discard the event outright.
type Channel struct {
	ID      string
	AgentID string

	conn      *websocket.Conn
	events    chan Event
	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
	keepAlive time.Duration
	logger    *slog.Logger
}

func newChannel(agentID string, conn *websocket.Conn, keepAlive time.Duration, logger *slog.Logger) *Channel {
	c := &Channel{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		conn:      conn,
		events:    make(chan Event, eventBufferSize),
		closed:    make(chan struct{}),
		keepAlive: keepAlive,
	}
	c.logger = logger.With("session_id", c.ID, "agent_id", agentID)

	c.deliver(Event{Kind: KindOpened, SessionID: c.ID})

	go c.readLoop()
	if keepAlive > 0 {
		go c.keepAliveLoop()
	}
	return c
}

// Events returns the channel's event stream. The stream is closed after
// Close; no event is ever delivered past that point.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// SessionID returns the channel's session identity.
func (c *Channel) SessionID() string {
	return c.ID
}

// envelope is the JSON frame wrapping every application event.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendUserMessage transmits one user turn.
func (c *Channel) SendUserMessage(ctx context.Context, msg *UserMessage) error {
	return c.send(ctx, KindUserMessage, msg)
}

// SendReset transmits a reset notice.
func (c *Channel) SendReset(ctx context.Context) error {
	return c.send(ctx, KindReset, nil)
}

// SendStart transmits the legacy session-start handshake.
func (c *Channel) SendStart(ctx context.Context, payload *StartPayload) error {
	return c.send(ctx, KindStart, payload)
}

func (c *Channel) send(ctx context.Context, kind Kind, data any) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	env := envelope{Event: string(kind)}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encoding %s payload: %w", kind, err)
		}
		env.Data = raw
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("sending %s: %w", kind, err)
	}

	c.logger.Debug("event sent", "event", kind)
	return nil
}

// Close tears the channel down. Idempotent. After Close returns, the event
// stream is closed and no further events are delivered.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		_ = c.conn.Close()
		c.logger.Debug("channel closed")
	})
	return nil
}

// readLoop decodes inbound frames until the connection dies or Close is
// called, then closes the event stream. The closed guard in deliver ensures
// that a late frame racing with Close is dropped, not delivered.
func (c *Channel) readLoop() {
	defer close(c.events)

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				// Deliberate teardown, not an error
			default:
				c.logger.Warn("channel read failed", "error", err)
				c.deliver(Event{Kind: KindErrored, SessionID: c.ID, Err: err})
				c.deliver(Event{Kind: KindClosed, SessionID: c.ID})
				c.closeOnce.Do(func() {
					close(c.closed)
					_ = c.conn.Close()
				})
			}
			return
		}

		ev, ok := c.decode(frame)
		if !ok {
			continue
		}
		c.deliver(ev)
	}
}

// decode converts a wire frame into a typed Event.
func (c *Channel) decode(frame []byte) (Event, bool) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		c.logger.Warn("discarding malformed frame", "error", err)
		return Event{}, false
	}

	ev := Event{Kind: Kind(env.Event), SessionID: c.ID}
	switch ev.Kind {
	case KindMessage, KindReplyStream:
		var p textPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.logger.Warn("discarding malformed text payload", "event", env.Event, "error", err)
			return Event{}, false
		}
		ev.Text = p.Text

	case KindSearching:
		// The wire sends a bare boolean
		if err := json.Unmarshal(env.Data, &ev.Searching); err != nil {
			c.logger.Warn("discarding malformed searching payload", "error", err)
			return Event{}, false
		}

	case KindSearchingLogo, KindBrowsingURL:
		var p urlPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.logger.Warn("discarding malformed url payload", "event", env.Event, "error", err)
			return Event{}, false
		}
		ev.URL = p.URL

	default:
		c.logger.Debug("ignoring unknown event", "event", env.Event)
		return Event{}, false
	}

	return ev, true
}

// deliver places an event on the stream unless the channel is closed.
// Non-blocking: a full stream drops the event with a warning rather than
// stalling the read loop.
func (c *Channel) deliver(ev Event) {
	select {
	case <-c.closed:
		return
	default:
	}

	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event stream full, dropping event", "event", ev.Kind)
	}
}

// keepAliveLoop sends websocket pings at the configured interval until the
// channel closes.
func (c *Channel) keepAliveLoop() {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("keepalive ping failed", "error", err)
				return
			}
		}
	}
}
