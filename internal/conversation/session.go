// ABOUTME: Session is the conversation state machine for one bound agent id
// ABOUTME: Merges streaming, complete, and status events into a strictly ordered transcript

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agent-console/internal/channel"
	"github.com/2389/agent-console/internal/store"
)

// ErrEmptyMessage indicates a send with neither text nor attachments.
var ErrEmptyMessage = errors.New("message requires text or an attachment")

// ErrAttachmentType indicates an inline attachment with a non-image MIME type.
var ErrAttachmentType = errors.New("inline attachments must be images")

// Transport defines what the session needs from the channel layer
type Transport interface {
	SessionID() string
	Events() <-chan channel.Event
	SendUserMessage(ctx context.Context, msg *channel.UserMessage) error
	SendReset(ctx context.Context) error
}

// SessionStore defines what the session needs from storage
type SessionStore interface {
	AppendMessage(ctx context.Context, msg *store.Message) error
	UpdateMessageText(ctx context.Context, id, text string) error
	GetTranscript(ctx context.Context, agentID string) ([]*store.Message, error)
	ClearTranscript(ctx context.Context, agentID string) error
}

// Config is the live mirror of the bound profile's capability set and
// behavior directive. It is snapshotted onto each outbound user message.
type Config struct {
	Capabilities []store.Capability
	Behavior     string
}

// State is a point-in-time copy of the session's observable state,
// safe for the presentation layer to read without locking.
type State struct {
	AgentID        string
	Transcript     []store.Message
	Waiting        bool
	Searching      bool
	SearchingLogos []string
}

// Session owns transcript mutation for exactly one agent id. All inbound
// channel events funnel through a single consumer goroutine; user intents
// serialize against it on the session mutex.
type Session struct {
	agentID     string
	transport   Transport
	store       SessionStore
	broadcaster *Broadcaster
	logger      *slog.Logger

	mu             sync.Mutex
	transcript     []*store.Message
	waiting        bool
	searching      bool
	searchingLogos []string
	streamingID    string // id of the agent message owned by the in-progress streaming turn
	config         Config

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession builds a session bound to agentID, restores its durable
// transcript, and starts consuming the transport's event stream.
func NewSession(ctx context.Context, agentID string, transport Transport, st SessionStore, cfg Config, b *Broadcaster, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	transcript, err := st.GetTranscript(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("restoring transcript: %w", err)
	}

	s := &Session{
		agentID:     agentID,
		transport:   transport,
		store:       st,
		broadcaster: b,
		logger:      logger.With("component", "conversation", "agent_id", agentID),
		transcript:  transcript,
		config:      cfg,
		done:        make(chan struct{}),
	}

	go s.consume()

	s.logger.Debug("session started", "restored_messages", len(transcript))
	return s, nil
}

// AgentID returns the agent id this session is bound to.
func (s *Session) AgentID() string {
	return s.agentID
}

// Send validates and appends a user message, then transmits it with the
// current capability/behavior snapshot. The append is optimistic: the
// message is recorded before the server acknowledges anything, and it stays
// recorded even if the transmit fails.
func (s *Session) Send(ctx context.Context, text string, attachments []store.Attachment) error {
	text = strings.TrimSpace(text)
	if text == "" && len(attachments) == 0 {
		return ErrEmptyMessage
	}
	for _, att := range attachments {
		if att.Kind == store.AttachmentImage && !strings.HasPrefix(att.MimeType, "image/") {
			return fmt.Errorf("%w: %s", ErrAttachmentType, att.MimeType)
		}
	}

	s.mu.Lock()
	caps := append([]store.Capability(nil), s.config.Capabilities...)
	behavior := s.config.Behavior

	msg := &store.Message{
		ID:           uuid.New().String(),
		AgentID:      s.agentID,
		Role:         store.RoleUser,
		Text:         text,
		Attachments:  attachments,
		Capabilities: caps,
		Behavior:     behavior,
		CreatedAt:    time.Now(),
	}

	// Record first, then act
	s.transcript = append(s.transcript, msg)
	s.waiting = true
	s.searching = false
	s.searchingLogos = nil
	s.streamingID = ""
	s.mu.Unlock()

	s.persistAppend(msg)
	s.publish(ChangeTranscript)
	s.publish(ChangeStatus)

	err := s.transport.SendUserMessage(ctx, &channel.UserMessage{
		Text:         text,
		Attachments:  attachments,
		Capabilities: caps,
		Behavior:     behavior,
	})
	if err != nil {
		s.logger.Error("user message transmit failed", "error", err)
		return fmt.Errorf("sending message: %w", err)
	}

	s.logger.Debug("user message sent", "message_id", msg.ID)
	return nil
}

// Reset transmits a reset notice, clears the transcript and all ephemeral
// flags, and persists the now-empty transcript.
func (s *Session) Reset(ctx context.Context) error {
	if err := s.transport.SendReset(ctx); err != nil {
		// The local clear proceeds regardless; the remote side simply
		// keeps generating into the void.
		s.logger.Warn("reset transmit failed", "error", err)
	}

	s.mu.Lock()
	s.transcript = nil
	s.waiting = false
	s.searching = false
	s.searchingLogos = nil
	s.streamingID = ""
	s.mu.Unlock()

	if err := s.store.ClearTranscript(context.WithoutCancel(ctx), s.agentID); err != nil {
		s.logger.Error("failed to clear transcript", "error", err)
	}

	s.publish(ChangeTranscript)
	s.publish(ChangeStatus)

	s.logger.Info("session reset")
	return nil
}

// UpdateConfig refreshes the live capability/behavior mirror. Called by the
// registry when the bound profile is edited.
func (s *Session) UpdateConfig(cfg Config) {
	s.mu.Lock()
	s.config = Config{
		Capabilities: append([]store.Capability(nil), cfg.Capabilities...),
		Behavior:     cfg.Behavior,
	}
	s.mu.Unlock()
}

// Snapshot returns a copy of the observable session state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := State{
		AgentID:        s.agentID,
		Transcript:     make([]store.Message, len(s.transcript)),
		Waiting:        s.waiting,
		Searching:      s.searching,
		SearchingLogos: append([]string(nil), s.searchingLogos...),
	}
	for i, msg := range s.transcript {
		state.Transcript[i] = *msg
	}
	return state
}

// Close stops applying events. It does not close the transport; that is the
// registry's teardown responsibility.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// consume drains the transport's event stream in arrival order. Every event
// is gated on the transport's session identity so an event from a replaced
// channel can never be applied.
func (s *Session) consume() {
	for ev := range s.transport.Events() {
		select {
		case <-s.done:
			return
		default:
		}
		if ev.SessionID != s.transport.SessionID() {
			s.logger.Warn("discarding event from stale channel",
				"event", ev.Kind,
				"session_id", ev.SessionID)
			continue
		}
		s.apply(ev)
	}
}

// apply performs one state machine transition for an inbound event.
func (s *Session) apply(ev channel.Event) {
	switch ev.Kind {
	case channel.KindMessage:
		s.applyCompleteReply(ev.Text)

	case channel.KindReplyStream:
		s.applyStreamDelta(ev.Text)

	case channel.KindSearching:
		s.mu.Lock()
		s.searching = ev.Searching
		s.mu.Unlock()
		s.publish(ChangeStatus)

	case channel.KindSearchingLogo:
		s.mu.Lock()
		s.searchingLogos = append(s.searchingLogos, ev.URL)
		s.mu.Unlock()
		s.publish(ChangeStatus)

	case channel.KindBrowsingURL:
		// Side-channel hint only; the transcript is untouched
		if s.broadcaster != nil {
			s.broadcaster.Publish(StateChange{
				AgentID: s.agentID,
				Kind:    ChangeBrowsing,
				URL:     ev.URL,
			})
		}

	case channel.KindOpened:
		s.logger.Debug("channel opened")
		s.publishLifecycle("opened")

	case channel.KindClosed:
		// Informational only: waiting is deliberately left as-is. A reply
		// arriving on a reconnected channel or an explicit reset resolves it.
		s.logger.Warn("channel closed")
		s.publishLifecycle("closed")

	case channel.KindErrored:
		s.logger.Warn("channel errored", "error", ev.Err)
		s.publishLifecycle("errored")
	}
}

// applyCompleteReply appends a complete agent reply and ends the turn.
func (s *Session) applyCompleteReply(text string) {
	msg := &store.Message{
		ID:        uuid.New().String(),
		AgentID:   s.agentID,
		Role:      store.RoleAgent,
		Text:      text,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.transcript = append(s.transcript, msg)
	s.waiting = false
	s.streamingID = ""
	s.mu.Unlock()

	s.persistAppend(msg)
	s.publish(ChangeTranscript)
	s.publish(ChangeStatus)
}

// applyStreamDelta merges a cumulative reply snapshot into the transcript.
// If the tail entry belongs to the in-progress streaming turn its text is
// replaced wholesale; otherwise a new agent message starts the turn. This is
// the only in-place mutation of an agent message.
func (s *Session) applyStreamDelta(text string) {
	s.mu.Lock()
	s.waiting = false

	if s.streamingID != "" && len(s.transcript) > 0 {
		tail := s.transcript[len(s.transcript)-1]
		if tail.ID == s.streamingID && tail.Role == store.RoleAgent {
			tail.Text = text
			id := tail.ID
			s.mu.Unlock()

			s.persistUpdate(id, text)
			s.publish(ChangeTranscript)
			s.publish(ChangeStatus)
			return
		}
	}

	msg := &store.Message{
		ID:        uuid.New().String(),
		AgentID:   s.agentID,
		Role:      store.RoleAgent,
		Text:      text,
		CreatedAt: time.Now(),
	}
	s.transcript = append(s.transcript, msg)
	s.streamingID = msg.ID
	s.mu.Unlock()

	s.persistAppend(msg)
	s.publish(ChangeTranscript)
	s.publish(ChangeStatus)
}

// persistAppend saves a transcript message with a separate timeout context.
// Persistence continues even if the triggering context is gone.
func (s *Session) persistAppend(msg *store.Message) {
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.AppendMessage(saveCtx, msg); err != nil {
		s.logger.Error("failed to persist message",
			"error", err,
			"message_id", msg.ID,
			"role", msg.Role)
	}
}

// persistUpdate saves a streaming-merge text replacement.
func (s *Session) persistUpdate(id, text string) {
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.UpdateMessageText(saveCtx, id, text); err != nil {
		s.logger.Error("failed to persist streaming update",
			"error", err,
			"message_id", id)
	}
}

func (s *Session) publish(kind ChangeKind) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(StateChange{AgentID: s.agentID, Kind: kind})
}

func (s *Session) publishLifecycle(detail string) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(StateChange{
		AgentID: s.agentID,
		Kind:    ChangeLifecycle,
		Detail:  detail,
	})
}
