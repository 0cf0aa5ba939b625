// ABOUTME: Manager owns the lifecycle of the single live channel per agent
// ABOUTME: Opening a new channel always closes the previous one first

package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Manager establishes and tears down channels against one remote endpoint.
// Exactly one channel is live at a time; opening a channel for a new agent
// closes the previous one first so a fast agent switch can never produce
// duplicate delivery.
//
// Connection errors are reported to the caller and never retried here;
// reconnection is an explicit caller decision.
type Manager struct {
	endpoint  string
	keepAlive time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	active *Channel
}

// NewManager creates a manager for the given websocket endpoint.
// Pass nil logger for default.
func NewManager(endpoint string, keepAlive time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		endpoint:  endpoint,
		keepAlive: keepAlive,
		logger:    logger.With("component", "channel"),
	}
}

// Open establishes a duplex connection scoped to the given agent id.
// Any previously open channel is closed before dialing.
func (m *Manager) Open(ctx context.Context, agentID string) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		m.logger.Debug("closing previous channel before open",
			"previous_session", m.active.ID,
			"previous_agent", m.active.AgentID)
		_ = m.active.Close()
		m.active = nil
	}

	target, err := channelURL(m.endpoint, agentID)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing channel (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing channel: %w", err)
	}

	ch := newChannel(agentID, conn, m.keepAlive, m.logger)
	m.active = ch

	m.logger.Info("channel opened",
		"session_id", ch.ID,
		"agent_id", agentID,
		"endpoint", target)
	return ch, nil
}

// Close releases the active channel, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil
	}
	err := m.active.Close()
	m.active = nil
	return err
}

// Active returns the currently open channel, or nil.
func (m *Manager) Active() *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// channelURL appends the agent id to the endpoint path.
func channelURL(endpoint, agentID string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	return u.JoinPath(agentID).String(), nil
}
