// ABOUTME: In-memory fan-out broadcaster for session state change notifications
// ABOUTME: The presentation layer subscribes per agent id and redraws on publish

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// ChangeKind categorizes a state change notification.
type ChangeKind string

const (
	// ChangeTranscript signals the ordered transcript was mutated
	ChangeTranscript ChangeKind = "transcript"
	// ChangeStatus signals waiting/searching/searchingLogos moved
	ChangeStatus ChangeKind = "status"
	// ChangeBrowsing is the auxiliary side-channel display hint
	ChangeBrowsing ChangeKind = "browsing"
	// ChangeLifecycle reports channel opened/closed/errored, informational only
	ChangeLifecycle ChangeKind = "lifecycle"
)

// StateChange is one notification published by a Session.
type StateChange struct {
	AgentID string
	Kind    ChangeKind
	URL     string // browsing hint, ChangeBrowsing only
	Detail  string // lifecycle detail, ChangeLifecycle only
}

// Broadcaster provides in-memory pub/sub for session state changes.
// Subscribers register for an agent id and receive notifications as the
// session mutates; this replaces implicit re-render-on-write coupling with
// an explicit observer contract.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan StateChange // agentID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan StateChange),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for changes on the given agent id.
// Returns a channel that receives notifications and a subscription ID for
// later unsubscription. The subscription is automatically cleaned up when
// ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, agentID string) (<-chan StateChange, string) {
	subID := uuid.New().String()
	ch := make(chan StateChange, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[agentID]; !ok {
		b.subscribers[agentID] = make(map[string]chan StateChange)
	}
	b.subscribers[agentID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "agent_id", agentID, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(agentID, subID)
	}()

	return ch, subID
}

// Publish sends a change to all subscribers of the given agent id.
// Non-blocking: notifications are dropped for subscribers whose channels
// are full.
func (b *Broadcaster) Publish(change StateChange) {
	b.mu.RLock()
	subs, ok := b.subscribers[change.AgentID]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}

	// Copy subscriber channels under read lock to avoid holding lock during sends
	targets := make([]chan StateChange, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- change:
			// Sent
		default:
			b.logger.Debug("dropped change for slow subscriber",
				"agent_id", change.AgentID,
				"kind", change.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(agentID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[agentID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty agent entries
	if len(subs) == 0 {
		delete(b.subscribers, agentID)
	}

	b.logger.Debug("subscriber removed", "agent_id", agentID, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for agentID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, agentID)
	}

	b.logger.Debug("broadcaster closed")
}
