// ABOUTME: Registry owns the durable agent profiles, the current pointer, and the live session
// ABOUTME: Bootstrap, create, switch, update, and delete all keep pointer and list consistent

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agent-console/internal/channel"
	"github.com/2389/agent-console/internal/conversation"
	"github.com/2389/agent-console/internal/store"
)

// defaultProfileName is the display name given to bootstrap and newly
// created profiles until the user renames them.
const defaultProfileName = "New Agent"

// Transport is what the registry needs from an open channel: the session
// surface plus the start handshake and teardown.
type Transport interface {
	conversation.Transport
	SendStart(ctx context.Context, payload *channel.StartPayload) error
	Close() error
}

// Connector opens the duplex channel for an agent id. Opening a channel for
// a new agent must close the previous one first.
type Connector interface {
	Open(ctx context.Context, agentID string) (Transport, error)
	Close() error
}

// ManagerConnector adapts a channel.Manager to the Connector interface.
type ManagerConnector struct {
	Manager *channel.Manager
}

func (c ManagerConnector) Open(ctx context.Context, agentID string) (Transport, error) {
	ch, err := c.Manager.Open(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c ManagerConnector) Close() error { return c.Manager.Close() }

// Store is the persistence surface the registry needs.
type Store interface {
	store.ProfileStore
	store.TranscriptStore
	Wipe(ctx context.Context) error
}

// ProfileUpdate carries a partial profile edit. Nil fields are left
// unchanged.
type ProfileUpdate struct {
	Name         *string
	Capabilities []store.Capability
	Behavior     *string
}

// ChangeKind categorizes a registry change notification.
type ChangeKind string

const (
	// ChangeProfiles signals the profile list was mutated
	ChangeProfiles ChangeKind = "profiles"
	// ChangeCurrent signals the current-agent pointer moved
	ChangeCurrent ChangeKind = "current"
)

// Change is one registry notification.
type Change struct {
	Kind    ChangeKind
	AgentID string // current agent after the change, empty for no-agent
}

// Registry is the durable multi-profile agent registry. It owns the profile
// list, the single current-agent pointer, and the one live conversation
// session, rebuilding the session whenever the pointer moves.
type Registry struct {
	store       Store
	connector   Connector
	broadcaster *conversation.Broadcaster
	logger      *slog.Logger

	mu        sync.Mutex
	currentID string
	session   *conversation.Session
	transport Transport

	subMu sync.RWMutex
	subs  map[string]chan Change
}

// New creates a registry. Pass nil logger for default.
func New(st Store, connector Connector, b *conversation.Broadcaster, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:       st,
		connector:   connector,
		broadcaster: b,
		logger:      logger.With("component", "registry"),
		subs:        make(map[string]chan Change),
	}
}

// Bootstrap loads the profile list and establishes a valid current pointer:
// an empty store gets one default profile, and a pointer to a missing
// profile is reconciled to the first profile in the list. The current
// agent's session is opened before Bootstrap returns.
func (r *Registry) Bootstrap(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profiles, err := r.store.ListProfiles(ctx)
	if err != nil {
		return fmt.Errorf("loading profiles: %w", err)
	}

	if len(profiles) == 0 {
		p := newProfile(defaultProfileName)
		if err := r.store.SaveProfile(ctx, p); err != nil {
			return fmt.Errorf("creating default profile: %w", err)
		}
		profiles = []*store.Profile{p}
		r.logger.Info("bootstrapped default profile", "profile_id", p.ID)
	}

	currentID, err := r.store.GetCurrentAgent(ctx)
	if err != nil && !errors.Is(err, store.ErrNoCurrentAgent) {
		return fmt.Errorf("loading current pointer: %w", err)
	}

	current := findProfile(profiles, currentID)
	if current == nil {
		// Unset or dangling pointer: fall back to the first profile
		current = profiles[0]
		r.logger.Warn("reconciling current pointer",
			"stale_id", currentID, "new_id", current.ID)
	}
	if err := r.store.SetCurrentAgent(ctx, current.ID); err != nil {
		return fmt.Errorf("persisting current pointer: %w", err)
	}

	if err := r.openLocked(ctx, current); err != nil {
		return err
	}

	r.notify(Change{Kind: ChangeProfiles, AgentID: current.ID})
	r.notify(Change{Kind: ChangeCurrent, AgentID: current.ID})
	return nil
}

// Create persists a fresh profile with the default capability set and makes
// it current, tearing down the previous session.
func (r *Registry) Create(ctx context.Context) (*store.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := newProfile(defaultProfileName)
	if err := r.store.SaveProfile(ctx, p); err != nil {
		return nil, fmt.Errorf("saving profile: %w", err)
	}
	if err := r.store.SetCurrentAgent(ctx, p.ID); err != nil {
		return nil, fmt.Errorf("persisting current pointer: %w", err)
	}
	if err := r.openLocked(ctx, p); err != nil {
		return nil, err
	}

	r.logger.Info("profile created", "profile_id", p.ID)
	r.notify(Change{Kind: ChangeProfiles, AgentID: p.ID})
	r.notify(Change{Kind: ChangeCurrent, AgentID: p.ID})
	return p, nil
}

// SwitchTo makes the given profile current. An unknown id is a silent
// no-op; switching to the already-current profile does nothing (no
// teardown, no duplicate pointer write).
func (r *Registry) SwitchTo(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == r.currentID {
		return nil
	}

	p, err := r.store.GetProfile(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Debug("switch to unknown profile ignored", "profile_id", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading profile: %w", err)
	}

	if err := r.store.SetCurrentAgent(ctx, p.ID); err != nil {
		return fmt.Errorf("persisting current pointer: %w", err)
	}
	if err := r.openLocked(ctx, p); err != nil {
		return err
	}

	r.logger.Info("switched agent", "profile_id", p.ID, "name", p.Name)
	r.notify(Change{Kind: ChangeCurrent, AgentID: p.ID})
	return nil
}

// Update merges a partial edit into a profile and persists it. Disabling
// the reply capability is rejected with ErrReplyRequired and nothing
// changes. Editing the current profile refreshes the live session's
// capability/behavior mirror so the next send carries the new snapshot.
func (r *Registry) Update(ctx context.Context, id string, upd ProfileUpdate) (*store.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.store.GetProfile(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}

	if upd.Capabilities != nil {
		if err := store.ValidateCapabilities(upd.Capabilities); err != nil {
			return nil, err
		}
		p.Capabilities = append([]store.Capability(nil), upd.Capabilities...)
	}
	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.Behavior != nil {
		p.Behavior = *upd.Behavior
	}
	p.UpdatedAt = time.Now()

	if err := r.store.SaveProfile(ctx, p); err != nil {
		return nil, fmt.Errorf("saving profile: %w", err)
	}

	if id == r.currentID && r.session != nil {
		r.session.UpdateConfig(conversation.Config{
			Capabilities: p.Capabilities,
			Behavior:     p.Behavior,
		})
	}

	r.notify(Change{Kind: ChangeProfiles, AgentID: r.currentID})
	return p, nil
}

// Delete removes a profile. Deleting the current profile retargets the
// pointer to the first remaining profile (or the no-agent state) in the
// same store transaction as the removal, then rebuilds the session.
// The deleted profile's transcript rows are left in place; they are
// unreachable without a profile to address them.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profiles, err := r.store.ListProfiles(ctx)
	if err != nil {
		return fmt.Errorf("loading profiles: %w", err)
	}
	if findProfile(profiles, id) == nil {
		return store.ErrNotFound
	}

	var next *store.Profile
	nextID := r.currentID
	if id == r.currentID {
		nextID = ""
		for _, p := range profiles {
			if p.ID != id {
				next = p
				nextID = p.ID
				break
			}
		}
	}

	if err := r.store.DeleteProfile(ctx, id, nextID); err != nil {
		return fmt.Errorf("deleting profile: %w", err)
	}

	if id == r.currentID {
		r.teardownLocked()
		r.currentID = ""
		if next != nil {
			if err := r.openLocked(ctx, next); err != nil {
				return err
			}
		}
	}

	r.logger.Info("profile deleted", "profile_id", id, "next_current", nextID)
	r.notify(Change{Kind: ChangeProfiles, AgentID: r.currentID})
	r.notify(Change{Kind: ChangeCurrent, AgentID: r.currentID})
	return nil
}

// Resolve maps an addressed agent id to its session, the navigation entry
// point. An empty or unknown id resolves to the current agent; a known
// non-current id switches first.
func (r *Registry) Resolve(ctx context.Context, pathID string) (*conversation.Session, error) {
	if pathID != "" {
		if err := r.SwitchTo(ctx, pathID); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return nil, store.ErrNoCurrentAgent
	}
	return r.session, nil
}

// ResetAll wipes every profile and transcript, then re-bootstraps into a
// single default profile. The dedicated start-over path.
func (r *Registry) ResetAll(ctx context.Context) error {
	r.mu.Lock()
	r.teardownLocked()
	r.currentID = ""
	err := r.store.Wipe(ctx)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("wiping store: %w", err)
	}

	r.logger.Info("registry reset")
	return r.Bootstrap(ctx)
}

// List returns all profiles in creation order.
func (r *Registry) List(ctx context.Context) ([]*store.Profile, error) {
	return r.store.ListProfiles(ctx)
}

// CurrentID returns the current agent id, empty in the no-agent state.
func (r *Registry) CurrentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentID
}

// Current returns the current profile.
func (r *Registry) Current(ctx context.Context) (*store.Profile, error) {
	r.mu.Lock()
	id := r.currentID
	r.mu.Unlock()

	if id == "" {
		return nil, store.ErrNoCurrentAgent
	}
	return r.store.GetProfile(ctx, id)
}

// Session returns the live conversation session, nil in the no-agent state.
func (r *Registry) Session() *conversation.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Subscribe registers for registry change notifications. The subscription
// is removed when ctx is cancelled.
func (r *Registry) Subscribe(ctx context.Context) <-chan Change {
	id := uuid.New().String()
	ch := make(chan Change, 16)

	r.subMu.Lock()
	r.subs[id] = ch
	r.subMu.Unlock()

	go func() {
		<-ctx.Done()
		r.subMu.Lock()
		if sub, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(sub)
		}
		r.subMu.Unlock()
	}()

	return ch
}

// Close tears down the live session and channel.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.teardownLocked()
	r.mu.Unlock()
	return r.connector.Close()
}

// openLocked tears down the previous session and builds one for profile.
// Caller holds r.mu.
func (r *Registry) openLocked(ctx context.Context, profile *store.Profile) error {
	r.teardownLocked()

	t, err := r.connector.Open(ctx, profile.ID)
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}

	// Legacy handshake: announce the session config once per open. The
	// channel is still usable if the remote side ignores it.
	if err := t.SendStart(ctx, &channel.StartPayload{
		Capabilities: profile.Capabilities,
		Behavior:     profile.Behavior,
	}); err != nil {
		r.logger.Warn("start handshake failed", "error", err)
	}

	sess, err := conversation.NewSession(ctx, profile.ID, t, r.store,
		conversation.Config{
			Capabilities: profile.Capabilities,
			Behavior:     profile.Behavior,
		},
		r.broadcaster, r.logger)
	if err != nil {
		_ = t.Close()
		return fmt.Errorf("building session: %w", err)
	}

	r.transport = t
	r.session = sess
	r.currentID = profile.ID
	return nil
}

// teardownLocked stops the live session and closes its transport.
// Caller holds r.mu.
func (r *Registry) teardownLocked() {
	if r.session != nil {
		r.session.Close()
		r.session = nil
	}
	if r.transport != nil {
		_ = r.transport.Close()
		r.transport = nil
	}
}

// notify fans a change out to all subscribers without blocking.
func (r *Registry) notify(change Change) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for _, ch := range r.subs {
		select {
		case ch <- change:
		default:
			r.logger.Debug("dropped registry change for slow subscriber",
				"kind", change.Kind)
		}
	}
}

func newProfile(name string) *store.Profile {
	now := time.Now()
	return &store.Profile{
		ID:           uuid.New().String(),
		Name:         name,
		Capabilities: store.DefaultCapabilities(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func findProfile(profiles []*store.Profile, id string) *store.Profile {
	if id == "" {
		return nil
	}
	for _, p := range profiles {
		if p.ID == id {
			return p
		}
	}
	return nil
}
