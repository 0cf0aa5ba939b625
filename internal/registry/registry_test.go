// ABOUTME: Tests for the agent registry
// ABOUTME: Covers bootstrap, create/switch/update/delete, pointer consistency, and reset

package registry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-console/internal/channel"
	"github.com/2389/agent-console/internal/store"
)

// fakeTransport satisfies Transport without a network connection
type fakeTransport struct {
	id      string
	agentID string
	events  chan channel.Event

	mu        sync.Mutex
	sent      []*channel.UserMessage
	starts    []*channel.StartPayload
	closed    bool
	closeOnce sync.Once
}

func (f *fakeTransport) SessionID() string            { return f.id }
func (f *fakeTransport) Events() <-chan channel.Event { return f.events }

func (f *fakeTransport) SendUserMessage(ctx context.Context, msg *channel.UserMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) SendReset(ctx context.Context) error { return nil }

func (f *fakeTransport) SendStart(ctx context.Context, payload *channel.StartPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, payload)
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.events)
	})
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeConnector hands out fakeTransports and tracks open order
type fakeConnector struct {
	mu     sync.Mutex
	opened []*fakeTransport
}

func (c *fakeConnector) Open(ctx context.Context, agentID string) (Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.opened); n > 0 {
		_ = c.opened[n-1].Close()
	}
	t := &fakeTransport{
		id:      uuid.New().String(),
		agentID: agentID,
		events:  make(chan channel.Event, 16),
	}
	c.opened = append(c.opened, t)
	return t, nil
}

func (c *fakeConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.opened); n > 0 {
		_ = c.opened[n-1].Close()
	}
	return nil
}

func (c *fakeConnector) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.opened)
}

func (c *fakeConnector) last() *fakeTransport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.opened) == 0 {
		return nil
	}
	return c.opened[len(c.opened)-1]
}

func createTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRegistry(t *testing.T) (*Registry, *store.SQLiteStore, *fakeConnector) {
	t.Helper()
	st := createTestStore(t)
	conn := &fakeConnector{}
	r := New(st, conn, nil, nil)
	t.Cleanup(func() { r.Close() })
	return r, st, conn
}

func TestRegistry_BootstrapEmptyStore(t *testing.T) {
	r, st, conn := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Bootstrap(ctx))

	profiles, err := st.ListProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, defaultProfileName, profiles[0].Name)
	assert.Equal(t, store.DefaultCapabilities(), profiles[0].Capabilities)
	assert.Empty(t, profiles[0].Behavior)

	currentID, err := st.GetCurrentAgent(ctx)
	require.NoError(t, err)
	assert.Equal(t, profiles[0].ID, currentID)
	assert.Equal(t, profiles[0].ID, r.CurrentID())
	require.NotNil(t, r.Session())

	// The open channel belongs to the bootstrapped profile and got the
	// start handshake
	last := conn.last()
	require.NotNil(t, last)
	assert.Equal(t, profiles[0].ID, last.agentID)
	assert.Len(t, last.starts, 1)
}

func TestRegistry_BootstrapReconcilesDanglingPointer(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()

	p := seedProfile(t, st, "survivor")
	require.NoError(t, st.SetCurrentAgent(ctx, "ghost-id"))

	require.NoError(t, r.Bootstrap(ctx))

	currentID, err := st.GetCurrentAgent(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.ID, currentID)
	assert.Equal(t, p.ID, r.CurrentID())
}

func TestRegistry_BootstrapKeepsExistingPointer(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()

	seedProfile(t, st, "first")
	second := seedProfile(t, st, "second")
	require.NoError(t, st.SetCurrentAgent(ctx, second.ID))

	require.NoError(t, r.Bootstrap(ctx))
	assert.Equal(t, second.ID, r.CurrentID())
}

func TestRegistry_CreateMakesCurrent(t *testing.T) {
	r, st, conn := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Bootstrap(ctx))
	firstTransport := conn.last()

	p, err := r.Create(ctx)
	require.NoError(t, err)

	assert.Equal(t, p.ID, r.CurrentID())
	currentID, err := st.GetCurrentAgent(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.ID, currentID)

	profiles, err := st.ListProfiles(ctx)
	require.NoError(t, err)
	assert.Len(t, profiles, 2)

	// The previous channel is gone and the new one is bound to the new id
	assert.True(t, firstTransport.isClosed())
	assert.Equal(t, p.ID, conn.last().agentID)
}

func TestRegistry_SwitchToCurrentIsNoOp(t *testing.T) {
	r, _, conn := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Bootstrap(ctx))
	opens := conn.openCount()
	sess := r.Session()

	require.NoError(t, r.SwitchTo(ctx, r.CurrentID()))

	assert.Equal(t, opens, conn.openCount())
	assert.Same(t, sess, r.Session())
}

func TestRegistry_SwitchToUnknownIsSilentNoOp(t *testing.T) {
	r, _, conn := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Bootstrap(ctx))
	opens := conn.openCount()
	current := r.CurrentID()

	require.NoError(t, r.SwitchTo(ctx, "no-such-profile"))

	assert.Equal(t, current, r.CurrentID())
	assert.Equal(t, opens, conn.openCount())
}

func TestRegistry_SwitchToRebindsSession(t *testing.T) {
	r, st, conn := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Bootstrap(ctx))
	other := seedProfile(t, st, "other")
	oldTransport := conn.last()

	require.NoError(t, r.SwitchTo(ctx, other.ID))

	assert.Equal(t, other.ID, r.CurrentID())
	currentID, err := st.GetCurrentAgent(ctx)
	require.NoError(t, err)
	assert.Equal(t, other.ID, currentID)
	assert.True(t, oldTransport.isClosed())
	assert.Equal(t, other.ID, conn.last().agentID)
	assert.Equal(t, other.ID, r.Session().AgentID())
}

func TestRegistry_UpdateRenameAndBehavior(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Bootstrap(ctx))
	id := r.CurrentID()

	name := "research buddy"
	behavior := "answer briefly"
	_, err := r.Update(ctx, id, ProfileUpdate{Name: &name, Behavior: &behavior})
	require.NoError(t, err)

	p, err := st.GetProfile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, name, p.Name)
	assert.Equal(t, behavior, p.Behavior)
	assert.Equal(t, store.DefaultCapabilities(), p.Capabilities)
}

func TestRegistry_UpdateRejectsDisablingReply(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Bootstrap(ctx))
	id := r.CurrentID()

	_, err := r.Update(ctx, id, ProfileUpdate{
		Capabilities: []store.Capability{store.CapabilitySearch},
	})
	assert.ErrorIs(t, err, store.ErrReplyRequired)

	// Nothing changed
	p, err := st.GetProfile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.DefaultCapabilities(), p.Capabilities)
}

func TestRegistry_UpdateCurrentRefreshesLiveSession(t *testing.T) {
	r, _, conn := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Bootstrap(ctx))
	id := r.CurrentID()

	behavior := "pirate voice"
	_, err := r.Update(ctx, id, ProfileUpdate{
		Capabilities: []store.Capability{store.CapabilityReply, store.CapabilityCode},
		Behavior:     &behavior,
	})
	require.NoError(t, err)

	// The next send carries the refreshed snapshot
	require.NoError(t, r.Session().Send(ctx, "ahoy", nil))
	last := conn.last()
	last.mu.Lock()
	defer last.mu.Unlock()
	require.Len(t, last.sent, 1)
	assert.Equal(t, []store.Capability{store.CapabilityReply, store.CapabilityCode}, last.sent[0].Capabilities)
	assert.Equal(t, behavior, last.sent[0].Behavior)
}

func TestRegistry_DeleteCurrentRetargetsToFirstRemaining(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Bootstrap(ctx))
	doomed := r.CurrentID()
	survivor := seedProfile(t, st, "survivor")

	// Leave a transcript behind on the doomed profile
	require.NoError(t, st.AppendMessage(ctx, &store.Message{
		ID: uuid.New().String(), AgentID: doomed, Role: store.RoleUser, Text: "bye", CreatedAt: time.Now(),
	}))

	require.NoError(t, r.Delete(ctx, doomed))

	assert.Equal(t, survivor.ID, r.CurrentID())
	currentID, err := st.GetCurrentAgent(ctx)
	require.NoError(t, err)
	assert.Equal(t, survivor.ID, currentID)
	assert.Equal(t, survivor.ID, r.Session().AgentID())

	// Orphaned transcript rows remain in place
	msgs, err := st.GetTranscript(ctx, doomed)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestRegistry_DeleteNonCurrentKeepsPointer(t *testing.T) {
	r, st, conn := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Bootstrap(ctx))
	current := r.CurrentID()
	other := seedProfile(t, st, "other")
	opens := conn.openCount()

	require.NoError(t, r.Delete(ctx, other.ID))

	assert.Equal(t, current, r.CurrentID())
	currentID, err := st.GetCurrentAgent(ctx)
	require.NoError(t, err)
	assert.Equal(t, current, currentID)
	// The live session was never torn down
	assert.Equal(t, opens, conn.openCount())
}

func TestRegistry_DeleteLastProfileEntersNoAgentState(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Bootstrap(ctx))
	require.NoError(t, r.Delete(ctx, r.CurrentID()))

	assert.Empty(t, r.CurrentID())
	assert.Nil(t, r.Session())
	_, err := st.GetCurrentAgent(ctx)
	assert.ErrorIs(t, err, store.ErrNoCurrentAgent)

	_, err = r.Current(ctx)
	assert.ErrorIs(t, err, store.ErrNoCurrentAgent)
}

func TestRegistry_DeleteUnknownProfile(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Bootstrap(ctx))
	assert.ErrorIs(t, r.Delete(ctx, "no-such-profile"), store.ErrNotFound)
}

func TestRegistry_ResolveEmptyPathIsCurrent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Bootstrap(ctx))
	sess, err := r.Resolve(ctx, "")
	require.NoError(t, err)
	assert.Same(t, r.Session(), sess)
}

func TestRegistry_ResolveKnownIDSwitches(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Bootstrap(ctx))
	other := seedProfile(t, st, "other")

	sess, err := r.Resolve(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, other.ID, sess.AgentID())
	assert.Equal(t, other.ID, r.CurrentID())
}

func TestRegistry_ResolveUnknownIDFallsBackToCurrent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Bootstrap(ctx))
	current := r.CurrentID()

	sess, err := r.Resolve(ctx, "no-such-profile")
	require.NoError(t, err)
	assert.Equal(t, current, sess.AgentID())
	assert.Equal(t, current, r.CurrentID())
}

func TestRegistry_ResetAllRebootstraps(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Bootstrap(ctx))
	oldID := r.CurrentID()
	seedProfile(t, st, "extra")
	require.NoError(t, st.AppendMessage(ctx, &store.Message{
		ID: uuid.New().String(), AgentID: oldID, Role: store.RoleUser, Text: "hi", CreatedAt: time.Now(),
	}))

	require.NoError(t, r.ResetAll(ctx))

	profiles, err := st.ListProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.NotEqual(t, oldID, profiles[0].ID)
	assert.Equal(t, profiles[0].ID, r.CurrentID())

	msgs, err := st.GetTranscript(ctx, oldID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRegistry_SubscribeObservesPointerMoves(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := r.Subscribe(ctx)
	require.NoError(t, r.Bootstrap(ctx))
	other := seedProfile(t, st, "other")
	require.NoError(t, r.SwitchTo(ctx, other.ID))

	seen := map[ChangeKind]bool{}
	deadline := time.After(time.Second)
	for !seen[ChangeProfiles] || !seen[ChangeCurrent] {
		select {
		case change := <-changes:
			seen[change.Kind] = true
		case <-deadline:
			t.Fatalf("missing change kinds, saw %v", seen)
		}
	}
}

func seedProfile(t *testing.T, st *store.SQLiteStore, name string) *store.Profile {
	t.Helper()
	now := time.Now()
	p := &store.Profile{
		ID:           uuid.New().String(),
		Name:         name,
		Capabilities: store.DefaultCapabilities(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, st.SaveProfile(context.Background(), p))
	return p
}
