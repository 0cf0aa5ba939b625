// ABOUTME: Tests for the capture toggle
// ABOUTME: Pre-open chunk queueing, idempotent start/stop, and stream failure handling

package speech

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRecognizer satisfies RecognizerClient without a network connection.
// Connect blocks until release is closed, so tests can feed chunks into the
// pre-open window deterministically.
type fakeRecognizer struct {
	release    chan struct{}
	connectErr error
	sendDelay  time.Duration
	events     chan RecognizerEvent

	mu        sync.Mutex
	sent      [][]byte
	closed    bool
	closeOnce sync.Once
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{
		release: make(chan struct{}),
		events:  make(chan RecognizerEvent, 16),
	}
}

func (f *fakeRecognizer) Connect(ctx context.Context) error {
	select {
	case <-f.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return f.connectErr
}

func (f *fakeRecognizer) SendAudio(chunk []byte) error {
	if f.sendDelay > 0 {
		time.Sleep(f.sendDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chunk)
	return nil
}

func (f *fakeRecognizer) Events() <-chan RecognizerEvent { return f.events }

func (f *fakeRecognizer) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		f.events <- RecognizerEvent{Kind: EventClosed}
		close(f.events)
	})
	return nil
}

func (f *fakeRecognizer) sentChunks() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func newTestRecorder(t *testing.T) (*Recorder, *Segmenter, *fakeRecognizer, *int) {
	t.Helper()
	g := NewSegmenter(aLongTime, nil)
	t.Cleanup(g.Close)

	fake := newFakeRecognizer()
	builds := 0
	r := NewRecorder(func() RecognizerClient {
		builds++
		return fake
	}, g, nil)
	return r, g, fake, &builds
}

func TestRecorder_StartWhileRecordingIsNoOp(t *testing.T) {
	r, _, fake, builds := newTestRecorder(t)
	defer r.Stop()

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, 1, *builds)
	assert.True(t, r.Recording())
	close(fake.release)
}

func TestRecorder_StopWhileIdleIsNoOp(t *testing.T) {
	r, _, _, builds := newTestRecorder(t)
	r.Stop()
	assert.Equal(t, 0, *builds)
	assert.False(t, r.Recording())
}

func TestRecorder_PreOpenChunksQueueInOrder(t *testing.T) {
	r, _, fake, _ := newTestRecorder(t)
	defer r.Stop()

	require.NoError(t, r.Start(context.Background()))

	// The connection hasn't opened; these must queue, not drop
	require.NoError(t, r.Feed([]byte("a")))
	require.NoError(t, r.Feed([]byte("b")))
	require.NoError(t, r.Feed([]byte("c")))
	assert.Empty(t, fake.sentChunks())

	close(fake.release)

	require.Eventually(t, func() bool {
		return len(fake.sentChunks()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, fake.sentChunks())

	// Post-open chunks go straight through
	require.NoError(t, r.Feed([]byte("d")))
	require.Eventually(t, func() bool {
		return len(fake.sentChunks()) == 4
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecorder_ChunksFedDuringFlushStayOrdered(t *testing.T) {
	g := NewSegmenter(aLongTime, nil)
	t.Cleanup(g.Close)

	fake := newFakeRecognizer()
	fake.sendDelay = 50 * time.Millisecond
	r := NewRecorder(func() RecognizerClient { return fake }, g, nil)
	defer r.Stop()

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Feed([]byte("a")))
	require.NoError(t, r.Feed([]byte("b")))

	// Release the connection and feed another chunk while the backlog is
	// still draining; it must land behind the queued ones, never between
	close(fake.release)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Feed([]byte("c")))

	require.Eventually(t, func() bool {
		return len(fake.sentChunks()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, fake.sentChunks())
}

func TestRecorder_FeedWhileIdle(t *testing.T) {
	r, _, _, _ := newTestRecorder(t)
	assert.ErrorIs(t, r.Feed([]byte("x")), ErrNotRecording)
}

func TestRecorder_ConnectFailureTurnsRecordingOff(t *testing.T) {
	r, _, fake, _ := newTestRecorder(t)
	fake.connectErr = assert.AnError

	require.NoError(t, r.Start(context.Background()))
	close(fake.release)

	require.Eventually(t, func() bool {
		return !r.Recording()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecorder_StreamErrorDiscardsAndStops(t *testing.T) {
	r, g, fake, _ := newTestRecorder(t)

	require.NoError(t, r.Start(context.Background()))
	close(fake.release)

	fake.events <- RecognizerEvent{Kind: EventFinal, Text: "half an utter"}
	fake.events <- RecognizerEvent{Kind: EventErrored, Err: assert.AnError}

	require.Eventually(t, func() bool {
		return !r.Recording()
	}, 2*time.Second, 10*time.Millisecond)

	// The accumulated final was discarded, not committed
	select {
	case seg := <-g.Segments():
		t.Fatalf("unexpected segment %q", seg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRecorder_StopCommitsFinalizedText(t *testing.T) {
	r, g, fake, _ := newTestRecorder(t)

	require.NoError(t, r.Start(context.Background()))
	close(fake.release)

	fake.events <- RecognizerEvent{Kind: EventFinal, Text: "keep this"}
	require.Eventually(t, func() bool {
		select {
		case <-g.Live():
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	r.Stop()

	select {
	case seg := <-g.Segments():
		assert.Equal(t, "keep this", seg)
	case <-time.After(2 * time.Second):
		t.Fatal("stop never committed the finalized text")
	}
	assert.False(t, r.Recording())
}
