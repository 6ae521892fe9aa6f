package session

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alxayo/go-srt-live/internal/errors"
	"github.com/alxayo/go-srt-live/internal/eventbus"
	"github.com/alxayo/go-srt-live/internal/media"
	"github.com/alxayo/go-srt-live/internal/media/registry"
	"github.com/alxayo/go-srt-live/internal/reactor"
)

type fakeSender struct {
	mu      sync.Mutex
	batches []media.Batch
	signal  chan struct{}
}

func newFakeSender() *fakeSender { return &fakeSender{signal: make(chan struct{}, 64)} }

func (f *fakeSender) SendBatch(b media.Batch) error {
	f.mu.Lock()
	f.batches = append(f.batches, b)
	f.mu.Unlock()
	select {
	case f.signal <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func testDeps() Deps {
	return Deps{
		Pool:            reactor.NewPool(2),
		Registry:        registry.New(),
		Bus:             eventbus.New(),
		Log:             slog.New(slog.DiscardHandler),
		RingCapacity:    16,
		FlowThresholdKB: 0,
	}
}

func pkt(key bool, n int) media.Packet {
	return media.Packet{Key: key, Payload: make([]byte, n)}
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, got %v", want, s.State())
}

// Scenario 1: publish-then-play. A publishes with no auth subscriber
// (default allow), B plays and receives the cached GOP then live writes.
func TestPublishThenPlay(t *testing.T) {
	deps := testDeps()
	defer deps.Pool.Close()

	pub := New(deps, newFakeSender(), "pub:1")
	pub.OnHandshakeFinished("v1/live/cam?type=push")
	waitForState(t, pub, Publishing)

	// pkt leaves Video false, so the GOP grouper treats the stream as
	// audio-only and flushes each packet at once as its own key_pos
	// batch; the ring's cached tail then holds the latest one for the
	// player to read.
	pub.InputFrame(pkt(true, 10))
	pub.InputFrame(pkt(true, 10))

	sub := newFakeSender()
	play := New(deps, sub, "play:1")
	play.OnHandshakeFinished("v1/live/cam")
	waitForState(t, play, Playing)

	deadline := time.After(time.Second)
	for sub.count() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for player to receive a batch")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Scenario 3: publisher conflict -- a second publisher for the same
// identity is shut down with Conflict.
func TestPublisherConflictShutsDownSecondSession(t *testing.T) {
	deps := testDeps()
	defer deps.Pool.Close()

	a := New(deps, newFakeSender(), "a:1")
	a.OnHandshakeFinished("v1/live/cam?type=push")
	waitForState(t, a, Publishing)

	c := New(deps, newFakeSender(), "c:1")
	c.OnHandshakeFinished("v1/live/cam?type=push")
	waitForState(t, c, Closed)
}

func TestEmptyStreamIDIsBadStreamID(t *testing.T) {
	deps := testDeps()
	defer deps.Pool.Close()

	s := New(deps, newFakeSender(), "x:1")

	var mu sync.Mutex
	var authCalls int
	s.deps.Bus.Subscribe(eventbus.TopicMediaPublish, func(any) {
		mu.Lock()
		authCalls++
		mu.Unlock()
	})

	s.OnHandshakeFinished("")
	waitForState(t, s, Closed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, authCalls, "expected no publish_auth to fire for a bad stream id")
}

func TestBadStreamIDClassification(t *testing.T) {
	_, err := media.ParseStreamID("")
	require.Error(t, err)
	assert.True(t, errors.IsBadStreamID(err), "expected BadStreamId classification")
}

func TestAdminCloseRefusesWithoutForceWhenReadersAttached(t *testing.T) {
	deps := testDeps()
	defer deps.Pool.Close()

	pub := New(deps, newFakeSender(), "pub:1")
	pub.OnHandshakeFinished("v1/live/cam2?type=push")
	waitForState(t, pub, Publishing)
	pub.AttachMuxer(&fakeMuxer{readers: 1})
	deadline := time.Now().Add(time.Second)
	for {
		pub.mu.Lock()
		attached := pub.muxer != nil
		pub.mu.Unlock()
		if attached {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for muxer attach")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if ok := pub.Close(false); ok {
		t.Fatalf("expected close(force=false) to refuse while readers attached")
	}
	if ok := pub.Close(true); !ok {
		t.Fatalf("expected close(force=true) to succeed")
	}
	waitForState(t, pub, Closed)
}

type fakeMuxer struct{ readers int }

func (f *fakeMuxer) AddTrack(any)          {}
func (f *fakeMuxer) AddTrackCompleted()    {}
func (f *fakeMuxer) InputFrame(any) bool   { return true }
func (f *fakeMuxer) SetMediaListener(any)  {}
func (f *fakeMuxer) TotalReaderCount() int { return f.readers }
