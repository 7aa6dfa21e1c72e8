package tracker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhub-relay/relay/internal/relayid"
	"github.com/openhub-relay/relay/internal/tracker"
)

type fakeWriter struct {
	mu       sync.Mutex
	headers  []int
	body     [][]byte
	finalize []int
}

func (w *fakeWriter) WriteHeader(statusCode int, _ string, _ map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.headers = append(w.headers, statusCode)
}

func (w *fakeWriter) WriteBody(chunk []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.body = append(w.body, chunk)
}

func (w *fakeWriter) Finalize(statusOnError int, _ string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finalize = append(w.finalize, statusOnError)
}

func (w *fakeWriter) finalizeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.finalize)
}

func TestAddAssignsIncreasingIDs(t *testing.T) {
	t.Parallel()
	tr := tracker.New()
	p1 := tr.Add("hub-1", &fakeWriter{})
	p2 := tr.Add("hub-1", &fakeWriter{})
	assert.Greater(t, p2.ID, p1.ID)
}

func TestGetReturnsAddedEntry(t *testing.T) {
	t.Parallel()
	tr := tracker.New()
	w := &fakeWriter{}
	p := tr.Add("hub-1", w)

	got, ok := tr.Get(p.ID)
	require.True(t, ok)
	assert.Same(t, p, got)
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()
	tr := tracker.New()
	p := tr.Add("hub-1", &fakeWriter{})

	first := tr.Remove(p.ID)
	require.NotNil(t, first)
	assert.Same(t, p, first)

	second := tr.Remove(p.ID)
	assert.Nil(t, second, "a second Remove of the same id must be a no-op")
}

func TestCancelForHubFinalizesOnlyMatchingHub(t *testing.T) {
	t.Parallel()
	tr := tracker.New()
	wA := &fakeWriter{}
	wB := &fakeWriter{}
	pA := tr.Add("hub-a", wA)
	pB := tr.Add("hub-b", wB)

	tr.CancelForHub("hub-a", 502, "upstream closed")

	assert.Equal(t, 1, wA.finalizeCount())
	assert.Equal(t, 0, wB.finalizeCount())

	_, ok := tr.Get(pA.ID)
	assert.False(t, ok, "cancelled entries must be removed from the tracker")
	_, ok = tr.Get(pB.ID)
	assert.True(t, ok)
}

func TestCancelForHubIsIdempotentAcrossCalls(t *testing.T) {
	t.Parallel()
	tr := tracker.New()
	w := &fakeWriter{}
	tr.Add("hub-a", w)

	tr.CancelForHub("hub-a", 502, "upstream closed")
	tr.CancelForHub("hub-a", 502, "upstream closed")

	assert.Equal(t, 1, w.finalizeCount(), "a second sweep must not double-finalize")
}

func TestSweepTimeoutsForcesGatewayTimeout(t *testing.T) {
	t.Parallel()
	tr := tracker.New()
	w := &fakeWriter{}
	p := tr.Add("hub-a", w)

	var cancelledHub relayid.HubID
	var cancelledID relayid.RequestID
	tr.SweepTimeouts(0, func(hubID relayid.HubID, id relayid.RequestID) {
		cancelledHub, cancelledID = hubID, id
	})

	assert.Equal(t, 1, w.finalizeCount())
	assert.Equal(t, []int{504}, w.finalize)
	assert.Equal(t, relayid.HubID("hub-a"), cancelledHub)
	assert.Equal(t, p.ID, cancelledID)

	_, ok := tr.Get(p.ID)
	assert.False(t, ok)
}

func TestSweepTimeoutsLeavesFreshEntries(t *testing.T) {
	t.Parallel()
	tr := tracker.New()
	w := &fakeWriter{}
	p := tr.Add("hub-a", w)

	tr.SweepTimeouts(time.Hour, nil)

	assert.Equal(t, 0, w.finalizeCount())
	_, ok := tr.Get(p.ID)
	assert.True(t, ok)
}

func TestCountReflectsLiveEntries(t *testing.T) {
	t.Parallel()
	tr := tracker.New()
	assert.Equal(t, 0, tr.Count())

	p := tr.Add("hub-a", &fakeWriter{})
	assert.Equal(t, 1, tr.Count())

	tr.Remove(p.ID)
	assert.Equal(t, 0, tr.Count())
}

func TestRunTimeoutSweeperStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	tr := tracker.New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		tr.RunTimeoutSweeper(ctx, time.Hour, 5*time.Millisecond, nil)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunTimeoutSweeper did not stop after context cancellation")
	}
}
