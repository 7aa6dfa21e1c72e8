package registry_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhub-relay/relay/internal/registry"
	"github.com/openhub-relay/relay/internal/relayid"
)

type fakeEntry struct {
	hubID relayid.HubID
}

func (e fakeEntry) HubID() relayid.HubID { return e.hubID }

func TestPutGetDelete(t *testing.T) {
	t.Parallel()
	r := registry.New()

	_, ok := r.Get("hub-1")
	assert.False(t, ok)

	r.Put(fakeEntry{hubID: "hub-1"})
	got, ok := r.Get("hub-1")
	require.True(t, ok)
	assert.Equal(t, relayid.HubID("hub-1"), got.HubID())

	r.Delete("hub-1")
	_, ok = r.Get("hub-1")
	assert.False(t, ok)
}

func TestCount(t *testing.T) {
	t.Parallel()
	r := registry.New()
	assert.Equal(t, 0, r.Count())

	r.Put(fakeEntry{hubID: "hub-1"})
	r.Put(fakeEntry{hubID: "hub-2"})
	assert.Equal(t, 2, r.Count())

	r.Delete("hub-1")
	assert.Equal(t, 1, r.Count())
}

func TestRangeVisitsAllAndCanStopEarly(t *testing.T) {
	t.Parallel()
	r := registry.New()
	r.Put(fakeEntry{hubID: "hub-1"})
	r.Put(fakeEntry{hubID: "hub-2"})
	r.Put(fakeEntry{hubID: "hub-3"})

	seen := map[relayid.HubID]bool{}
	r.Range(func(id relayid.HubID, _ registry.Entry) bool {
		seen[id] = true
		return true
	})
	assert.Len(t, seen, 3)

	visited := 0
	r.Range(func(_ relayid.HubID, _ registry.Entry) bool {
		visited++
		return false
	})
	assert.Equal(t, 1, visited)
}

func TestSubscribeReceivesMembershipEvents(t *testing.T) {
	t.Parallel()
	r := registry.New()
	ch := make(chan registry.MembershipEvent, 4)
	unsubscribe := r.Subscribe(ch)
	defer unsubscribe()

	r.Put(fakeEntry{hubID: "hub-1"})
	select {
	case ev := <-ch:
		assert.Equal(t, relayid.HubID("hub-1"), ev.HubID)
		assert.True(t, ev.Added)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Put event")
	}

	r.Delete("hub-1")
	select {
	case ev := <-ch:
		assert.Equal(t, relayid.HubID("hub-1"), ev.HubID)
		assert.False(t, ev.Added)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Delete event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	r := registry.New()
	ch := make(chan registry.MembershipEvent, 4)
	unsubscribe := r.Subscribe(ch)
	unsubscribe()

	r.Put(fakeEntry{hubID: "hub-1"})
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event after unsubscribe: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeleteOfUnknownHubDoesNotNotify(t *testing.T) {
	t.Parallel()
	r := registry.New()
	ch := make(chan registry.MembershipEvent, 4)
	defer r.Subscribe(ch)()

	r.Delete("never-registered")
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for unknown hub: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConcurrentPutGetIsRaceFree(t *testing.T) {
	t.Parallel()
	r := registry.New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		id := relayid.HubID(string(rune('a' + i%26)))
		go func() { defer wg.Done(); r.Put(fakeEntry{hubID: id}) }()
		go func() { defer wg.Done(); r.Get(id) }()
	}
	wg.Wait()
}
