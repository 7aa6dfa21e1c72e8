// Package registry implements SessionRegistry (spec §2/§4): the per-node
// map from hub-id to live HubSession, plus membership events.
//
// Grounded on the global `sessionStore` referenced throughout the
// teacher's server/session.go and server/cluster.go (Get/Delete/NewSession
// by session id). Reimplemented on a sharded concurrent map
// (github.com/puzpuzpuz/xsync/v4), a direct dependency of
// USA-RedDragon-DMRHub, satisfying spec §5's "never a single global mutex
// for SessionRegistry" requirement structurally rather than by hand-rolled
// shard-by-hash bucketing.
package registry

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/openhub-relay/relay/internal/relayid"
)

// Entry is the minimal surface the registry needs from a live HubSession;
// satisfied by *session.HubSession without this package importing the
// session package (avoids a dependency cycle, per spec §9's guidance on
// cyclic references).
type Entry interface {
	HubID() relayid.HubID
}

// MembershipEvent describes a session starting or stopping on this node.
type MembershipEvent struct {
	HubID relayid.HubID
	Added bool
}

// Registry is the node-local, concurrency-safe hub-id -> session map.
type Registry struct {
	sessions *xsync.Map[relayid.HubID, Entry]
	watchers *xsync.Map[int64, chan<- MembershipEvent]
	nextSub  atomic.Int64
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		sessions: xsync.NewMap[relayid.HubID, Entry](),
		watchers: xsync.NewMap[int64, chan<- MembershipEvent](),
	}
}

// Put registers sess as the live session for its hub-id (spec I1: at most
// one live HubSession per hub-id on a node -- callers must have already
// ensured no prior session exists, typically by virtue of ConnectionStore
// having granted the lock).
func (r *Registry) Put(sess Entry) {
	r.sessions.Store(sess.HubID(), sess)
	r.notify(MembershipEvent{HubID: sess.HubID(), Added: true})
}

// Delete removes the session registered for hubID, if any.
func (r *Registry) Delete(hubID relayid.HubID) {
	if _, ok := r.sessions.LoadAndDelete(hubID); ok {
		r.notify(MembershipEvent{HubID: hubID, Added: false})
	}
}

// Get returns the live session for hubID, if one is registered on this
// node.
func (r *Registry) Get(hubID relayid.HubID) (Entry, bool) {
	return r.sessions.Load(hubID)
}

// Count returns the number of sessions live on this node (used to feed
// the active-sessions metric, spec §4.7).
func (r *Registry) Count() int {
	return r.sessions.Size()
}

// Range calls f for every live session; f returning false stops iteration
// early.
func (r *Registry) Range(f func(relayid.HubID, Entry) bool) {
	r.sessions.Range(func(k relayid.HubID, v Entry) bool {
		return f(k, v)
	})
}

// Subscribe registers a channel to receive membership events and returns
// an unsubscribe function. The channel must not block the caller; a slow
// subscriber risks dropped events and is the subscriber's responsibility
// to drain promptly.
func (r *Registry) Subscribe(ch chan<- MembershipEvent) (unsubscribe func()) {
	id := r.nextSub.Add(1)
	r.watchers.Store(id, ch)
	return func() { r.watchers.Delete(id) }
}

func (r *Registry) notify(ev MembershipEvent) {
	r.watchers.Range(func(_ int64, ch chan<- MembershipEvent) bool {
		select {
		case ch <- ev:
		default:
		}
		return true
	})
}
