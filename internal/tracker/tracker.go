// Package tracker implements RequestTracker (spec §4.3): the node-local
// map from request-id to PendingRequest, with idempotent removal across
// the three independent termination paths (hub response-end, client
// disconnect, hub disconnect) and timeout-based forced finalization.
//
// Grounded on the sync.Map-backed topic table in the teacher's hub.go and
// the monotonic id discipline implicit in cluster.go's ClusterReq/message
// ids. The concurrent map itself is github.com/puzpuzpuz/xsync/v4,
// carried from USA-RedDragon-DMRHub, satisfying spec §5's "never a single
// global mutex" requirement for RequestTracker specifically.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/openhub-relay/relay/internal/relayid"
)

// State is the PendingRequest lifecycle state (spec §3).
type State int32

const (
	StateAwaitingHeaders State = iota
	StateStreamingBody
	StateDone
)

// ResponseWriter is the minimal surface the tracker needs from whatever is
// holding the client connection open; satisfied by an HTTP
// http.ResponseWriter adapter or a WebSocket bridge adapter in the
// multiplex package. Finalize MUST be safe to call more than once; only
// the first call has effect (idempotence is the tracker's job, but
// writers should tolerate being asked twice defensively).
type ResponseWriter interface {
	// WriteHeader delivers the response-header frame fields.
	WriteHeader(statusCode int, statusText string, headers map[string]string)
	// WriteBody delivers one response-body chunk, in order.
	WriteBody(chunk []byte)
	// Finalize completes the response, successfully (errMsg=="") or with
	// the given upstream error/status.
	Finalize(statusOnError int, errMsg string)
}

// PendingRequest is one client request currently being multiplexed to a
// hub (spec §3).
type PendingRequest struct {
	ID         relayid.RequestID
	HubID      relayid.HubID
	Writer     ResponseWriter
	AcquiredAt time.Time

	mu    sync.Mutex
	state State
}

// State returns the current lifecycle state.
func (p *PendingRequest) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PendingRequest) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Tracker is the RequestTracker (spec §4.3).
type Tracker struct {
	ids   relayid.RequestIDAllocator
	byID  *xsync.Map[relayid.RequestID, *PendingRequest]
}

// New builds an empty Tracker.
func New() *Tracker {
	return &Tracker{byID: xsync.NewMap[relayid.RequestID, *PendingRequest]()}
}

// Add allocates a fresh request-id and registers a PendingRequest for it
// (spec §4.3 "add(hub-id, writer) -> request-id").
func (t *Tracker) Add(hubID relayid.HubID, w ResponseWriter) *PendingRequest {
	id := t.ids.Next()
	p := &PendingRequest{
		ID:         id,
		HubID:      hubID,
		Writer:     w,
		AcquiredAt: time.Now(),
		state:      StateAwaitingHeaders,
	}
	t.byID.Store(id, p)
	return p
}

// Get returns the PendingRequest for id, if any.
func (t *Tracker) Get(id relayid.RequestID) (*PendingRequest, bool) {
	return t.byID.Load(id)
}

// Remove idempotently removes and returns the PendingRequest for id,
// returning nil on a second or later call (spec §4.3 correctness
// property).
func (t *Tracker) Remove(id relayid.RequestID) *PendingRequest {
	p, ok := t.byID.LoadAndDelete(id)
	if !ok {
		return nil
	}
	return p
}

// CancelForHub enumerates entries whose hub-id matches and finalizes each
// with the given status (spec §4.3 "cancelForHub"; used by HubSession
// teardown).
func (t *Tracker) CancelForHub(hubID relayid.HubID, status int, reason string) {
	var toRemove []relayid.RequestID
	t.byID.Range(func(id relayid.RequestID, p *PendingRequest) bool {
		if p.HubID == hubID {
			toRemove = append(toRemove, id)
		}
		return true
	})
	for _, id := range toRemove {
		if p := t.Remove(id); p != nil {
			p.setState(StateDone)
			p.Writer.Finalize(status, reason)
		}
	}
}

// SweepTimeouts forcibly finalizes any PendingRequest older than maxAge
// with a gateway-timeout status (spec §4.4 "A PendingRequest older than 10
// minutes is forcibly finalized with a gateway-timeout status"). cancel is
// invoked to additionally signal the owning HubSession so it can emit a
// cancel frame; it may be nil.
func (t *Tracker) SweepTimeouts(maxAge time.Duration, cancel func(relayid.HubID, relayid.RequestID)) {
	cutoff := time.Now().Add(-maxAge)
	var expired []*PendingRequest
	t.byID.Range(func(_ relayid.RequestID, p *PendingRequest) bool {
		if p.AcquiredAt.Before(cutoff) {
			expired = append(expired, p)
		}
		return true
	})
	for _, p := range expired {
		if t.Remove(p.ID) == nil {
			continue
		}
		p.setState(StateDone)
		p.Writer.Finalize(504, "gateway timeout")
		if cancel != nil {
			cancel(p.HubID, p.ID)
		}
	}
}

// Count returns the number of in-flight PendingRequests (feeds the
// pending-requests metric, spec §4.7).
func (t *Tracker) Count() int {
	return t.byID.Size()
}

// RunTimeoutSweeper runs SweepTimeouts on an interval until ctx is
// cancelled. Intended to be started once per node alongside the HTTP
// server.
func (t *Tracker) RunTimeoutSweeper(ctx context.Context, maxAge, interval time.Duration, cancel func(relayid.HubID, relayid.RequestID)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.SweepTimeouts(maxAge, cancel)
		case <-ctx.Done():
			return
		}
	}
}
