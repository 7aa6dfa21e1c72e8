// Package relayid defines the opaque identifiers used across the relay:
// hub ids, connection-id nonces, and per-node request ids.
//
// Grounded on server/store/types.Uid in the teacher (an opaque,
// externally-presented identifier type). Connection-id nonces are minted
// with github.com/google/uuid because they are nonces rather than
// sharded-database keys -- the teacher's snowflake-derived Uid has no
// equivalent need here; request ids come from a per-node atomic counter.
package relayid

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// HubID is the hub-id a hub's presented uuid maps to through its HubRecord
// (spec HubRecord.hub-id); the uuid itself is carried separately as a plain
// string. Opaque, immutable once registered.
type HubID string

// ConnectionID is the opaque nonce minted fresh each time a hub channel is
// accepted, used to detect stale ownership records (spec
// ConnectionOwnership.connection-id).
type ConnectionID string

// NewConnectionID mints a fresh connection-id nonce.
func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.NewString())
}

// RequestID is a per-node monotonically increasing integer identifying one
// PendingRequest for the lifetime of the relay process (spec §4.3, I3).
type RequestID uint64

// RequestIDAllocator hands out strictly increasing RequestIDs. It is the
// single atomic integer named in spec §5 ("The per-node monotonic
// request-id counter is a single atomic integer").
type RequestIDAllocator struct {
	counter atomic.Uint64
}

// Next returns the next RequestID. Never returns zero so that zero can be
// used as a "no request" sentinel by callers.
func (a *RequestIDAllocator) Next() RequestID {
	return RequestID(a.counter.Add(1))
}
