// Package connstore implements the distributed ConnectionStore (spec
// §3 ConnectionOwnership, §4.1) plus the per-node lookup cache consumed by
// the routing layer.
//
// Grounded on server/store/adapter.Adapter in the teacher: a narrow
// interface in front of a pluggable backend, so the relay core never talks
// to a concrete database driver directly. The backend used here is Redis
// (github.com/redis/go-redis/v9), carried forward from
// USA-RedDragon-DMRHub and uncord-chat-uncord-server, both of which lean
// on go-redis for exactly this "distributed conditional lock with TTL"
// shape of state -- a better match for ConnectionOwnership's semantics
// than the teacher's own SQL/Mongo/RethinkDB adapters, which persist
// chat history and are out of this relay's scope.
package connstore

import (
	"context"
	"time"

	"github.com/openhub-relay/relay/internal/relayid"
)

// ConnectionOwnership records which cluster node currently hosts a given
// hub's session (spec §3). Invariant: at most one exists per hub-id across
// the cluster (I4).
type ConnectionOwnership struct {
	HubID          relayid.HubID
	ConnectionID   relayid.ConnectionID
	NodeAddress    string
	HubSoftwareVer string
	ExpiresAt      time.Time
}

// BlockRecord prevents a hub from being accepted, e.g. during a version
// quarantine (spec §3).
type BlockRecord struct {
	Reason    string
	ExpiresAt time.Time
}

// Store is the distributed key-value surface described in spec §4.1.
// Implementations MUST make Acquire/Renew/Release atomic using the
// backing store's native conditional primitives -- never a client-side
// read-modify-write (spec §5).
type Store interface {
	// Acquire atomically inserts ownership only if absent, with the given
	// ttl. Never blocks. Returns relayerr.ErrLockHeld if another
	// connection-id already owns hubID.
	Acquire(ctx context.Context, hubID relayid.HubID, connID relayid.ConnectionID, nodeAddress, hubVersion string, ttl time.Duration) error

	// Renew compare-and-extends the ttl. Returns relayerr.ErrLockLost if
	// the stored connection-id no longer matches connID.
	Renew(ctx context.Context, hubID relayid.HubID, connID relayid.ConnectionID, ttl time.Duration) error

	// Release compare-and-deletes the ownership record. Silently no-ops
	// on connection-id mismatch.
	Release(ctx context.Context, hubID relayid.HubID, connID relayid.ConnectionID) error

	// Lookup returns the current ownership record, or (nil, nil) if none
	// exists.
	Lookup(ctx context.Context, hubID relayid.HubID) (*ConnectionOwnership, error)

	// Block inserts a short-lived BlockRecord for uuid.
	Block(ctx context.Context, uuid string, reason string, ttl time.Duration) error

	// IsBlocked reports whether uuid currently carries a live BlockRecord.
	IsBlocked(ctx context.Context, uuid string) (blocked bool, remaining time.Duration, err error)

	// CountApprox returns a bounded best-effort count of live ownership
	// records, per spec §9's note that the counting mechanism is
	// unspecified beyond "bounded best-effort" (see SPEC_FULL.md §9.1).
	CountApprox(ctx context.Context) (int, error)
}
