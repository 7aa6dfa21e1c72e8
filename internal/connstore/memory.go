package connstore

import (
	"context"
	"sync"
	"time"

	"github.com/openhub-relay/relay/internal/relayerr"
	"github.com/openhub-relay/relay/internal/relayid"
)

// MemoryStore is an in-process Store implementation used by tests, mirroring
// the teacher's technique of keeping store.Adapter swappable behind a thin
// in-memory double (server/store/adapter.Adapter is exercised the same way
// in the teacher's own test suite). Not for production use: ownership is
// not shared across processes.
type MemoryStore struct {
	mu     sync.Mutex
	conns  map[relayid.HubID]*ConnectionOwnership
	blocks map[string]*BlockRecord
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conns:  make(map[relayid.HubID]*ConnectionOwnership),
		blocks: make(map[string]*BlockRecord),
	}
}

func (m *MemoryStore) expireLocked(hubID relayid.HubID) {
	if rec, ok := m.conns[hubID]; ok && time.Now().After(rec.ExpiresAt) {
		delete(m.conns, hubID)
	}
}

// Acquire implements Store.
func (m *MemoryStore) Acquire(_ context.Context, hubID relayid.HubID, connID relayid.ConnectionID, nodeAddress, hubVersion string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked(hubID)
	if _, held := m.conns[hubID]; held {
		return relayerr.New(relayerr.KindAuthoritativeRefusal, "connstore: acquire", relayerr.ErrLockHeld)
	}
	m.conns[hubID] = &ConnectionOwnership{
		HubID:          hubID,
		ConnectionID:   connID,
		NodeAddress:    nodeAddress,
		HubSoftwareVer: hubVersion,
		ExpiresAt:      time.Now().Add(ttl),
	}
	return nil
}

// Renew implements Store.
func (m *MemoryStore) Renew(_ context.Context, hubID relayid.HubID, connID relayid.ConnectionID, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked(hubID)
	rec, ok := m.conns[hubID]
	if !ok || rec.ConnectionID != connID {
		return relayerr.New(relayerr.KindFatalSession, "connstore: renew", relayerr.ErrLockLost)
	}
	rec.ExpiresAt = time.Now().Add(ttl)
	return nil
}

// Release implements Store.
func (m *MemoryStore) Release(_ context.Context, hubID relayid.HubID, connID relayid.ConnectionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.conns[hubID]; ok && rec.ConnectionID == connID {
		delete(m.conns, hubID)
	}
	return nil
}

// Lookup implements Store.
func (m *MemoryStore) Lookup(_ context.Context, hubID relayid.HubID) (*ConnectionOwnership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked(hubID)
	rec, ok := m.conns[hubID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// Block implements Store.
func (m *MemoryStore) Block(_ context.Context, uuid string, reason string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[uuid] = &BlockRecord{Reason: reason, ExpiresAt: time.Now().Add(ttl)}
	return nil
}

// IsBlocked implements Store.
func (m *MemoryStore) IsBlocked(_ context.Context, uuid string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.blocks[uuid]
	if !ok {
		return false, 0, nil
	}
	remaining := time.Until(rec.ExpiresAt)
	if remaining <= 0 {
		delete(m.blocks, uuid)
		return false, 0, nil
	}
	return true, remaining, nil
}

// CountApprox implements Store.
func (m *MemoryStore) CountApprox(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	now := time.Now()
	for _, rec := range m.conns {
		if now.Before(rec.ExpiresAt) {
			count++
		}
	}
	return count, nil
}
