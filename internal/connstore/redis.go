package connstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openhub-relay/relay/internal/relayerr"
	"github.com/openhub-relay/relay/internal/relayid"
)

const (
	connKeyPrefix  = "relay:conn:"
	blockKeyPrefix = "relay:block:"
	// scanCountHint bounds the per-call SCAN batch size used by
	// CountApprox so a single call never blocks the shared Redis client
	// for long under a large keyspace.
	scanCountHint = 500
	// scanIterationCap bounds the number of SCAN round-trips CountApprox
	// will perform, making the count "bounded best-effort" rather than
	// exhaustive (spec §9).
	scanIterationCap = 200
)

// renewScript compare-and-extends a connection-id's TTL, atomically,
// using the store's own conditional primitive (spec §5: "never on
// client-side read-modify-write").
var renewScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false then
  return 0
end
local ok, decoded = pcall(cjson.decode, v)
if not ok or decoded["ConnectionID"] ~= ARGV[1] then
  return 0
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

// releaseScript compare-and-deletes a connection-id's ownership record.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false then
  return 0
end
local ok, decoded = pcall(cjson.decode, v)
if not ok or decoded["ConnectionID"] ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

// RedisStore is the Store implementation backed by github.com/redis/go-redis/v9.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an already-configured *redis.Client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func connKey(hubID relayid.HubID) string { return connKeyPrefix + string(hubID) }
func blockKey(uuid string) string        { return blockKeyPrefix + uuid }

// Acquire implements Store.
func (s *RedisStore) Acquire(ctx context.Context, hubID relayid.HubID, connID relayid.ConnectionID, nodeAddress, hubVersion string, ttl time.Duration) error {
	rec := ConnectionOwnership{
		HubID:          hubID,
		ConnectionID:   connID,
		NodeAddress:    nodeAddress,
		HubSoftwareVer: hubVersion,
		ExpiresAt:      time.Now().Add(ttl),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return relayerr.New(relayerr.KindFatalSession, "connstore: marshal ownership", err)
	}

	ok, err := s.client.SetNX(ctx, connKey(hubID), data, ttl).Result()
	if err != nil {
		return relayerr.New(relayerr.KindTransientUpstream, "connstore: acquire", err)
	}
	if !ok {
		return relayerr.New(relayerr.KindAuthoritativeRefusal, "connstore: acquire", relayerr.ErrLockHeld)
	}
	return nil
}

// Renew implements Store.
func (s *RedisStore) Renew(ctx context.Context, hubID relayid.HubID, connID relayid.ConnectionID, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, s.client, []string{connKey(hubID)}, string(connID), ttl.Milliseconds()).Int()
	if err != nil {
		return relayerr.New(relayerr.KindTransientUpstream, "connstore: renew", err)
	}
	if res == 0 {
		return relayerr.New(relayerr.KindFatalSession, "connstore: renew", relayerr.ErrLockLost)
	}
	return nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, hubID relayid.HubID, connID relayid.ConnectionID) error {
	_, err := releaseScript.Run(ctx, s.client, []string{connKey(hubID)}, string(connID)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return relayerr.New(relayerr.KindTransientUpstream, "connstore: release", err)
	}
	// Mismatch or absence is a silent no-op per spec §4.1.
	return nil
}

// Lookup implements Store.
func (s *RedisStore) Lookup(ctx context.Context, hubID relayid.HubID) (*ConnectionOwnership, error) {
	data, err := s.client.Get(ctx, connKey(hubID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, relayerr.New(relayerr.KindTransientUpstream, "connstore: lookup", err)
	}
	var rec ConnectionOwnership
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, relayerr.New(relayerr.KindFatalSession, "connstore: unmarshal ownership", err)
	}
	return &rec, nil
}

// Block implements Store.
func (s *RedisStore) Block(ctx context.Context, uuid string, reason string, ttl time.Duration) error {
	rec := BlockRecord{Reason: reason, ExpiresAt: time.Now().Add(ttl)}
	data, err := json.Marshal(rec)
	if err != nil {
		return relayerr.New(relayerr.KindFatalSession, "connstore: marshal block", err)
	}
	if err := s.client.Set(ctx, blockKey(uuid), data, ttl).Err(); err != nil {
		return relayerr.New(relayerr.KindTransientUpstream, "connstore: block", err)
	}
	return nil
}

// IsBlocked implements Store.
func (s *RedisStore) IsBlocked(ctx context.Context, uuid string) (bool, time.Duration, error) {
	ttl, err := s.client.TTL(ctx, blockKey(uuid)).Result()
	if err != nil {
		return false, 0, relayerr.New(relayerr.KindTransientUpstream, "connstore: is-blocked", err)
	}
	if ttl < 0 {
		return false, 0, nil
	}
	return true, ttl, nil
}

// CountApprox implements Store with a bounded SCAN pass (spec §9: "bounded
// best-effort" -- no ordering, accuracy, or completeness guarantee across a
// sharded store).
func (s *RedisStore) CountApprox(ctx context.Context) (int, error) {
	var cursor uint64
	count := 0
	for i := 0; i < scanIterationCap; i++ {
		keys, next, err := s.client.Scan(ctx, cursor, connKeyPrefix+"*", scanCountHint).Result()
		if err != nil {
			return count, relayerr.New(relayerr.KindTransientUpstream, "connstore: count-approx scan", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count, nil
}
