package cachestore

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"
)

// RemoteBackend abstracts an externally-backed byte store (Redis,
// Memcached, a sharded node, ...).
type RemoteBackend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Keys lists all keys known to the backend; Remote applies pattern
	// filtering locally so every backend gets identical glob semantics.
	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
}

// record is the self-describing wire format written to a RemoteBackend:
// it carries its own CachedAt/ExpiresAt so a Remote store never needs
// the backend to support metadata alongside the value.
type record struct {
	Value     any
	CachedAt  time.Time
	ExpiresAt time.Time
}

// Remote adapts a RemoteBackend to the Store interface, serializing
// entries with gob so arbitrary Go values can round-trip through a
// byte-oriented backend.
type Remote struct {
	backend RemoteBackend
	ctx     context.Context
}

// NewRemote wraps backend as a Store. ctx bounds every backend call;
// pass context.Background() for a store with no deadline.
func NewRemote(ctx context.Context, backend RemoteBackend) *Remote {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Remote{backend: backend, ctx: ctx}
}

func encodeRecord(r record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("cachestore: encode record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (record, error) {
	var r record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
		return record{}, fmt.Errorf("cachestore: decode record: %w", err)
	}
	return r, nil
}

// Get fetches and decodes the entry for key, deleting it first if it
// has already expired.
func (r *Remote) Get(key string) (Entry, bool) {
	data, ok, err := r.backend.Get(r.ctx, key)
	if err != nil || !ok {
		return Entry{}, false
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return Entry{}, false
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		_ = r.backend.Delete(r.ctx, key)
		return Entry{}, false
	}
	return Entry{Value: rec.Value, CachedAt: rec.CachedAt, ExpiresAt: rec.ExpiresAt}, true
}

// Set encodes value and writes it through to the backend with ttl.
func (r *Remote) Set(key string, value any, ttl time.Duration) {
	now := time.Now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	data, err := encodeRecord(record{Value: value, CachedAt: now, ExpiresAt: expiresAt})
	if err != nil {
		return
	}
	_ = r.backend.Set(r.ctx, key, data, ttl)
}

// Delete removes key from the backend.
func (r *Remote) Delete(key string) bool {
	return r.backend.Delete(r.ctx, key) == nil
}

// Clear empties the backend.
func (r *Remote) Clear() {
	_ = r.backend.Clear(r.ctx)
}

// Keys lists backend keys matching pattern, filtering out expired
// entries it encounters along the way.
func (r *Remote) Keys(pattern string) ([]string, error) {
	all, err := r.backend.Keys(r.ctx)
	if err != nil {
		return nil, err
	}

	var matcher func(string) bool
	if pattern == "" || pattern == "*" {
		matcher = func(string) bool { return true }
	} else {
		re, err := compilePattern(pattern)
		if err != nil {
			return nil, err
		}
		matcher = re.MatchString
	}

	out := make([]string, 0, len(all))
	for _, key := range all {
		if !matcher(key) {
			continue
		}
		if _, ok := r.Get(key); ok {
			out = append(out, key)
		}
	}
	return out, nil
}

// Size counts live keys; it is O(n) because most backends do not
// expose a cheap count distinct from listing.
func (r *Remote) Size() int {
	keys, err := r.Keys("*")
	if err != nil {
		return 0
	}
	return len(keys)
}

// ShardedRemote fans a remote tier out across multiple addressable
// backends, assigning each key to a shard via consistent hashing so
// adding or removing a shard only reshuffles a fraction of the
// keyspace. Each shard is itself a RemoteBackend (Redis instance,
// Memcached node, ...); ShardedRemote only decides which one a key
// belongs to.
type ShardedRemote struct {
	ring     *hashRing
	backends map[string]RemoteBackend
	ctx      context.Context
}

// NewShardedRemote creates a ShardedRemote with no shards. replicas
// controls virtual nodes per shard (<=0 means DefaultReplicas); ctx
// bounds every backend call.
func NewShardedRemote(ctx context.Context, replicas int) *ShardedRemote {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ShardedRemote{
		ring:     newHashRing(replicas),
		backends: make(map[string]RemoteBackend),
		ctx:      ctx,
	}
}

// AddShard registers backend under nodeID with the given weight (<=0
// means weight 1). A shard gets weight times the ring's replicas
// virtual nodes, replicas being the value given to NewShardedRemote.
func (s *ShardedRemote) AddShard(nodeID string, weight int, backend RemoteBackend) error {
	if err := s.ring.addNode(nodeID, weight); err != nil {
		return err
	}
	s.backends[nodeID] = backend
	return nil
}

// RemoveShard drops nodeID from the ring. Keys already stored on that
// shard are not migrated; they become unreachable through this
// ShardedRemote until the shard is re-added.
func (s *ShardedRemote) RemoveShard(nodeID string) error {
	if err := s.ring.removeNode(nodeID); err != nil {
		return err
	}
	delete(s.backends, nodeID)
	return nil
}

// ShardFor reports which shard a key is currently routed to, or "" if
// no shards are registered.
func (s *ShardedRemote) ShardFor(key string) string {
	return s.ring.nodeFor(key)
}

func (s *ShardedRemote) backendFor(key string) (RemoteBackend, error) {
	nodeID := s.ring.nodeFor(key)
	if nodeID == "" {
		return nil, fmt.Errorf("cachestore: no shards registered")
	}
	backend, ok := s.backends[nodeID]
	if !ok {
		return nil, fmt.Errorf("cachestore: shard %s not found", nodeID)
	}
	return backend, nil
}

// Get fetches and decodes the entry for key from its assigned shard,
// deleting it first if it has already expired.
func (s *ShardedRemote) Get(key string) (Entry, bool) {
	backend, err := s.backendFor(key)
	if err != nil {
		return Entry{}, false
	}
	data, ok, err := backend.Get(s.ctx, key)
	if err != nil || !ok {
		return Entry{}, false
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return Entry{}, false
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		_ = backend.Delete(s.ctx, key)
		return Entry{}, false
	}
	return Entry{Value: rec.Value, CachedAt: rec.CachedAt, ExpiresAt: rec.ExpiresAt}, true
}

// Set encodes value and writes it through to key's assigned shard.
func (s *ShardedRemote) Set(key string, value any, ttl time.Duration) {
	backend, err := s.backendFor(key)
	if err != nil {
		return
	}
	now := time.Now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	data, err := encodeRecord(record{Value: value, CachedAt: now, ExpiresAt: expiresAt})
	if err != nil {
		return
	}
	_ = backend.Set(s.ctx, key, data, ttl)
}

// Delete removes key from its assigned shard.
func (s *ShardedRemote) Delete(key string) bool {
	backend, err := s.backendFor(key)
	if err != nil {
		return false
	}
	return backend.Delete(s.ctx, key) == nil
}

// Clear empties every registered shard.
func (s *ShardedRemote) Clear() {
	for _, backend := range s.backends {
		_ = backend.Clear(s.ctx)
	}
}

// Keys lists keys matching pattern across every shard, filtering out
// expired entries it encounters along the way.
func (s *ShardedRemote) Keys(pattern string) ([]string, error) {
	var matcher func(string) bool
	if pattern == "" || pattern == "*" {
		matcher = func(string) bool { return true }
	} else {
		re, err := compilePattern(pattern)
		if err != nil {
			return nil, err
		}
		matcher = re.MatchString
	}

	out := make([]string, 0)
	for _, backend := range s.backends {
		keys, err := backend.Keys(s.ctx)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if !matcher(key) {
				continue
			}
			if _, ok := s.Get(key); ok {
				out = append(out, key)
			}
		}
	}
	return out, nil
}

// Size counts live keys across every shard.
func (s *ShardedRemote) Size() int {
	keys, err := s.Keys("*")
	if err != nil {
		return 0
	}
	return len(keys)
}
