package grid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Shared is the connection to the shared cluster used purely for
// cross-service state: saga state, dead letters, the idempotency set, and
// the saga topics. It is backed by Redis. Map-spaces are namespaced so
// several logical maps share one cluster.
type Shared struct {
	client    *redis.Client
	namespace string
}

// NewShared wraps an established Redis client.
// The namespace prefixes every key the instance touches.
func NewShared(client *redis.Client, namespace string) *Shared {
	if namespace == "" {
		namespace = "gridstream"
	}
	return &Shared{client: client, namespace: namespace}
}

// Ping verifies cluster connectivity.
func (s *Shared) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Map returns the named shared map-space.
func (s *Shared) Map(name string) *SharedMap {
	return &SharedMap{
		client: s.client,
		prefix: fmt.Sprintf("%s:map:%s:", s.namespace, name),
	}
}

// Topic returns the named cluster-wide topic.
func (s *Shared) Topic(name string) Topic {
	return &sharedTopic{
		client:  s.client,
		channel: fmt.Sprintf("%s:topic:%s", s.namespace, name),
	}
}

// IDGenerator returns a cluster-wide monotonic ID source backed by INCR.
func (s *Shared) IDGenerator(name string) IDGenerator {
	return &sharedIDGenerator{
		client: s.client,
		key:    fmt.Sprintf("%s:seq:%s", s.namespace, name),
	}
}

// Locks returns the cluster-wide lock manager.
func (s *Shared) Locks() LockManager {
	return &sharedLockManager{
		client: s.client,
		prefix: fmt.Sprintf("%s:lock:", s.namespace),
	}
}

// SharedMap is a namespaced keyed map on the shared cluster.
// Multiple services write these maps, so all read-modify-write goes through
// Replace (optimistic CAS) or PutIfAbsent.
type SharedMap struct {
	client *redis.Client
	prefix string
}

// Get returns the value for key and whether it exists.
func (m *SharedMap) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := m.client.Get(ctx, m.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Put stores value under key.
func (m *SharedMap) Put(ctx context.Context, key string, value []byte) error {
	return m.client.Set(ctx, m.prefix+key, value, 0).Err()
}

// PutWithTTL stores value under key with a per-entry time to live.
func (m *SharedMap) PutWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.client.Set(ctx, m.prefix+key, value, ttl).Err()
}

// PutIfAbsent stores value only when key has no entry.
func (m *SharedMap) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return m.client.SetNX(ctx, m.prefix+key, value, ttl).Result()
}

// Replace performs an optimistic compare-and-set using WATCH.
func (m *SharedMap) Replace(ctx context.Context, key string, old, new []byte) (bool, error) {
	full := m.prefix + key
	swapped := false
	err := m.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if string(cur) != string(old) {
			return nil
		}
		ttl, err := tx.TTL(ctx, full).Result()
		if err != nil {
			return err
		}
		if ttl < 0 {
			ttl = 0
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, full, new, ttl)
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, full)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return swapped, nil
}

// Delete removes the entry for key.
func (m *SharedMap) Delete(ctx context.Context, key string) error {
	return m.client.Del(ctx, m.prefix+key).Err()
}

// Keys returns all live keys in the map-space.
func (m *SharedMap) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := m.client.Scan(ctx, 0, m.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(m.prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Size returns the number of live entries in the map-space.
func (m *SharedMap) Size(ctx context.Context) (int, error) {
	keys, err := m.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// sharedTopic is a cluster-wide pub/sub channel.
type sharedTopic struct {
	client  *redis.Client
	channel string
}

// Publish sends the payload to all current subscribers.
func (t *sharedTopic) Publish(ctx context.Context, payload []byte) error {
	return t.client.Publish(ctx, t.channel, payload).Err()
}

// Subscribe registers a handler for messages on this topic.
// The handler runs on a dedicated goroutine per subscription.
func (t *sharedTopic) Subscribe(ctx context.Context, fn TopicHandler) (func(), error) {
	sub := t.client.Subscribe(ctx, t.channel)
	// Force the subscription to be established before returning, so a
	// publish immediately after Subscribe is not lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	go func() {
		for msg := range sub.Channel() {
			fn(ctx, []byte(msg.Payload))
		}
	}()

	return func() { _ = sub.Close() }, nil
}

// sharedIDGenerator allocates cluster-wide monotonic int64s via INCR.
type sharedIDGenerator struct {
	client *redis.Client
	key    string
}

// Next returns the next sequence value.
func (g *sharedIDGenerator) Next(ctx context.Context) (int64, error) {
	return g.client.Incr(ctx, g.key).Result()
}

// sharedLockManager hands out cluster-wide per-key locks via SET NX PX.
type sharedLockManager struct {
	client *redis.Client
	prefix string
}

// TryLock attempts to acquire the lock for key without waiting.
func (l *sharedLockManager) TryLock(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &sharedLock{client: l.client, key: l.prefix + key, token: token}, true, nil
}

type sharedLock struct {
	client *redis.Client
	key    string
	token  string
}

// Unlock releases the lock if still held by this owner.
// Token check and delete are two steps; the TTL bounds the exposure.
func (lk *sharedLock) Unlock(ctx context.Context) error {
	cur, err := lk.client.Get(ctx, lk.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur != lk.token {
		return nil
	}
	return lk.client.Del(ctx, lk.key).Err()
}
