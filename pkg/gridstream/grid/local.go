package grid

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridstream/gridstream/pkg/gridstream/registry"
)

// Local is the embedded in-memory grid instance a service runs for its
// per-service state. Maps are partitioned; mutations to any one key are
// serialized by the owning partition's lock, which is what makes entry
// processors atomic without a distributed lock.
type Local struct {
	partitions int

	mu         sync.Mutex
	maps       map[string]*LocalMap
	topics     map[string]*localTopic
	processors *registry.Registry[string, Processor]
	idGen      *localIDGenerator
	locks      *localLockManager
}

// LocalOption configures the embedded grid.
type LocalOption func(*Local)

// WithPartitions sets the partition count (default 16).
func WithPartitions(n int) LocalOption {
	return func(g *Local) {
		if n > 0 {
			g.partitions = n
		}
	}
}

// NewLocal creates an embedded grid instance.
func NewLocal(opts ...LocalOption) *Local {
	g := &Local{
		partitions: 16,
		maps:       make(map[string]*LocalMap),
		topics:     make(map[string]*localTopic),
		processors: registry.New[string, Processor](),
		idGen:      newLocalIDGenerator(),
		locks:      newLocalLockManager(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Partitions returns the partition count of the instance.
func (g *Local) Partitions() int {
	return g.partitions
}

// Map returns the named map, creating it on first use.
func (g *Local) Map(name string) *LocalMap {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.maps[name]
	if !ok {
		m = newLocalMap(name, g.partitions, g.processors)
		g.maps[name] = m
	}
	return m
}

// RegisterProcessor registers a named entry processor. Registration must
// happen at startup on every process before the name is used.
func (g *Local) RegisterProcessor(name string, fn Processor) {
	g.processors.Register(name, fn)
}

// IDGenerator returns the instance's distributed ID source.
func (g *Local) IDGenerator() IDGenerator {
	return g.idGen
}

// Topic returns the named in-process topic, creating it on first use.
func (g *Local) Topic(name string) Topic {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.topics[name]
	if !ok {
		t = &localTopic{subs: make(map[int64]TopicHandler)}
		g.topics[name] = t
	}
	return t
}

// Locks returns the instance's lock manager.
func (g *Local) Locks() LockManager {
	return g.locks
}

// LocalMap is a partitioned in-memory map with journal, TTL, entry-added
// listeners, and named entry processors.
type LocalMap struct {
	name       string
	parts      []*partition
	processors *registry.Registry[string, Processor]
	journal    *localJournal

	listenerMu sync.RWMutex
	listeners  map[int64]EntryListener
	listenerID atomic.Int64
}

type mapEntry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

type partition struct {
	mu      sync.Mutex
	entries map[string]mapEntry
}

func newLocalMap(name string, partitions int, processors *registry.Registry[string, Processor]) *LocalMap {
	parts := make([]*partition, partitions)
	for i := range parts {
		parts[i] = &partition{entries: make(map[string]mapEntry)}
	}
	return &LocalMap{
		name:       name,
		parts:      parts,
		processors: processors,
		journal:    newLocalJournal(),
		listeners:  make(map[int64]EntryListener),
	}
}

func (m *LocalMap) partitionFor(key string) *partition {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.parts[h.Sum32()%uint32(len(m.parts))]
}

func (e mapEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Get returns the value for key and whether a live entry exists.
func (m *LocalMap) Get(_ context.Context, key string) ([]byte, bool, error) {
	p := m.partitionFor(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok || e.expired(time.Now()) {
		return nil, false, nil
	}
	return e.value, true, nil
}

// Put stores value under key.
func (m *LocalMap) Put(ctx context.Context, key string, value []byte) error {
	return m.PutWithTTL(ctx, key, value, 0)
}

// PutWithTTL stores value under key with a per-entry time to live.
func (m *LocalMap) PutWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := mapEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	p := m.partitionFor(key)
	p.mu.Lock()
	p.entries[key] = e
	p.mu.Unlock()

	m.journal.append(key, value)
	m.notify(key, value)
	return nil
}

// PutIfAbsent stores value only when no live entry exists for key.
func (m *LocalMap) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	e := mapEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	p := m.partitionFor(key)
	p.mu.Lock()
	cur, ok := p.entries[key]
	if ok && !cur.expired(time.Now()) {
		p.mu.Unlock()
		return false, nil
	}
	p.entries[key] = e
	p.mu.Unlock()

	m.journal.append(key, value)
	m.notify(key, value)
	return true, nil
}

// Replace performs a compare-and-set against the current value.
func (m *LocalMap) Replace(_ context.Context, key string, old, new []byte) (bool, error) {
	p := m.partitionFor(key)
	p.mu.Lock()
	cur, ok := p.entries[key]
	if !ok || cur.expired(time.Now()) || !bytes.Equal(cur.value, old) {
		p.mu.Unlock()
		return false, nil
	}
	p.entries[key] = mapEntry{value: new, expiresAt: cur.expiresAt}
	p.mu.Unlock()

	m.journal.append(key, new)
	m.notify(key, new)
	return true, nil
}

// Delete removes the entry for key.
func (m *LocalMap) Delete(_ context.Context, key string) error {
	p := m.partitionFor(key)
	p.mu.Lock()
	delete(p.entries, key)
	p.mu.Unlock()
	return nil
}

// Keys returns all live keys.
func (m *LocalMap) Keys(_ context.Context) ([]string, error) {
	now := time.Now()
	var keys []string
	for _, p := range m.parts {
		p.mu.Lock()
		for k, e := range p.entries {
			if !e.expired(now) {
				keys = append(keys, k)
			}
		}
		p.mu.Unlock()
	}
	return keys, nil
}

// Size returns the number of live entries.
func (m *LocalMap) Size(ctx context.Context) (int, error) {
	keys, err := m.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Process runs the processor registered under name atomically against key.
// The partition lock is held for the whole read-apply-write, so concurrent
// processors on the same key never interleave.
func (m *LocalMap) Process(_ context.Context, key string, name string, arg []byte) ([]byte, error) {
	fn, ok := m.processors.Get(name)
	if !ok {
		return nil, fmt.Errorf("map %s: no processor registered under %q", m.name, name)
	}

	p := m.partitionFor(key)
	p.mu.Lock()
	var cur []byte
	var expires time.Time
	if e, ok := p.entries[key]; ok && !e.expired(time.Now()) {
		cur = e.value
		expires = e.expiresAt
	}
	next, err := fn(key, cur, arg)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.entries[key] = mapEntry{value: next, expiresAt: expires}
	p.mu.Unlock()

	m.journal.append(key, next)
	m.notify(key, next)
	return next, nil
}

// OnEntryAdded registers a listener fired after every put.
// Listeners run synchronously on the mutating goroutine and must only hand
// off work, never perform it.
func (m *LocalMap) OnEntryAdded(fn EntryListener) func() {
	id := m.listenerID.Add(1)
	m.listenerMu.Lock()
	m.listeners[id] = fn
	m.listenerMu.Unlock()
	return func() {
		m.listenerMu.Lock()
		delete(m.listeners, id)
		m.listenerMu.Unlock()
	}
}

func (m *LocalMap) notify(key string, value []byte) {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	for _, fn := range m.listeners {
		fn(key, value)
	}
}

// Journal returns the map's change journal.
func (m *LocalMap) Journal() Journal {
	return m.journal
}

// journalRetention bounds how many entries the journal keeps for replay.
// A subscriber that falls further behind resumes from the oldest retained
// entry; consumers treat the pending map, not the journal, as the source
// of truth.
const journalRetention = 4096

// localJournal retains the most recent changes in append order and replays
// them to new subscribers before streaming live changes.
type localJournal struct {
	mu      sync.Mutex
	entries []JournalEntry
	nextSeq int64
	waiters []chan struct{}
}

func newLocalJournal() *localJournal {
	return &localJournal{}
}

func (j *localJournal) append(key string, value []byte) {
	j.mu.Lock()
	j.nextSeq++
	j.entries = append(j.entries, JournalEntry{Seq: j.nextSeq, Key: key, Value: value})
	if len(j.entries) > journalRetention {
		// Copy into a fresh slice so the dropped prefix can be collected.
		trimmed := make([]JournalEntry, journalRetention)
		copy(trimmed, j.entries[len(j.entries)-journalRetention:])
		j.entries = trimmed
	}
	waiters := j.waiters
	j.waiters = nil
	j.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// next returns the first retained entry at or after cursor (a sequence
// number). Trimmed-away sequences resolve to the oldest retained entry.
func (j *localJournal) next(cursor int64) (JournalEntry, bool) {
	if len(j.entries) == 0 {
		return JournalEntry{}, false
	}
	idx := cursor - j.entries[0].Seq
	if idx < 0 {
		idx = 0
	}
	if idx >= int64(len(j.entries)) {
		return JournalEntry{}, false
	}
	return j.entries[idx], true
}

// Subscribe returns a channel replaying retained entries then live changes.
// The cancel function stops the stream.
func (j *localJournal) Subscribe(ctx context.Context) (<-chan JournalEntry, func()) {
	out := make(chan JournalEntry)
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(stop) }) }

	go func() {
		defer close(out)
		var cursor int64 = 1
		for {
			j.mu.Lock()
			for {
				e, ok := j.next(cursor)
				if !ok {
					break
				}
				cursor = e.Seq + 1
				j.mu.Unlock()
				select {
				case out <- e:
				case <-stop:
					return
				case <-ctx.Done():
					return
				}
				j.mu.Lock()
			}
			wait := make(chan struct{})
			j.waiters = append(j.waiters, wait)
			j.mu.Unlock()

			select {
			case <-wait:
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, cancel
}

// localIDGenerator allocates sortable int64s: the high bits carry the
// allocation epoch, the low bits a process-local counter. Strictly
// increasing within a process.
type localIDGenerator struct {
	base    int64
	counter atomic.Int64
}

func newLocalIDGenerator() *localIDGenerator {
	// 41 bits of millis since 2020, shifted over 20 counter bits.
	const epoch2020 = 1577836800000
	return &localIDGenerator{base: (time.Now().UnixMilli() - epoch2020) << 20}
}

// Next returns the next sequence value.
func (g *localIDGenerator) Next(_ context.Context) (int64, error) {
	return g.base + g.counter.Add(1), nil
}

// localTopic delivers payloads synchronously to all subscribers.
type localTopic struct {
	mu     sync.RWMutex
	subs   map[int64]TopicHandler
	nextID atomic.Int64
}

// Publish sends the payload to all current subscribers.
func (t *localTopic) Publish(ctx context.Context, payload []byte) error {
	t.mu.RLock()
	handlers := make([]TopicHandler, 0, len(t.subs))
	for _, fn := range t.subs {
		handlers = append(handlers, fn)
	}
	t.mu.RUnlock()

	for _, fn := range handlers {
		fn(ctx, payload)
	}
	return nil
}

// Subscribe registers a handler for messages on this topic.
func (t *localTopic) Subscribe(_ context.Context, fn TopicHandler) (func(), error) {
	id := t.nextID.Add(1)
	t.mu.Lock()
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}, nil
}

// localLockManager hands out in-process per-key locks with TTL expiry.
type localLockManager struct {
	mu    sync.Mutex
	held  map[string]localHold
	token atomic.Int64
}

type localHold struct {
	token     int64
	expiresAt time.Time
}

func newLocalLockManager() *localLockManager {
	return &localLockManager{held: make(map[string]localHold)}
}

// TryLock attempts to acquire the lock for key without waiting.
func (l *localLockManager) TryLock(_ context.Context, key string, ttl time.Duration) (Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if h, ok := l.held[key]; ok && now.Before(h.expiresAt) {
		return nil, false, nil
	}
	token := l.token.Add(1)
	l.held[key] = localHold{token: token, expiresAt: now.Add(ttl)}
	return &localLock{mgr: l, key: key, token: token}, true, nil
}

type localLock struct {
	mgr   *localLockManager
	key   string
	token int64
}

// Unlock releases the lock if still held by this owner.
func (lk *localLock) Unlock(_ context.Context) error {
	lk.mgr.mu.Lock()
	defer lk.mgr.mu.Unlock()
	if h, ok := lk.mgr.held[lk.key]; ok && h.token == lk.token {
		delete(lk.mgr.held, lk.key)
	}
	return nil
}
