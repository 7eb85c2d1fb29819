// Package store implements the per-service event store and view store on
// top of the embedded grid.
//
// The event store is append-only: every append allocates a composite
// sequence key, so the map's lexicographic key order equals global sequence
// order and per-entity scans stay partition-local. The view store is the
// read-optimized projection, always recomputable from the event store.
package store

import (
	"context"
	"sort"
	"strings"
	"time"

	gserrors "github.com/gridstream/gridstream/pkg/gridstream/errors"
	"github.com/gridstream/gridstream/pkg/gridstream/event"
	"github.com/gridstream/gridstream/pkg/gridstream/grid"
)

// EventStore is the append-only log of domain events, keyed by composite
// sequence key. No deletes in normal operation.
type EventStore struct {
	m   grid.Map
	seq grid.IDGenerator
}

// NewEventStore creates an event store over the given map and ID source.
func NewEventStore(m grid.Map, seq grid.IDGenerator) *EventStore {
	return &EventStore{m: m, seq: seq}
}

// Append durably stores the event record for entityKey and returns its
// composite key. The sequence is allocated from the grid's distributed ID
// generator, so keys sort globally while staying partition-local per entity.
func (s *EventStore) Append(ctx context.Context, entityKey string, rec event.Record) (event.CompositeKey, error) {
	seq, err := s.seq.Next(ctx)
	if err != nil {
		return event.CompositeKey{}, gserrors.GridUnavailable("sequence allocation", err)
	}
	key := event.NewCompositeKey(seq, entityKey)

	data, err := rec.Marshal()
	if err != nil {
		return event.CompositeKey{}, err
	}
	if err := s.m.Put(ctx, key.String(), data); err != nil {
		return event.CompositeKey{}, gserrors.GridUnavailable("event append", err)
	}
	return key, nil
}

// AppendAt stores the event record under an already-allocated composite key.
// The pipeline uses this when the controller stamped the key at handle time.
func (s *EventStore) AppendAt(ctx context.Context, key event.CompositeKey, rec event.Record) error {
	data, err := rec.Marshal()
	if err != nil {
		return err
	}
	if err := s.m.Put(ctx, key.String(), data); err != nil {
		return gserrors.GridUnavailable("event append", err)
	}
	return nil
}

// ByEntity returns the full ordered event history of entityKey.
func (s *EventStore) ByEntity(ctx context.Context, entityKey string) ([]event.Record, error) {
	keys, err := s.entityKeys(ctx, entityKey)
	if err != nil {
		return nil, err
	}

	records := make([]event.Record, 0, len(keys))
	for _, k := range keys {
		data, ok, err := s.m.Get(ctx, k.String())
		if err != nil {
			return nil, gserrors.GridUnavailable("event read", err)
		}
		if !ok {
			continue
		}
		rec, err := event.UnmarshalRecord(data)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// ByType returns up to limit records of the given event type, in sequence
// order. Limit <= 0 means no limit.
func (s *EventStore) ByType(ctx context.Context, eventType string, limit int) ([]event.Record, error) {
	return s.scan(ctx, limit, func(rec event.Record) bool {
		return rec.String(event.FieldEventType) == eventType
	})
}

// ByTimeRange returns records whose occurrence time falls in [lo, hi).
func (s *EventStore) ByTimeRange(ctx context.Context, lo, hi time.Time) ([]event.Record, error) {
	return s.scan(ctx, 0, func(rec event.Record) bool {
		t := rec.Time(event.FieldOccurredAt)
		return !t.Before(lo) && t.Before(hi)
	})
}

// Count returns the number of events stored for entityKey.
func (s *EventStore) Count(ctx context.Context, entityKey string) (int64, error) {
	keys, err := s.entityKeys(ctx, entityKey)
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

// EntityKeys returns the distinct entity keys present in the store.
func (s *EventStore) EntityKeys(ctx context.Context) ([]string, error) {
	raw, err := s.m.Keys(ctx)
	if err != nil {
		return nil, gserrors.GridUnavailable("event scan", err)
	}
	seen := make(map[string]struct{})
	var entities []string
	for _, k := range raw {
		ck, err := event.ParseCompositeKey(k)
		if err != nil {
			continue
		}
		if _, ok := seen[ck.EntityKey]; !ok {
			seen[ck.EntityKey] = struct{}{}
			entities = append(entities, ck.EntityKey)
		}
	}
	sort.Strings(entities)
	return entities, nil
}

func (s *EventStore) entityKeys(ctx context.Context, entityKey string) ([]event.CompositeKey, error) {
	raw, err := s.m.Keys(ctx)
	if err != nil {
		return nil, gserrors.GridUnavailable("event scan", err)
	}
	var keys []event.CompositeKey
	suffix := "|" + entityKey
	for _, k := range raw {
		if !strings.HasSuffix(k, suffix) {
			continue
		}
		ck, err := event.ParseCompositeKey(k)
		if err != nil || ck.EntityKey != entityKey {
			continue
		}
		keys = append(keys, ck)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys, nil
}

func (s *EventStore) scan(ctx context.Context, limit int, match func(event.Record) bool) ([]event.Record, error) {
	raw, err := s.m.Keys(ctx)
	if err != nil {
		return nil, gserrors.GridUnavailable("event scan", err)
	}
	sort.Strings(raw)

	var records []event.Record
	for _, k := range raw {
		if limit > 0 && len(records) >= limit {
			break
		}
		data, ok, err := s.m.Get(ctx, k)
		if err != nil {
			return nil, gserrors.GridUnavailable("event read", err)
		}
		if !ok {
			continue
		}
		rec, err := event.UnmarshalRecord(data)
		if err != nil {
			return nil, err
		}
		if match(rec) {
			records = append(records, rec)
		}
	}
	return records, nil
}
